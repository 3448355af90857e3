package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftedinit/many-go/pkg/config"
	"github.com/liftedinit/many-go/pkg/crypto"
	"github.com/liftedinit/many-go/pkg/envelope"
	"github.com/liftedinit/many-go/pkg/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ListenAddress: ":0",
		SQLitePath:    filepath.Join(t.TempDir(), "many.db"),
		TreeVersion:   1,
		TimestampSkew: 5 * time.Minute,
	}
}

func TestBuildNodeServesHeartbeat(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	handler, engine, err := buildNode(testConfig(t), signer)
	require.NoError(t, err)
	defer engine.Close()

	srv := httptest.NewServer(handler)
	defer srv.Close()

	req := protocol.Request{Version: protocol.Version, Method: "heartbeat", Timestamp: time.Now()}
	payload, err := req.MarshalCBOR()
	require.NoError(t, err)
	env, err := envelope.Sign(nil, req.From, payload)
	require.NoError(t, err)
	wire, err := env.Encode()
	require.NoError(t, err)

	httpResp, err := http.Post(srv.URL, "application/cbor", bytes.NewReader(wire))
	require.NoError(t, err)
	defer httpResp.Body.Close()
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)
}

func TestRunRequiresIdentity(t *testing.T) {
	t.Setenv("MANY_PEM", "")
	t.Setenv("MANY_HSM_PATH", "")
	var stdout, stderr bytes.Buffer
	code := Run([]string{"many-server"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
}

func TestRunRejectsUnparseablePEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem file"), 0o600))
	t.Setenv("MANY_PEM", path)
	t.Setenv("MANY_HSM_PATH", "")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"many-server"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "load identity")
}

func TestBuildNodeAdvancesHeightAndRunsMigration(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.MigrationHeight = 1
	handler, engine, err := buildNode(cfg, signer)
	require.NoError(t, err)
	defer engine.Close()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	post := func() {
		req := protocol.Request{Version: protocol.Version, Method: "heartbeat", Timestamp: time.Now()}
		payload, err := req.MarshalCBOR()
		require.NoError(t, err)
		env, err := envelope.Sign(nil, req.From, payload)
		require.NoError(t, err)
		wire, err := env.Encode()
		require.NoError(t, err)
		httpResp, err := http.Post(srv.URL, "application/cbor", bytes.NewReader(wire))
		require.NoError(t, err)
		httpResp.Body.Close()
	}

	assert.EqualValues(t, 0, engine.Height())
	post()
	assert.EqualValues(t, 1, engine.Height())
	post()
	assert.EqualValues(t, 2, engine.Height())
}

func TestRunUsesHSMPathWhenSet(t *testing.T) {
	t.Setenv("MANY_HSM_PATH", filepath.Join(t.TempDir(), "hsm.json"))
	t.Setenv("MANY_PEM", "")
	t.Setenv("MANY_LISTEN_ADDRESS", ":0")
	t.Setenv("MANY_SQLITE_PATH", filepath.Join(t.TempDir(), "many.db"))

	signer, err := loadIdentity()
	require.NoError(t, err)
	assert.NotEmpty(t, signer.PublicKey())
}
