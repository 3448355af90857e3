// Command many-server runs a single node: an HTTP transport in front of
// the request router, storage engine, ledger module, and multi-signature
// engine (spec.md §4.3, §4.4, §4.6).
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/liftedinit/many-go/pkg/account"
	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/config"
	"github.com/liftedinit/many-go/pkg/crypto"
	"github.com/liftedinit/many-go/pkg/events"
	"github.com/liftedinit/many-go/pkg/ledgermod"
	"github.com/liftedinit/many-go/pkg/multisig"
	"github.com/liftedinit/many-go/pkg/router"
	"github.com/liftedinit/many-go/pkg/storage"
	"github.com/liftedinit/many-go/pkg/verifier"
)

// maxBodyBytes caps a request envelope at 2 MiB, matching the transport's
// refusal to buffer unbounded client input.
const maxBodyBytes = 2 << 20

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// newMigrationSet builds the node's migration/hotfix registry (spec.md
// §4.4.5). The single built-in "token" migration records the cut-over to
// per-address subresource counters that NextSubresource already always
// uses (spec.md §4.4.4's documented legacy single-counter path is not
// reproduced; every deployment of this engine is post-migration), so its
// Initialize hook just marks the activation for operators. cfg.MigrationHeight
// overrides the height it activates at, defaulting to 0 (active from genesis).
func newMigrationSet(cfg *config.Config, logger *slog.Logger) *storage.MigrationSet {
	token := &storage.Migration{
		Name:    "token",
		Type:    storage.MigrationRegular,
		Enabled: true,
		Metadata: storage.MigrationMetadata{
			BlockHeight: cfg.MigrationHeight,
			Issue:       "per-address subresource counters",
		},
		Initialize: func(*storage.Engine) error {
			logger.Info("token migration activated", "height", cfg.MigrationHeight)
			return nil
		},
	}
	return storage.NewMigrationSet(token)
}

// buildNode wires the storage engine, request router, ledger module, and
// multi-signature engine behind a single http.Handler. Split out from Run
// so tests can dispatch against the handler without binding a listener.
func buildNode(cfg *config.Config, signer crypto.Signer) (http.Handler, *storage.Engine, error) {
	ctx := context.Background()

	treeVersion := storage.TreeV1
	if cfg.TreeVersion == 2 {
		treeVersion = storage.TreeV2
	}
	engine, err := storage.Open(ctx, cfg.SQLitePath, treeVersion, storage.Immediate)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}

	identity := address.PublicKey(crypto.HashPublicKey(signer.PublicKey()))
	r := router.New(identity, signer, verifier.NewRegistry(), cfg.TimestampSkew)

	if cfg.AsyncRedisURL != "" {
		r.SetAsyncStore(router.NewRedisAsyncStore(cfg.AsyncRedisURL, "many:async:", 24*time.Hour))
	}

	accounts := newAccountRegistry(identity)
	ledgermod.New(engine, accounts).Register(r)
	log := &events.Log{}
	multisig.New(engine, accounts, r, log).Register(r)

	nodeLogger := slog.Default().With("component", "many-server")
	migrations := newMigrationSet(cfg, nodeLogger)
	// The per-request hook below only sees heights from 1 upward, so run
	// the set once for the height the node opens at; a fresh node opens at
	// 0, which is how a migration scheduled at height 0 activates.
	if err := migrations.UpdateAtHeight(engine, engine.Height()); err != nil {
		nodeLogger.Error("migration update failed", "height", engine.Height(), "error", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		out := r.Dispatch(req.Context(), body)
		w.Header().Set("Content-Type", "application/cbor")
		_, _ = w.Write(out)

		// Each dispatched request advances the block height by one and
		// runs any migration scheduled for the resulting height (spec.md
		// §4.4.3, §4.4.5); this node has no consensus layer, so a
		// completed dispatch is the only available block boundary.
		height, err := engine.IncHeight(req.Context())
		if err != nil {
			nodeLogger.Error("increment height failed", "error", err)
			return
		}
		if err := migrations.UpdateAtHeight(engine, height+1); err != nil {
			nodeLogger.Error("migration update failed", "height", height+1, "error", err)
		}
	})

	return mux, engine, nil
}

// loadIdentity resolves the server's signer: an HSM-backed keystore at
// MANY_HSM_PATH takes precedence (spec.md §9's process-wide HSM
// singleton, versioned keys surviving restarts), falling back to a plain
// PEM file at MANY_PEM.
func loadIdentity() (crypto.Signer, error) {
	if hsmPath := os.Getenv("MANY_HSM_PATH"); hsmPath != "" {
		hsm, err := crypto.NewFileHSM(hsmPath)
		if err != nil {
			return nil, fmt.Errorf("load hsm keystore: %w", err)
		}
		return crypto.NewHSMSigner(hsm), nil
	}
	pemPath := os.Getenv("MANY_PEM")
	if pemPath == "" {
		return nil, fmt.Errorf("one of MANY_HSM_PATH or MANY_PEM must point at the server's identity")
	}
	signer, err := crypto.LoadEd25519SignerFromPEM(pemPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return signer, nil
}

// parseLogLevel maps MANY_LOG_LEVEL's value to a slog.Level, defaulting to
// Info for anything unrecognized.
func parseLogLevel(s string) slog.Level {
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Run is the entrypoint, factored out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if os.Getenv("MANY_HSM_PATH") == "" && os.Getenv("MANY_PEM") == "" {
		fmt.Fprintln(stderr, "one of MANY_HSM_PATH or MANY_PEM must point at the server's identity")
		return 2
	}
	signer, err := loadIdentity()
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})))
	logger := slog.Default().With("component", "many-server")

	handler, engine, err := buildNode(cfg, signer)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer engine.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	// terminating is the shared flag a signal handler sets and the poll
	// loop below reads between accepted connections (spec.md §5's
	// cooperative cancellation at the transport boundary).
	var terminating atomic.Bool

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		terminating.Store(true)
	}()

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			if terminating.Load() {
				logger.Info("termination flag set, shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					server.Close()
				}
				return
			}
		}
	}()

	identity := address.PublicKey(crypto.HashPublicKey(signer.PublicKey()))
	fmt.Fprintf(stdout, "many-server listening on %s (identity %s)\n", cfg.ListenAddress, identity.String())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(stderr, "listen: %v\n", err)
		return 1
	}
	return 0
}

// accountRegistry is an in-memory Accounts/ledgermod.Accounts/
// multisig.Accounts implementation, seeded with a single account owned by
// the server's own identity so a fresh node has somewhere to bootstrap
// balances and multi-signature transactions against.
type accountRegistry struct {
	m *account.Map
}

func newAccountRegistry(identity address.Address) *accountRegistry {
	m := account.NewMap(identity)
	if root, err := identity.WithSubresourceID(0); err == nil {
		_ = m.Insert(root, account.New("", identity))
	}
	return &accountRegistry{m: m}
}

func (a *accountRegistry) Lookup(addr address.Address) (*account.Account, bool) {
	acct, err := a.m.Get(addr)
	if err != nil {
		return nil, false
	}
	return acct, true
}
