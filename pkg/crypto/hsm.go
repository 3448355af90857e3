package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// HSM is the process-wide signing module spec.md §9 requires: a single
// authority holding the server's private key material, from which every
// dispatched response's signature is produced. Versioned keys support
// rotation without invalidating previously issued signatures.
type HSM interface {
	// Sign produces a signature under the active key version.
	Sign(message []byte) (signature []byte, version int, err error)

	// PublicKey returns the public key for a given version (0 = active).
	PublicKey(version int) (ed25519.PublicKey, error)

	// ActiveVersion returns the current signing key version.
	ActiveVersion() int

	// Rotate generates a new active key; old keys remain available for
	// verifying previously issued signatures.
	Rotate() (version int, err error)
}

// keystoreFile is the on-disk JSON format for a FileHSM.
type keystoreFile struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64 ed25519 seed
}

// FileHSM is a file-backed HSM using Ed25519 with versioned keys.
type FileHSM struct {
	mu    sync.RWMutex
	store keystoreFile
	path  string
	keys  map[int]ed25519.PrivateKey
}

// NewFileHSM loads or creates a keystore at path, generating an initial
// key (version 1) if the file does not exist.
func NewFileHSM(path string) (*FileHSM, error) {
	h := &FileHSM{path: path, keys: make(map[int]ed25519.PrivateKey)}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("crypto: create hsm dir: %w", err)
		}
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("crypto: generate hsm key: %w", err)
		}
		h.store = keystoreFile{
			ActiveVersion: 1,
			Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(priv.Seed())},
		}
		h.keys[1] = priv
		if err := h.persist(); err != nil {
			return nil, err
		}
		return h, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read hsm keystore: %w", err)
	}
	if err := json.Unmarshal(data, &h.store); err != nil {
		return nil, fmt.Errorf("crypto: parse hsm keystore: %w", err)
	}
	for vStr, encoded := range h.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("crypto: invalid hsm key version %q: %w", vStr, err)
		}
		seed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode hsm key v%d: %w", v, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("crypto: hsm key v%d has invalid seed length %d", v, len(seed))
		}
		h.keys[v] = ed25519.NewKeyFromSeed(seed)
	}
	if _, ok := h.keys[h.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("crypto: active hsm version %d not present in keystore", h.store.ActiveVersion)
	}
	return h, nil
}

func (h *FileHSM) Sign(message []byte) ([]byte, int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	priv, ok := h.keys[h.store.ActiveVersion]
	if !ok {
		return nil, 0, fmt.Errorf("crypto: no active hsm key")
	}
	return ed25519.Sign(priv, message), h.store.ActiveVersion, nil
}

func (h *FileHSM) PublicKey(version int) (ed25519.PublicKey, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if version == 0 {
		version = h.store.ActiveVersion
	}
	priv, ok := h.keys[version]
	if !ok {
		return nil, fmt.Errorf("crypto: hsm key version %d not found", version)
	}
	return priv.Public().(ed25519.PublicKey), nil
}

func (h *FileHSM) ActiveVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.store.ActiveVersion
}

func (h *FileHSM) Rotate() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return 0, fmt.Errorf("crypto: generate rotated hsm key: %w", err)
	}
	next := h.store.ActiveVersion + 1
	h.keys[next] = priv
	h.store.Keys[strconv.Itoa(next)] = base64.StdEncoding.EncodeToString(priv.Seed())
	h.store.ActiveVersion = next

	if err := h.persist(); err != nil {
		return 0, err
	}
	return next, nil
}

// HSMSigner adapts an HSM's versioned Sign/PublicKey pair to the plain
// Signer interface envelopes are built against, always signing under
// (and reporting the public key for) the HSM's current active version.
type HSMSigner struct {
	hsm HSM
}

// NewHSMSigner wraps hsm as a Signer.
func NewHSMSigner(hsm HSM) *HSMSigner {
	return &HSMSigner{hsm: hsm}
}

func (s *HSMSigner) Sign(message []byte) ([]byte, error) {
	sig, _, err := s.hsm.Sign(message)
	return sig, err
}

func (s *HSMSigner) PublicKey() ed25519.PublicKey {
	pub, err := s.hsm.PublicKey(0)
	if err != nil {
		return nil
	}
	return pub
}

func (h *FileHSM) persist() error {
	data, err := json.MarshalIndent(h.store, "", "  ")
	if err != nil {
		return fmt.Errorf("crypto: marshal hsm keystore: %w", err)
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("crypto: write hsm keystore: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		return fmt.Errorf("crypto: rename hsm keystore: %w", err)
	}
	return nil
}
