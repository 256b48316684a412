package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry is the immutable SignerRegistry of source_id -> verifying key
// material. It is loaded once at startup and never mutated at runtime;
// rotating a key requires a restart.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// registryFile is the on-disk shape of the registry YAML file: a flat map
// from source_id to a base64-encoded Ed25519 public key.
type registryFile struct {
	Signers map[string]string `yaml:"signers"`
}

// NewRegistry returns an empty Registry, useful in tests.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]ed25519.PublicKey)}
}

// LoadRegistry reads a signer registry YAML file from path.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read registry %s: %w", path, err)
	}

	var rf registryFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("crypto: parse registry %s: %w", path, err)
	}

	r := NewRegistry()
	for sourceID, encoded := range rf.Signers {
		pub, err := decodePublicKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("crypto: registry entry %q: %w", sourceID, err)
		}
		r.keys[sourceID] = pub
	}
	return r, nil
}

// Lookup returns the verifying key registered for sourceID.
func (r *Registry) Lookup(sourceID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[sourceID]
	return key, ok
}

// Register adds or replaces a verifying key, used by tests and by
// operational tooling that rebuilds the registry file before a restart.
func (r *Registry) Register(sourceID string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[sourceID] = pub
}

// Size returns the number of registered signers.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

func decodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64 public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key length %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
