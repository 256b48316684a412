// Package crypto holds agent signing-key custody and the verifying-key
// registry used to authenticate published envelopes.
package crypto

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// KeyProvider supplies an agent's Ed25519 signing key. Two implementations
// are provided: a local-file default and an optional Azure Key Vault–backed
// one for operators who centralize key custody away from agent hosts.
type KeyProvider interface {
	// SigningKey returns the Ed25519 private key for the named agent
	// identity (its source_id).
	SigningKey(ctx context.Context, sourceID string) (ed25519.PrivateKey, error)
}

// FileKeyProvider reads a base64-encoded Ed25519 seed from a local file
// path, one file per agent identity, named "<path>/<sourceID>.key".
type FileKeyProvider struct {
	Dir string
}

// NewFileKeyProvider returns a FileKeyProvider rooted at dir.
func NewFileKeyProvider(dir string) *FileKeyProvider {
	return &FileKeyProvider{Dir: dir}
}

func (p *FileKeyProvider) SigningKey(_ context.Context, sourceID string) (ed25519.PrivateKey, error) {
	path := fmt.Sprintf("%s/%s.key", p.Dir, sourceID)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read signing key file %s: %w", path, err)
	}
	return decodeSeed(raw)
}

// VaultKeyProvider fetches an agent's Ed25519 seed from an Azure Key Vault
// secret named after the agent's source_id, using ambient credentials
// (managed identity, environment, or Azure CLI session) via
// azidentity.NewDefaultAzureCredential.
type VaultKeyProvider struct {
	client *azsecrets.Client
}

// NewVaultKeyProvider constructs a VaultKeyProvider against the vault at
// vaultURL (e.g. "https://my-vault.vault.azure.net/").
func NewVaultKeyProvider(vaultURL string) (*VaultKeyProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: default azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: key vault client: %w", err)
	}
	return &VaultKeyProvider{client: client}, nil
}

func (p *VaultKeyProvider) SigningKey(ctx context.Context, sourceID string) (ed25519.PrivateKey, error) {
	resp, err := p.client.GetSecret(ctx, sourceID, "", nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: get secret %q: %w", sourceID, err)
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("crypto: secret %q has no value", sourceID)
	}
	return decodeSeed([]byte(*resp.Value))
}

func decodeSeed(raw []byte) (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(string(trimNewline(raw)))
	if err != nil {
		return nil, fmt.Errorf("crypto: decode base64 seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed length %d, want %d", len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func trimNewline(b []byte) []byte {
	n := len(b)
	for n > 0 && (b[n-1] == '\n' || b[n-1] == '\r' || b[n-1] == ' ') {
		n--
	}
	return b[:n]
}
