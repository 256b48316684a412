package crypto

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/infraspectre/amoskys/internal/envelope"
	"github.com/infraspectre/amoskys/internal/errs"
)

// Sign computes env's event_id, signs its canonical bytes with the key
// supplied by provider for env.SourceID, and sets EventID and Signature.
func Sign(ctx context.Context, provider KeyProvider, env *envelope.Envelope) error {
	id, err := envelope.ComputeEventID(env)
	if err != nil {
		return fmt.Errorf("crypto: compute event id: %w", err)
	}
	env.EventID = id

	key, err := provider.SigningKey(ctx, env.SourceID)
	if err != nil {
		return fmt.Errorf("crypto: load signing key for %s: %w", env.SourceID, err)
	}

	env.Signature = ed25519.Sign(key, envelope.SignBytes(env))
	return nil
}

// Verify checks that env's signature validates under the key registered for
// env.SourceID, and that its class and schema_version are ones this build
// understands. It returns an AUTH CoreError if the source is unregistered, a
// SCHEMA CoreError if the class is unrecognized or the schema_version is
// unsupported, or a VERIFY CoreError if the signature or content hash does
// not match.
func Verify(registry *Registry, env *envelope.Envelope) error {
	if !envelope.ValidClass(env.Class) {
		return errs.Schema("unrecognized class: " + string(env.Class))
	}
	if env.SchemaVersion != envelope.CurrentSchemaVersion {
		return errs.Schema(fmt.Sprintf("unsupported schema_version: %d", env.SchemaVersion))
	}

	pub, ok := registry.Lookup(env.SourceID)
	if !ok {
		return errs.New(errs.KindAuth, "unknown source_id: "+env.SourceID)
	}

	if !ed25519.Verify(pub, envelope.SignBytes(env), env.Signature) {
		return errs.New(errs.KindVerify, "signature verification failed for "+env.SourceID)
	}

	wantID, err := envelope.ComputeEventID(env)
	if err != nil {
		return errs.Wrap(errs.KindVerify, "compute event id", err)
	}
	if wantID != env.EventID {
		return errs.New(errs.KindVerify, "event_id does not match canonicalized content")
	}

	return nil
}
