package domain

import "errors"

var (
	// ErrNotFound signals a missing credential, agent, version or token.
	ErrNotFound = errors.New("agentkey: not found")
	// ErrConflict signals a uniqueness violation such as a duplicate name.
	ErrConflict = errors.New("agentkey: conflict")
	// ErrUnauthorized covers missing scope and invalid, expired or revoked tokens.
	ErrUnauthorized = errors.New("agentkey: unauthorized")
	// ErrDecryption signals an AEAD authentication failure. It is never
	// returned to callers as-is.
	ErrDecryption = errors.New("agentkey: decryption failed")
	// ErrUnavailable signals a timed out or unreachable backing service.
	ErrUnavailable = errors.New("agentkey: unavailable")
	// ErrValidation signals caller-fixable malformed input.
	ErrValidation = errors.New("agentkey: invalid input")
)

// ErrInternal is what callers see for anything not in the taxonomy.
var ErrInternal = errors.New("agentkey: internal error")

// Public maps an internal error onto the signal safe to hand to a caller.
// Only validation errors keep their message. Decryption failures collapse
// into ErrUnauthorized and anything unclassified becomes ErrInternal.
func Public(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation):
		return err
	case errors.Is(err, ErrUnavailable):
		return ErrUnavailable
	case errors.Is(err, ErrDecryption), errors.Is(err, ErrUnauthorized):
		return ErrUnauthorized
	case errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	default:
		return ErrInternal
	}
}
