package policy

import (
	"errors"
	"log"
)

// Authenticator holds the username/password subnegotiation configuration:
// an enabled flag and a mapping of raw username bytes to an opaque
// Argon2id digest string.
type Authenticator struct {
	Enabled bool
	users   map[string][]byte // username -> digest, keyed by raw bytes as a string
}

// NewAuthenticator builds an Authenticator from a username->digest map,
// mirroring original_source/procksy/authenticator.py's Authenticator.from_dict.
func NewAuthenticator(enabled bool, users map[string]string) Authenticator {
	m := make(map[string][]byte, len(users))
	for user, digest := range users {
		m[user] = []byte(digest)
	}
	return Authenticator{Enabled: enabled, users: m}
}

// IsAllowed looks up username (case-sensitive, raw bytes) and, if present,
// verifies secret against the stored digest. Mismatch, verification
// error, and malformed digest all return false, each logged with its own
// message; all of them go through the standard log package, which has no
// severity levels.
func (a Authenticator) IsAllowed(username, secret []byte) bool {
	digest, ok := a.users[string(username)]
	if !ok {
		log.Printf("[policy] unknown user %q", username)
		return false
	}
	ok, err := Verify(string(digest), secret)
	if err == nil && ok {
		log.Printf("[policy] authentication success for %q", username)
		return true
	}
	switch {
	case errors.Is(err, ErrMismatch):
		log.Printf("[policy] authentication failure for %q", username)
	case errors.Is(err, ErrMalformedDigest):
		log.Printf("[policy] invalid hash for user %q", username)
	default:
		log.Printf("[policy] verification error for user %q: %v", username, err)
	}
	return false
}
