package policy

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters used by Hash. These mirror the defaults of the
// Python reference implementation's argon2-cffi PasswordHasher()
// (original_source/procksy/authenticator.py), rendered with
// golang.org/x/crypto/argon2.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 2
	argonKeyLen  = 32
	argonSaltLen = 16
)

// Digest verification error kinds: mismatch, verification error, and
// malformed stored digest, reported separately so callers can log each
// at the right severity.
var (
	ErrMismatch        = errors.New("policy: password does not match digest")
	ErrMalformedDigest = errors.New("policy: stored digest is malformed")
	ErrInternal        = errors.New("policy: verification failed")
)

// Hash produces a PHC-formatted Argon2id digest for secret, for use by
// the `procksy digest` CLI subcommand.
func Hash(secret []byte) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	key := argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return formatDigest(salt, key), nil
}

func formatDigest(salt, key []byte) string {
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		b64RawEncode(salt), b64RawEncode(key),
	)
}

// Verify checks secret against a PHC-formatted Argon2id digest string,
// matching the black-box contract of argon2.PasswordHasher.verify in
// original_source/procksy/authenticator.py. It returns a wrapped
// ErrMalformedDigest or ErrMismatch on failure so callers can tell the
// kinds apart; ErrInternal is only returned by Hash.
func Verify(digest string, secret []byte) (bool, error) {
	params, salt, key, err := parseDigest(digest)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey(secret, salt, params.time, params.memory, params.threads, uint32(len(key)))
	if subtle.ConstantTimeCompare(candidate, key) == 1 {
		return true, nil
	}
	return false, ErrMismatch
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

func parseDigest(digest string) (argonParams, []byte, []byte, error) {
	parts := strings.Split(digest, "$")
	// "", "argon2id", "v=19", "m=...,t=...,p=...", "<salt>", "<hash>"
	if len(parts) != 6 || parts[1] != "argon2id" {
		return argonParams{}, nil, nil, fmt.Errorf("%w: unexpected format", ErrMalformedDigest)
	}
	var params argonParams
	for _, kv := range strings.Split(parts[3], ",") {
		keyVal := strings.SplitN(kv, "=", 2)
		if len(keyVal) != 2 {
			return argonParams{}, nil, nil, fmt.Errorf("%w: bad parameter %q", ErrMalformedDigest, kv)
		}
		n, err := strconv.Atoi(keyVal[1])
		if err != nil {
			return argonParams{}, nil, nil, fmt.Errorf("%w: bad parameter value %q", ErrMalformedDigest, kv)
		}
		switch keyVal[0] {
		case "m":
			params.memory = uint32(n)
		case "t":
			params.time = uint32(n)
		case "p":
			params.threads = uint8(n)
		}
	}
	if params.memory == 0 || params.time == 0 || params.threads == 0 {
		return argonParams{}, nil, nil, fmt.Errorf("%w: missing parameters", ErrMalformedDigest)
	}
	salt, err := b64RawDecode(parts[4])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: bad salt: %v", ErrMalformedDigest, err)
	}
	key, err := b64RawDecode(parts[5])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: bad hash: %v", ErrMalformedDigest, err)
	}
	return params, salt, key, nil
}
