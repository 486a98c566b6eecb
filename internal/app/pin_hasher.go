package app

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	pinHashAlgorithm = "argon2id"
	pinSaltLength    = 16
	pinKeyLength     = 32
	minArgonMemoryKB = 8 * 1024
)

var errMalformedPinHash = errors.New("malformed pin hash")

// PinHasher turns raw PINs into self-describing salted hashes and checks them.
type PinHasher interface {
	Hash(rawPin string) (string, error)
	Verify(rawPin string, encoded string) (bool, error)
}

// Argon2Params tunes the argon2id cost. Memory is in KiB.
type Argon2Params struct {
	Memory  uint32
	Time    uint32
	Threads uint8
}

// DefaultArgon2Params follows the RFC 9106 second recommended option.
var DefaultArgon2Params = Argon2Params{Memory: 64 * 1024, Time: 3, Threads: 2}

// Argon2PinHasher stores hashes in PHC form: $argon2id$v=19$m=..,t=..,p=..$salt$hash.
type Argon2PinHasher struct {
	params Argon2Params
}

func NewArgon2PinHasher(params Argon2Params) *Argon2PinHasher {
	if params.Memory < minArgonMemoryKB {
		params.Memory = minArgonMemoryKB
	}
	if params.Time < 1 {
		params.Time = 1
	}
	if params.Threads < 1 {
		params.Threads = 1
	}
	return &Argon2PinHasher{params: params}
}

func (h *Argon2PinHasher) Hash(rawPin string) (string, error) {
	salt := make([]byte, pinSaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate pin salt: %w", err)
	}

	key := argon2.IDKey([]byte(rawPin), salt, h.params.Time, h.params.Memory, h.params.Threads, pinKeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		pinHashAlgorithm,
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the hash with the parameters stored alongside it, so credentials
// created under older cost settings keep working.
func (h *Argon2PinHasher) Verify(rawPin string, encoded string) (bool, error) {
	params, salt, expected, err := decodePinHash(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(rawPin), salt, params.Time, params.Memory, params.Threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func decodePinHash(encoded string) (Argon2Params, []byte, []byte, error) {
	var params Argon2Params

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != pinHashAlgorithm {
		return params, nil, nil, errMalformedPinHash
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return params, nil, nil, fmt.Errorf("%w: unsupported version %q", errMalformedPinHash, parts[2])
	}

	for _, pair := range strings.Split(parts[3], ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return params, nil, nil, errMalformedPinHash
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil || n == 0 {
			return params, nil, nil, errMalformedPinHash
		}
		switch key {
		case "m":
			params.Memory = uint32(n)
		case "t":
			params.Time = uint32(n)
		case "p":
			if n > 255 {
				return params, nil, nil, errMalformedPinHash
			}
			params.Threads = uint8(n)
		default:
			return params, nil, nil, errMalformedPinHash
		}
	}
	if params.Memory == 0 || params.Time == 0 || params.Threads == 0 {
		return params, nil, nil, errMalformedPinHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < pinSaltLength {
		return params, nil, nil, errMalformedPinHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return params, nil, nil, errMalformedPinHash
	}
	return params, salt, key, nil
}
