package volume

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// IdentifierPrefix marks identifiers issued for the local volume driver.
const IdentifierPrefix = "l0_"

// Encode returns the opaque identifier for a path inside the volume. The
// root encodes to IdentifierPrefix alone. Identifiers are deterministic and
// never contain '/', '+' or '='.
func (v *Volume) Encode(abs string) (string, error) {
	rel, err := v.rel(abs)
	if err != nil {
		return "", opError("encode", "", err)
	}
	return IdentifierPrefix + base64.RawURLEncoding.EncodeToString([]byte(rel)), nil
}

// Decode maps an identifier back to the path it was encoded from, so
// Decode(Encode(p)) == p even when p is or passes through an in-volume
// symlink. The decoded path goes through Lookup, so a forged identifier is
// subject to the same containment checks as a plain path. Malformed identifiers are
// reported as ErrNotFound joined with ErrInvalidIdentifier.
func (v *Volume) Decode(id string) (string, error) {
	enc, ok := strings.CutPrefix(id, IdentifierPrefix)
	if !ok {
		v.reject("invalid_identifier", id)
		return "", opError("decode", "", fmt.Errorf("%w: %w", ErrNotFound, ErrInvalidIdentifier))
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		v.reject("invalid_identifier", id)
		return "", opError("decode", "", fmt.Errorf("%w: %w", ErrNotFound, ErrInvalidIdentifier))
	}
	return v.Lookup(string(raw))
}
