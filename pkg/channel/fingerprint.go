// ABOUTME: Certificate fingerprint parsing and comparison for pinning
// ABOUTME: Accepts SHA-1 or SHA-256 hex, with or without colons
package channel

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"strings"
)

// Pin is a parsed certificate fingerprint
type Pin struct {
	sum []byte
}

// ParsePin parses a hex fingerprint. The digest algorithm follows from its length.
func ParsePin(s string) (Pin, error) {
	clean := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	if len(clean) != 2*sha1.Size && len(clean) != 2*sha256.Size {
		return Pin{}, ErrBadFingerprint
	}
	sum, err := hex.DecodeString(clean)
	if err != nil {
		return Pin{}, ErrBadFingerprint
	}
	return Pin{sum: sum}, nil
}

// Digest hashes raw DER bytes with the pin's algorithm
func (p Pin) Digest(der []byte) []byte {
	if len(p.sum) == sha1.Size {
		s := sha1.Sum(der)
		return s[:]
	}
	s := sha256.Sum256(der)
	return s[:]
}

// Matches reports whether cert hashes to the pinned value
func (p Pin) Matches(cert *x509.Certificate) bool {
	if cert == nil || len(p.sum) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(p.Digest(cert.Raw), p.sum) == 1
}

// IsZero reports whether the pin is unset
func (p Pin) IsZero() bool { return len(p.sum) == 0 }

func (p Pin) String() string { return hex.EncodeToString(p.sum) }

// Fingerprint returns the lowercase SHA-256 hex fingerprint of cert
func Fingerprint(cert *x509.Certificate) string {
	s := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(s[:])
}
