// Package token issues opaque secrets used for the handshake between the
// supervisor and the services it launches.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Size is the number of random bytes in a token before encoding.
const Size = 32

// Issuer produces hex-encoded random tokens.
type Issuer struct {
	// rand is swapped in tests.
	rand io.Reader
}

func New() *Issuer { return &Issuer{rand: rand.Reader} }

// Issue returns a new token of 2*Size hex characters.
func (i *Issuer) Issue() (string, error) {
	r := i.rand
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, Size)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
