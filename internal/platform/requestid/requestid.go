// Package requestid mints the opaque identifiers the HTTP layer stamps
// on every request for log correlation.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32-character hex identifier backed by crypto/rand.
func New() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
