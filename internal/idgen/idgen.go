// Package idgen generates entity IDs and gateway payment references.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string for entity primary keys.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "wd_", "ref_").
// Result is prefix + 24 hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Reference builds a gateway reference such as PAY-1739612345123-9F2C41AB.
// The millisecond timestamp keeps references sortable; the random suffix
// keeps them unique across processes.
func Reference(prefix string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), strings.ToUpper(Hex(4)))
}
