// Package uid generates identifiers for multipart sessions and archive object
// names.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New generates a 32-character hex string using crypto/rand.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback: timestamp-based ID. Should never happen with crypto/rand.
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// ArchiveKey builds the object name of a new archive under prefix. Names are
// dated so a listing groups archives by upload day.
func ArchiveKey(prefix, id string) string {
	return fmt.Sprintf("%s%s/%s", prefix, time.Now().UTC().Format("2006/01/02"), id)
}
