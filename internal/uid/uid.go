// Package uid generates the identifiers BleepStore hands out: multipart
// upload IDs, per-request IDs, and temp-file suffixes.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UploadID returns a new multipart upload ID. Upload IDs are UUIDs, which
// keeps them safely embeddable in both URLs and filesystem paths.
func UploadID() string {
	return uuid.NewString()
}

// RequestID returns an ID for the x-amz-request-id response header.
// S3 uses uppercase base36; uppercase hex is close enough and cheaper.
func RequestID() string {
	return strings.ToUpper(randomHex(8))
}

// TempSuffix returns a short random string for temp file names, so
// concurrent writers to the same key never collide on the temp path.
func TempSuffix() string {
	return randomHex(8)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// Should never happen with crypto/rand; degrade to a timestamp.
		return fmt.Sprintf("%0*x", n*2, time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
