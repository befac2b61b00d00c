// Package requestid mints the X-Request-Id values the api and worker
// services stamp on every request and carry across dispatch hops, so a
// validation run can be traced end to end through both services' logs.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefix distinguishes ids minted here from ones supplied by upstream
// proxies.
const Prefix = "vf-"

// New returns a fresh request id: the prefix plus 128 random bits.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return Prefix + hex.EncodeToString(b), nil
}
