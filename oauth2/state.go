package oauth2

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateState produces the random CSRF state carried through the
// authorization round trip.
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
