// Package util provides small helpers shared across CarePipe components.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateSessionID returns a new chat session id.
func GenerateSessionID() string {
	return "s_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PickDifferent returns a random element of pool that differs from previous
// whenever the pool offers an alternative.
func PickDifferent(pool []string, previous string) string {
	switch len(pool) {
	case 0:
		return ""
	case 1:
		return pool[0]
	}
	candidates := make([]string, 0, len(pool))
	for _, p := range pool {
		if p != previous {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return pool[0]
	}
	return candidates[rand.IntN(len(candidates))]
}
