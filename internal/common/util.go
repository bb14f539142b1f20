package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// MakeRandHexString returns a hex string built from size random bytes,
// so the result is size*2 characters long. Used for opaque, URL-safe
// identifiers such as pairing session ids.
func MakeRandHexString(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("rand read error: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MakeRandNumericCode returns a uniformly random numeric code of the given
// number of digits, zero-padded ("042118" is a valid 6-digit code).
func MakeRandNumericCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("rand int error: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
