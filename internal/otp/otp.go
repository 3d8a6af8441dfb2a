package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Generate produces a uniformly random numeric code of exactly the given
// number of digits. The value is drawn from [10^(digits-1), 10^digits), so
// the leading digit is never zero. A guessable code would let a captain
// start a ride without the rider present, hence crypto/rand.
func Generate(digits int) (string, error) {
	if digits < 1 || digits > 18 {
		return "", fmt.Errorf("otp digits must be in [1,18], got %d", digits)
	}
	low := int64(1)
	for i := 1; i < digits; i++ {
		low *= 10
	}
	span := low*10 - low
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return "", fmt.Errorf("otp: %w", err)
	}
	return fmt.Sprintf("%d", low+n.Int64()), nil
}
