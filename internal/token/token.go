// Package token manipulates the service's sequence tokens: fixed-width
// decimal strings (typically 17 digits, 1/10,000,000s units) that order
// messages and drive history pagination. Arithmetic is done on the string
// itself because 17-digit values overflow a float64 mantissa.
package token

import (
	"errors"
	"strconv"
	"strings"
)

var ErrInvalidToken = errors.New("invalid sequence token")

// highWidth is the fixed prefix Increment leaves untouched; only the
// digits past it participate in the add.
const highWidth = 16

// Decrement subtracts one from the token as a whole big decimal,
// propagating the borrow across as many trailing zeros as needed.
func Decrement(tok string) (string, error) {
	if !isDigits(tok) {
		return "", ErrInvalidToken
	}

	digits := []byte(tok)
	i := len(digits) - 1
	for i >= 0 && digits[i] == '0' {
		digits[i] = '9'
		i--
	}
	if i < 0 {
		// all zeros: nothing older than token zero exists
		return "", ErrInvalidToken
	}
	digits[i]--

	out := strings.TrimLeft(string(digits), "0")
	if out == "" {
		out = "0"
	}
	return out, nil
}

// Increment adds one to the low digit group only: the first 16 characters
// are treated as a fixed high part and the remainder is bumped, rolling a
// lone trailing 9 into the high part. This is deliberately not the
// inverse of Decrement; the range semantics of the service depend on the
// suffix behavior, so it is preserved as-is.
func Increment(tok string) (string, error) {
	if !isDigits(tok) {
		return "", ErrInvalidToken
	}

	if len(tok) <= highWidth {
		return carryIncrement(tok), nil
	}

	high, low := tok[:highWidth], tok[highWidth:]
	if low == "9" {
		return carryIncrement(high) + "0", nil
	}
	n, err := strconv.ParseUint(low, 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	return high + strconv.FormatUint(n+1, 10), nil
}

// carryIncrement adds one to a digit string with full carry propagation.
func carryIncrement(s string) string {
	digits := []byte(s)
	for i := len(digits) - 1; i >= 0; i-- {
		if digits[i] != '9' {
			digits[i]++
			return string(digits)
		}
		digits[i] = '0'
	}
	return "1" + string(digits)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
