package wire

import (
	"fmt"
	"strconv"
)

// maxDecimalDigits bounds the decimal-string counters per spec section 6.
const maxDecimalDigits = 20

// ParseCounter parses a wire decimal-string counter (seq, ack, ts) as an
// unsigned 64-bit integer. It rejects signs, exponents, leading zeros
// (other than the literal "0"), and strings longer than 20 digits, per
// the "MUST parse as unsigned 64-bit" rule in spec section 9.
func ParseCounter(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty counter")
	}
	if len(s) > maxDecimalDigits {
		return 0, fmt.Errorf("counter %q exceeds %d digits", s, maxDecimalDigits)
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, fmt.Errorf("counter %q has leading zero", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("counter %q is not plain decimal", s)
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %q: %w", s, err)
	}
	return v, nil
}

// FormatCounter renders a uint64 as a plain decimal string: no leading
// zeros, no sign, no exponent.
func FormatCounter(v uint64) string {
	return strconv.FormatUint(v, 10)
}
