package autocrypt

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// GenerateSetupCode mints a fresh 36-digit Autocrypt Setup Message
// passphrase (§6), returned ungrouped ("999999999999999999999999999999999999").
// Callers display it formatted via FormatSetupCode.
func GenerateSetupCode() (string, error) {
	var digits strings.Builder
	for i := 0; i < 36; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("autocrypt: setup code: %v", err)
		}
		fmt.Fprintf(&digits, "%d", n.Int64())
	}
	return digits.String(), nil
}

// FormatSetupCode renders a 36-digit code as the 44-character
// "9999-9999-...-9999" (9 groups of 4) shown to the user.
func FormatSetupCode(digits string) string {
	digits = NormalizeSetupCode(digits)
	var b strings.Builder
	for i := 0; i < len(digits); i += 4 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + 4
		if end > len(digits) {
			end = len(digits)
		}
		b.WriteString(digits[i:end])
	}
	return b.String()
}

// NormalizeSetupCode strips everything but digits, so
// NormalizeSetupCode(FormatSetupCode(s)) == s for any 36-digit s:
// the §8 round-trip property.
func NormalizeSetupCode(formatted string) string {
	var b strings.Builder
	for _, r := range formatted {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SetupCodeBeginHint is the first two digits of a setup code, the
// only part disclosed in clear (as the attachment's Passphrase-Begin
// header) so a device holding the setup message can tell the user
// which code to type without revealing the rest.
func SetupCodeBeginHint(digits string) string {
	digits = NormalizeSetupCode(digits)
	if len(digits) < 2 {
		return digits
	}
	return digits[:2]
}
