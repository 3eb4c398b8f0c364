package autocrypt_test

import (
	"strings"
	"testing"

	"inkmail.dev/chatcore/core/autocrypt"
)

func TestSetupCodeRoundTrip(t *testing.T) {
	cases := []string{
		"000000000000000000000000000000000000"[:36],
		"123456789012345678901234567890123456",
		"999999999999999999999999999999999999",
	}
	for _, digits := range cases {
		formatted := autocrypt.FormatSetupCode(digits)
		if got := autocrypt.NormalizeSetupCode(formatted); got != digits {
			t.Errorf("NormalizeSetupCode(FormatSetupCode(%q)) = %q, want %q", digits, got, digits)
		}
	}
}

func TestFormatSetupCodeShape(t *testing.T) {
	digits := "123456789012345678901234567890123456"
	formatted := autocrypt.FormatSetupCode(digits)
	if len(formatted) != 44 {
		t.Fatalf("formatted setup code length = %d, want 44", len(formatted))
	}
	if strings.Count(formatted, "-") != 8 {
		t.Fatalf("formatted setup code has %d dashes, want 8 (9 groups of 4)", strings.Count(formatted, "-"))
	}
}

func TestGenerateSetupCode(t *testing.T) {
	code, err := autocrypt.GenerateSetupCode()
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 36 {
		t.Fatalf("generated setup code length = %d, want 36", len(code))
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("generated setup code has non-digit %q", r)
		}
	}
}

func TestSetupCodeBeginHint(t *testing.T) {
	if got := autocrypt.SetupCodeBeginHint("12-34-56"); got != "12" {
		t.Fatalf("SetupCodeBeginHint = %q, want %q", got, "12")
	}
}
