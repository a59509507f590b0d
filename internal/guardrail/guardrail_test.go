package guardrail

import (
	"errors"
	"strings"
	"testing"

	"github.com/jkaninda/sanduku/internal/config"
)

func enabledConfig(strict bool) config.GuardrailConfig {
	return config.GuardrailConfig{
		Enabled:         true,
		StrictMode:      strict,
		BlockedPatterns: []string{"SECRET_KEY"},
	}
}

func TestValidateCodeSecurityChecks(t *testing.T) {
	v := New(enabledConfig(true), nil)

	result := v.ValidateCode("x = eval('1+1')")
	if result.Valid {
		t.Fatal("eval should be rejected")
	}
	if !errors.Is(result.Err(), ErrBlocked) {
		t.Errorf("Err() = %v, want ErrBlocked", result.Err())
	}

	result = v.ValidateCode("print('hello')")
	if !result.Valid {
		t.Fatalf("plain print rejected: %v", result.Errors)
	}
	if result.Err() != nil {
		t.Errorf("Err() = %v, want nil", result.Err())
	}
}

func TestValidateCodeBlockedPattern(t *testing.T) {
	v := New(enabledConfig(false), nil)
	result := v.ValidateCode("token = SECRET_KEY")
	if result.Valid {
		t.Fatal("blocked pattern should be rejected")
	}
	if !strings.Contains(result.Errors[0], "SECRET_KEY") {
		t.Errorf("error = %q", result.Errors[0])
	}
}

func TestValidateOutputPIIStrictVsLenient(t *testing.T) {
	output := "contact: alice@example.com"

	strict := New(enabledConfig(true), nil)
	result := strict.ValidateOutput(output)
	if result.Valid {
		t.Fatal("strict mode should block PII in output")
	}

	lenient := New(enabledConfig(false), nil)
	result = lenient.ValidateOutput(output)
	if !result.Valid {
		t.Fatalf("lenient mode should warn, not block: %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a PII warning")
	}
}

func TestValidatorDisabled(t *testing.T) {
	v := New(config.GuardrailConfig{Enabled: false}, nil)
	if r := v.ValidateCode("eval('1')"); !r.Valid {
		t.Error("disabled validator should accept everything")
	}
	if r := v.ValidateOutput("SSN 123-45-6789"); !r.Valid {
		t.Error("disabled validator should accept everything")
	}
}

func TestPIIDetect(t *testing.T) {
	d := NewPIIDetector()
	matches := d.Detect("mail bob@corp.io, ssn 123-45-6789, card 4111 1111 1111 1111, call 555-867-5309")
	kinds := make(map[string]int)
	for _, m := range matches {
		kinds[m.Type]++
	}
	for _, want := range []string{"email", "ssn", "credit_card", "phone"} {
		if kinds[want] != 1 {
			t.Errorf("%s matches = %d, want 1 (all: %v)", want, kinds[want], matches)
		}
	}
}

func TestPIISSNNotDoubleCountedAsPhone(t *testing.T) {
	d := NewPIIDetector()
	matches := d.Detect("ssn is 123-45-6789")
	if len(matches) != 1 || matches[0].Type != "ssn" {
		t.Errorf("matches = %v, want exactly one ssn", matches)
	}
}

func TestPIITokenizeRoundTrip(t *testing.T) {
	d := NewPIIDetector()
	original := "email alice@example.com and card 4111-1111-1111-1111"

	tokenized := d.Tokenize(original)
	if strings.Contains(tokenized, "alice@example.com") {
		t.Fatalf("email still present: %q", tokenized)
	}
	if strings.Contains(tokenized, "4111-1111-1111-1111") {
		t.Fatalf("card still present: %q", tokenized)
	}

	restored := d.Untokenize(tokenized)
	if restored != original {
		t.Errorf("round trip = %q, want %q", restored, original)
	}
}
