package callsign

import (
	"testing"

	"github.com/kd9lq/packetbbs/internal/testutil/testlog"
)

func TestIsValidAcceptsKnownForms(t *testing.T) {
	testlog.Start(t)
	valid := []string{
		"N0CALL",
		"N0CALL-7",
		"W1AW",
		"W1AW-5",
		"2E0XYZ",
		"KD9LQ-15",
		"n0call",
		"w1aw-0",
	}
	for _, call := range valid {
		if !IsValid(call) {
			t.Fatalf("expected valid: %q", call)
		}
	}
}

func TestIsValidRejectsMalformed(t *testing.T) {
	testlog.Start(t)
	invalid := []string{
		"",
		"12A",     // purely numeric prefix
		"120ABC",  // no letter in first two characters
		"N0CALLS", // suffix longer than four letters
		"W1AW-16", // SSID out of range
		"W1AW-1x", // trailing garbage
		"W1AW extra",
		"WW11AW",
		"N0CALL-",
		"-5",
	}
	for _, call := range invalid {
		if IsValid(call) {
			t.Fatalf("expected invalid: %q", call)
		}
	}
}

func TestNormalize(t *testing.T) {
	testlog.Start(t)
	if got := Normalize("  n0call "); got != "N0CALL" {
		t.Fatalf("unexpected normalized form: %q", got)
	}
}
