package types

import (
	"encoding/json"
	"testing"
)

// TestParseAmount probes the amount string codec.
func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		out  string
	}{
		{"EUR:5", true, "EUR:5"},
		{"EUR:5.00", true, "EUR:5"},
		{"EUR:0.065", true, "EUR:0.065"},
		{"KUDOS:0.00000001", true, "KUDOS:0.00000001"},
		{"EUR:10.5", true, "EUR:10.5"},
		{"EUR:", false, ""},
		{":5", false, ""},
		{"EUR:5.", false, ""},
		{"EUR:5.123456789", false, ""},
		{"EUR:-5", false, ""},
		{"nocurrency", false, ""},
	}
	for _, tt := range tests {
		a, err := ParseAmount(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("ParseAmount(%q): unexpected error state %v", tt.in, err)
			continue
		}
		if tt.ok && a.String() != tt.out {
			t.Errorf("ParseAmount(%q) = %q, want %q", tt.in, a.String(), tt.out)
		}
	}
}

// TestAmountArithmetic checks add, sub and division semantics.
func TestAmountArithmetic(t *testing.T) {
	a, _ := ParseAmount("EUR:3.00")
	b, _ := ParseAmount("EUR:2.00")

	sum, err := a.Add(b)
	if err != nil {
		t.Fatal(err)
	}
	if sum.String() != "EUR:5" {
		t.Error("3+2 != 5:", sum)
	}

	diff, err := sum.Sub(b)
	if err != nil {
		t.Fatal(err)
	}
	if !diff.Equals(a) {
		t.Error("5-2 != 3:", diff)
	}

	if _, err := b.Sub(a); err != ErrNegativeAmount {
		t.Error("expected ErrNegativeAmount, got", err)
	}

	z, err := b.SubOrZero(a)
	if err != nil || !z.IsZero() {
		t.Error("SubOrZero should clamp to zero:", z, err)
	}

	// The amortization division from the multi-exchange scenario:
	// (0.10 + 0.08 - 0.05) / 2 = 0.065 exactly.
	excess, _ := ParseAmount("EUR:0.13")
	share, err := excess.Div64(2)
	if err != nil {
		t.Fatal(err)
	}
	if share.String() != "EUR:0.065" {
		t.Error("0.13/2 != 0.065:", share)
	}

	// Division truncates toward zero.
	odd, _ := ParseAmount("EUR:0.00000003")
	half, _ := odd.Div64(2)
	if half.String() != "EUR:0.00000001" {
		t.Error("truncating division broken:", half)
	}

	if _, err := odd.Div64(0); err != ErrDivisorZero {
		t.Error("expected ErrDivisorZero, got", err)
	}
}

// TestAmountCurrencyMismatch checks that cross-currency arithmetic fails.
func TestAmountCurrencyMismatch(t *testing.T) {
	a, _ := ParseAmount("EUR:1")
	b, _ := ParseAmount("USD:1")
	if _, err := a.Add(b); err != ErrCurrencyMismatch {
		t.Error("expected ErrCurrencyMismatch, got", err)
	}
	if _, err := a.Cmp(b); err != ErrCurrencyMismatch {
		t.Error("expected ErrCurrencyMismatch, got", err)
	}
}

// TestAmountZeroIdentity checks that the zero Amount is the identity for
// accumulation in any currency.
func TestAmountZeroIdentity(t *testing.T) {
	var acc Amount
	x, _ := ParseAmount("EUR:1.50")
	acc, err := acc.Add(x)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Currency() != "EUR" || acc.String() != "EUR:1.5" {
		t.Error("zero amount did not adopt currency:", acc)
	}
}

// TestAmountJSON checks the JSON round trip.
func TestAmountJSON(t *testing.T) {
	a, _ := ParseAmount("KUDOS:10.02")
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"KUDOS:10.02"` {
		t.Error("unexpected encoding:", string(b))
	}
	var back Amount
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Equals(a) {
		t.Error("amount changed after json round trip")
	}
}
