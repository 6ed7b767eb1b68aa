package auditor

import (
	"fmt"
	"testing"
	"time"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/config"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// newTestSet builds a trust set containing one auditor and returns its key.
func newTestSet(t *testing.T) (*TrustSet, crypto.PublicKey) {
	_, pub := crypto.GenerateKeyPair()
	cfg, err := config.Parse(fmt.Sprintf(`
[merchant-auditor-test]
name = "Test Auditor"
uri = "https://auditor.example/"
public_key = %q
`, pub.String()))
	if err != nil {
		t.Fatal(err)
	}
	ts, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return ts, pub
}

// TestNewRejectsIncompleteSections checks startup validation.
func TestNewRejectsIncompleteSections(t *testing.T) {
	cfg, err := config.Parse(`
[merchant-auditor-broken]
name = "No key"
uri = "https://auditor.example/"
`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfg); err == nil {
		t.Error("auditor section without public_key was accepted")
	}
}

// TestCheckDenomination exercises the three outcomes of the acceptance
// rules.
func TestCheckDenomination(t *testing.T) {
	ts, auditorPub := newTestSet(t)
	now := types.Now()

	dk := types.DenominationKey{
		DenomPubHash:  crypto.HashBytes([]byte("denom")),
		ExpireDeposit: now.Add(24 * time.Hour),
	}
	keys := &types.ExchangeKeys{}

	// Expired keys are rejected regardless of trust.
	expired := dk
	expired.ExpireDeposit = 1
	if got := ts.CheckDenomination(keys, &expired, true, now); got != modules.DenomExpired {
		t.Error("expired denomination not rejected:", got)
	}

	// A trusted exchange is accepted outright.
	if got := ts.CheckDenomination(keys, &dk, true, now); got != modules.DenomAccept {
		t.Error("trusted exchange not accepted:", got)
	}

	// Untrusted exchange, no vouching auditor.
	if got := ts.CheckDenomination(keys, &dk, false, now); got != modules.DenomUntrusted {
		t.Error("unvouched denomination accepted:", got)
	}

	// An auditor in the trust set vouching for a different key does not
	// help.
	keys.Auditors = []types.ExchangeAuditor{{
		AuditorPub:     auditorPub,
		DenomPubHashes: []crypto.Hash{crypto.HashBytes([]byte("other"))},
	}}
	if got := ts.CheckDenomination(keys, &dk, false, now); got != modules.DenomUntrusted {
		t.Error("vouching for a different key was accepted:", got)
	}

	// Vouching for this exact key makes it acceptable.
	keys.Auditors[0].DenomPubHashes = append(keys.Auditors[0].DenomPubHashes, dk.DenomPubHash)
	if got := ts.CheckDenomination(keys, &dk, false, now); got != modules.DenomAccept {
		t.Error("vouched denomination rejected:", got)
	}

	// An unknown auditor vouching does not help.
	_, stranger := crypto.GenerateKeyPair()
	keys.Auditors[0].AuditorPub = stranger
	if got := ts.CheckDenomination(keys, &dk, false, now); got != modules.DenomUntrusted {
		t.Error("stranger's vouching was accepted:", got)
	}
}

// TestAuditorsJSON checks the embedded JSON array.
func TestAuditorsJSON(t *testing.T) {
	ts, _ := newTestSet(t)
	j := string(ts.AuditorsJSON())
	if len(ts.Auditors()) != 1 {
		t.Fatal("expected one auditor")
	}
	if j == "" || j == "null" {
		t.Error("auditors JSON not rendered:", j)
	}

	// An empty trust set renders as an empty array, not null.
	empty, err := New(mustParse(t, "[merchant]\ncurrency='EUR'\n"))
	if err != nil {
		t.Fatal(err)
	}
	if string(empty.AuditorsJSON()) != "[]" {
		t.Error("empty trust set must render as []:", string(empty.AuditorsJSON()))
	}
}

func mustParse(t *testing.T, data string) *config.Config {
	cfg, err := config.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}
