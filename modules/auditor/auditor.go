// Package auditor holds the merchant's auditor trust set: the parties whose
// vouching makes an otherwise-untrusted exchange denomination acceptable.
package auditor

import (
	"encoding/json"

	"gitlab.com/NebulousLabs/errors"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/config"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// sectionPrefix names the config sections read at startup.
const sectionPrefix = "merchant-auditor-"

// A TrustSet is the in-memory auditor list. Read-only after startup.
type TrustSet struct {
	auditors  []modules.Auditor
	jAuditors json.RawMessage
}

// New reads all merchant-auditor-* sections into a trust set.
func New(cfg *config.Config) (*TrustSet, error) {
	ts := &TrustSet{}
	for _, name := range cfg.SectionsWithPrefix(sectionPrefix) {
		s := cfg.Section(name)
		displayName, err := s.String("name")
		if err != nil {
			return nil, err
		}
		uri, err := s.String("uri")
		if err != nil {
			return nil, err
		}
		pubStr, err := s.String("public_key")
		if err != nil {
			return nil, err
		}
		var pub crypto.PublicKey
		if err := pub.LoadString(pubStr); err != nil {
			return nil, errors.AddContext(err, "invalid public key in ["+name+"]")
		}
		ts.auditors = append(ts.auditors, modules.Auditor{
			Name: displayName,
			URI:  uri,
			Pub:  pub,
		})
	}

	// The JSON array is rendered once and embedded verbatim in every signed
	// contract.
	j, err := json.Marshal(ts.auditors)
	if err != nil {
		return nil, err
	}
	if len(ts.auditors) == 0 {
		j = []byte("[]")
	}
	ts.jAuditors = j
	return ts, nil
}

// Auditors returns the trust set.
func (ts *TrustSet) Auditors() []modules.Auditor {
	return ts.auditors
}

// AuditorsJSON returns the trust set as a JSON array.
func (ts *TrustSet) AuditorsJSON() json.RawMessage {
	return ts.jAuditors
}

// CheckDenomination decides whether a denomination key may be deposited
// against. Expiry is checked first, then direct exchange trust, then the
// auditor lists: an auditor appearing both in the exchange's keys and in the
// trust set must vouch for this exact denomination key.
func (ts *TrustSet) CheckDenomination(keys *types.ExchangeKeys, dk *types.DenominationKey, exchangeTrusted bool, now types.Timestamp) modules.DenomStatus {
	if dk.ExpireDeposit.Expired(now) {
		return modules.DenomExpired
	}
	if exchangeTrusted {
		return modules.DenomAccept
	}
	for _, ea := range keys.Auditors {
		if !ts.trusts(ea.AuditorPub) {
			continue
		}
		for _, h := range ea.DenomPubHashes {
			if h == dk.DenomPubHash {
				return modules.DenomAccept
			}
		}
	}
	return modules.DenomUntrusted
}

// trusts reports whether the given auditor key is in the trust set.
func (ts *TrustSet) trusts(pub crypto.PublicKey) bool {
	for _, a := range ts.auditors {
		if a.Pub == pub {
			return true
		}
	}
	return false
}
