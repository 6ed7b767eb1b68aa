package types

// contract.go defines contract terms and the canonical JSON form they are
// hashed in. Canonicalization orders object keys lexicographically and
// strips insignificant whitespace; the wallet runs the same algorithm to
// reproduce the hash the merchant signed.

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
)

// ContractTerms carries the fields of a contract the payment core reads.
// The full contract is an arbitrary JSON object; it is stored and hashed as
// raw bytes so that fields the core does not know about survive untouched.
type ContractTerms struct {
	OrderID             string          `json:"order_id"`
	Amount              Amount          `json:"amount"`
	MaxFee              Amount          `json:"max_fee"`
	MaxWireFee          Amount          `json:"max_wire_fee"`
	WireFeeAmortization uint64          `json:"wire_fee_amortization"`
	Timestamp           Timestamp       `json:"timestamp"`
	PayDeadline         Timestamp       `json:"pay_deadline"`
	RefundDeadline      Timestamp       `json:"refund_deadline"`
	WireTransferDeadline Timestamp      `json:"wire_transfer_deadline"`
	HWire               crypto.Hash     `json:"H_wire"`
	MerchantPub         crypto.PublicKey `json:"merchant_pub"`
	FulfillmentURL      string          `json:"fulfillment_url,omitempty"`
	Products            json.RawMessage `json:"products"`
}

// ErrNotObject is returned when canonicalizing JSON that is not an object.
var ErrNotObject = errors.New("contract terms must be a JSON object")

// CanonicalJSON re-encodes raw JSON into its canonical form: lexicographic
// key order, no insignificant whitespace. Numbers pass through verbatim.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, ok := v.(map[string]interface{}); !ok {
		return nil, ErrNotObject
	}
	// encoding/json emits object keys in sorted order and no whitespace,
	// which is exactly the canonical form.
	return json.Marshal(v)
}

// HashContractTerms hashes the canonical form of the contract.
func HashContractTerms(raw json.RawMessage) (crypto.Hash, error) {
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return crypto.Hash{}, err
	}
	return crypto.HashBytes(canonical), nil
}

// ParseContractTerms decodes the fields the core needs out of a raw
// contract.
func ParseContractTerms(raw json.RawMessage) (*ContractTerms, error) {
	var ct ContractTerms
	if err := json.Unmarshal(raw, &ct); err != nil {
		return nil, err
	}
	return &ct, nil
}
