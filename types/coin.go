package types

import (
	"encoding/json"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
)

// A Coin is a customer-presented payment token: a denomination public key,
// the coin's own public key, the exchange's blind signature over the coin,
// and the coin's signature over the deposit permission. The contribution is
// the amount this coin pays toward the contract, deposit fee included.
type Coin struct {
	DenomPub     string           `json:"denom_pub"`
	Contribution Amount           `json:"contribution"`
	ExchangeURL  string           `json:"exchange_url"`
	CoinPub      crypto.PublicKey `json:"coin_pub"`
	UBSig        string           `json:"ub_sig"`
	CoinSig      crypto.Signature `json:"coin_sig"`
}

// A DenominationKey is one entry of an exchange's /keys response.
type DenominationKey struct {
	DenomPubHash  crypto.Hash `json:"denom_pub_hash"`
	Value         Amount      `json:"value"`
	FeeDeposit    Amount      `json:"fee_deposit"`
	FeeRefund     Amount      `json:"fee_refund"`
	ExpireDeposit Timestamp   `json:"expire_deposit"`
}

// An ExchangeAuditor is an auditor entry of an exchange's /keys response:
// who vouches, and for which denomination keys.
type ExchangeAuditor struct {
	AuditorPub crypto.PublicKey `json:"auditor_pub"`
	AuditorURL string           `json:"auditor_url"`
	DenomPubHashes []crypto.Hash `json:"denomination_keys"`
}

// ExchangeKeys is the parsed body of an exchange's /keys response.
type ExchangeKeys struct {
	MasterPub    crypto.PublicKey  `json:"master_public_key"`
	SignKeys     []crypto.PublicKey `json:"signkeys"`
	Denoms       []DenominationKey `json:"denoms"`
	Auditors     []ExchangeAuditor `json:"auditors"`
	ListIssue    Timestamp         `json:"list_issue_date"`
}

// FindDenom resolves the denomination entry for a coin's denomination
// public key, or nil if the exchange does not list it.
func (k *ExchangeKeys) FindDenom(denomPub string) *DenominationKey {
	h := crypto.HashBytes([]byte(denomPub))
	for i := range k.Denoms {
		if k.Denoms[i].DenomPubHash == h {
			return &k.Denoms[i]
		}
	}
	return nil
}

// A WireFee is one validity window of an exchange's fee schedule for a wire
// method, signed by the exchange's master key.
type WireFee struct {
	WireFee    Amount           `json:"wire_fee"`
	ClosingFee Amount           `json:"closing_fee"`
	StartDate  Timestamp        `json:"start_date"`
	EndDate    Timestamp        `json:"end_date"`
	MasterSig  crypto.Signature `json:"sig"`
}

// A PaidCoinRecord is the persisted outcome of one accepted deposit. The
// proof is the exchange's signed deposit confirmation.
type PaidCoinRecord struct {
	HContractTerms  crypto.Hash      `json:"h_contract_terms"`
	CoinPub         crypto.PublicKey `json:"coin_pub"`
	ExchangeURL     string           `json:"exchange_url"`
	AmountWithFee   Amount           `json:"amount_with_fee"`
	DepositFee      Amount           `json:"deposit_fee"`
	RefundFee       Amount           `json:"refund_fee"`
	WireFee         Amount           `json:"wire_fee"`
	ExchangeSignKey crypto.PublicKey `json:"exchange_sign_key"`
	Proof           json.RawMessage  `json:"proof"`
}

// A Refund authorizes the exchange to pay back part of a deposited coin.
type Refund struct {
	HContractTerms crypto.Hash      `json:"h_contract_terms"`
	CoinPub        crypto.PublicKey `json:"coin_pub"`
	RTransactionID uint64           `json:"rtransaction_id"`
	RefundAmount   Amount           `json:"refund_amount"`
	RefundFee      Amount           `json:"refund_fee"`
	Reason         string           `json:"reason"`
}

// A RefundPermission is a refund plus the merchant signature the wallet
// needs to claim it at the exchange.
type RefundPermission struct {
	HContractTerms crypto.Hash      `json:"h_contract_terms"`
	CoinPub        crypto.PublicKey `json:"coin_pub"`
	RTransactionID uint64           `json:"rtransaction_id"`
	RefundAmount   Amount           `json:"refund_amount"`
	RefundFee      Amount           `json:"refund_fee"`
	MerchantPub    crypto.PublicKey `json:"merchant_pub"`
	MerchantSig    crypto.Signature `json:"merchant_sig"`
}

// A TrackedDeposit is one item of an exchange's /transfer listing: what the
// exchange claims it wired for one coin of one contract.
type TrackedDeposit struct {
	HContractTerms crypto.Hash      `json:"h_contract_terms"`
	CoinPub        crypto.PublicKey `json:"coin_pub"`
	DepositValue   Amount           `json:"deposit_value"`
	DepositFee     Amount           `json:"deposit_fee"`
}

// A TransferResponse is an exchange's signed, itemized accounting of one
// wire transfer.
type TransferResponse struct {
	Total         Amount           `json:"total"`
	WireFee       Amount           `json:"wire_fee"`
	MerchantPub   crypto.PublicKey `json:"merchant_pub"`
	HWire         crypto.Hash      `json:"H_wire"`
	ExecutionTime Timestamp        `json:"execution_time"`
	Deposits      []TrackedDeposit `json:"deposits"`
	ExchangeSig   crypto.Signature `json:"exchange_sig"`
	ExchangePub   crypto.PublicKey `json:"exchange_pub"`
}
