// Package modules declares the interfaces between the merchant backend's
// subsystems: the instance registry, the auditor trust set, the exchange
// pool, and the database surface. Implementations live in subpackages; the
// api package and the payment core program against these interfaces only.
package modules

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

var (
	// ErrUnknownInstance is returned when no instance matches a lookup.
	ErrUnknownInstance = errors.New("merchant instance unknown")

	// ErrExchangeNotAcceptable is returned by FindExchange for URLs the
	// merchant does not trust. The merchant never downloads /keys from an
	// arbitrary wallet-provided URL to decide trust.
	ErrExchangeNotAcceptable = errors.New("exchange not acceptable")

	// ErrExchangeNotReachable is returned when a trusted exchange cannot be
	// contacted before the deadline.
	ErrExchangeNotReachable = errors.New("exchange not reachable")

	// ErrNoWireFee is returned when an exchange publishes no fee for the
	// requested wire method.
	ErrNoWireFee = errors.New("exchange publishes no fee for this wire method")

	// ErrTransferPending is returned by DepositWtid while the exchange has
	// accepted the deposit but not yet executed the wire transfer.
	ErrTransferPending = errors.New("wire transfer not yet executed")
)

type (
	// A WireMethod is one way of wiring money to an instance. The hash
	// commits to the exact wire-response JSON persisted on disk.
	WireMethod struct {
		Method  string
		Details json.RawMessage
		Hash    crypto.Hash
		Active  bool
	}

	// An Instance is one merchant identity: signing key, display name, and
	// its wire methods with active ones first.
	Instance struct {
		ID          string
		Name        string
		Key         crypto.SecretKey
		Pub         crypto.PublicKey
		WireMethods []*WireMethod
	}

	// An Auditor is a party the merchant trusts to vouch for exchange
	// denomination keys.
	Auditor struct {
		Name string           `json:"name"`
		URI  string           `json:"uri"`
		Pub  crypto.PublicKey `json:"auditor_pub"`
	}
)

// ActiveWireMethod returns the preferred active wire method, or nil if the
// instance has none.
func (i *Instance) ActiveWireMethod() *WireMethod {
	for _, wm := range i.WireMethods {
		if wm.Active {
			return wm
		}
	}
	return nil
}

// WireMethodByName returns the instance's active wire method with the given
// name, or nil.
func (i *Instance) WireMethodByName(method string) *WireMethod {
	for _, wm := range i.WireMethods {
		if wm.Active && wm.Method == method {
			return wm
		}
	}
	return nil
}

// A Registry answers merchant-instance lookups. Read-only after startup.
type Registry interface {
	// LookupByID resolves an instance id, case-insensitively. The empty
	// string resolves to "default". Returns ErrUnknownInstance when absent.
	LookupByID(id string) (*Instance, error)

	// LookupByPubkey resolves an instance by its public key.
	LookupByPubkey(pub crypto.PublicKey) (*Instance, error)

	// Instances returns all instances in a stable order.
	Instances() []*Instance
}

// DenomStatus is the outcome of checking a denomination key against the
// trust set.
type DenomStatus int

const (
	// DenomAccept means the denomination may be deposited against.
	DenomAccept DenomStatus = iota
	// DenomExpired means the denomination's deposit period has passed.
	DenomExpired
	// DenomUntrusted means no accepted auditor vouches for the key.
	DenomUntrusted
)

// A TrustSet decides which exchange denomination keys the merchant accepts.
// Read-only after startup.
type TrustSet interface {
	// CheckDenomination applies the acceptance rules: expired keys are
	// rejected first, trusted exchanges accepted outright, and otherwise an
	// accepted auditor must vouch for this exact denomination key.
	CheckDenomination(keys *types.ExchangeKeys, dk *types.DenominationKey, exchangeTrusted bool, now types.Timestamp) DenomStatus

	// AuditorsJSON returns the trust set as the JSON array embedded
	// verbatim in signed contracts.
	AuditorsJSON() json.RawMessage
}

type (
	// A DepositRequest instructs an exchange to credit a coin's
	// contribution to the merchant for a given contract.
	DepositRequest struct {
		Coin                 types.Coin
		HContractTerms       crypto.Hash
		MerchantPub          crypto.PublicKey
		HWire                crypto.Hash
		Timestamp            types.Timestamp
		RefundDeadline       types.Timestamp
		WireTransferDeadline types.Timestamp
	}

	// A DepositConfirmation is the exchange's signed acknowledgment of a
	// deposit. Body preserves the raw reply as proof material.
	DepositConfirmation struct {
		ExchangeSig crypto.Signature
		ExchangePub crypto.PublicKey
		Body        json.RawMessage
	}

	// An ExchangeReply captures a non-200 exchange response so it can be
	// forwarded to the wallet for diagnosability.
	ExchangeReply struct {
		StatusCode int
		Code       string
		Body       json.RawMessage
	}
)

// Error implements the error interface.
func (e *ExchangeReply) Error() string {
	return "exchange replied with status " + e.Code
}

// An ExchangeHandle is a live connection to one exchange.
type ExchangeHandle interface {
	// BaseURL returns the exchange's base URL.
	BaseURL() string

	// MasterPub returns the exchange's offline master key.
	MasterPub() crypto.PublicKey

	// Keys returns the most recent /keys structure.
	Keys() *types.ExchangeKeys

	// Deposit performs one deposit operation. A non-200 exchange reply is
	// returned as *ExchangeReply.
	Deposit(ctx context.Context, req *DepositRequest) (*DepositConfirmation, error)

	// TrackTransfer asks the exchange for the itemized contents of a wire
	// transfer, returning both the parsed response and the raw body.
	TrackTransfer(ctx context.Context, wtid crypto.Hash) (*types.TransferResponse, json.RawMessage, error)

	// DepositWtid asks the exchange which wire transfer paid (or will pay)
	// a given deposit.
	DepositWtid(ctx context.Context, h crypto.Hash, coinPub crypto.PublicKey) (crypto.Hash, types.Timestamp, error)
}

// An ExchangePool maintains connections to the trusted exchanges. It is
// internally synchronized and exposes only cancel-safe operations.
type ExchangePool interface {
	// FindExchange resolves a live handle for the given base URL. When
	// wireMethod is non-empty, the current wire fee for that method is
	// returned as well. The operation honors ctx cancellation and never
	// touches its results after returning an error. The boolean reports
	// whether the exchange is directly trusted (as opposed to reachable
	// only through auditor vouching).
	FindExchange(ctx context.Context, url, wireMethod string) (ExchangeHandle, *types.Amount, bool, error)

	// TrustedExchangesJSON returns the (URL, master key) list embedded in
	// signed contracts.
	TrustedExchangesJSON() json.RawMessage

	// Close stops background refreshes and releases all connections.
	Close() error
}

// A Store is the merchant's typed database surface. Every method returns
// one of: nil (success), ErrAbsent (not found), a soft error (transient
// serialization conflict, detectable via IsSoft; re-run the enclosing
// transaction), or a hard error.
type Store interface {
	// InsertProposalData persists completed contract terms, keyed by the
	// hash of the merchant-supplied order id and the instance key.
	InsertProposalData(orderID string, merchantPub crypto.PublicKey, contract json.RawMessage) error

	// FindContractTerms loads contract terms by order id. The second return
	// is the last session id the order was paid under, if any.
	FindContractTerms(orderID string, merchantPub crypto.PublicKey) (json.RawMessage, string, error)

	// FindPaidContractTerms loads contract terms by contract hash, but only
	// if the order has been marked paid.
	FindPaidContractTerms(h crypto.Hash, merchantPub crypto.PublicKey) (json.RawMessage, error)

	// MarkProposalPaid marks the order of the given contract hash as paid
	// and records the session binding. At most one mark commits per order.
	MarkProposalPaid(h crypto.Hash, merchantPub crypto.PublicKey, sessionID string) error

	// FindPayments returns all deposit records of a contract.
	FindPayments(h crypto.Hash, merchantPub crypto.PublicKey) ([]types.PaidCoinRecord, error)

	// FindPaymentsByCoin returns the deposit record of one coin of a
	// contract.
	FindPaymentsByCoin(h crypto.Hash, merchantPub crypto.PublicKey, coinPub crypto.PublicKey) (*types.PaidCoinRecord, error)

	// StoreDeposit persists one accepted deposit. At most one row commits
	// per (h_contract_terms, coin_pub).
	StoreDeposit(merchantPub crypto.PublicKey, rec *types.PaidCoinRecord) error

	// GetRefunds returns all refunds granted against a contract.
	GetRefunds(merchantPub crypto.PublicKey, h crypto.Hash) ([]types.Refund, error)

	// IncreaseRefund raises the refunded total of a contract to amount,
	// distributing the increase over the contract's coins. The refunded
	// total can never exceed the deposited total.
	IncreaseRefund(h crypto.Hash, merchantPub crypto.PublicKey, amount types.Amount, reason string) error

	// StoreWireFee records one signed fee window of an exchange.
	StoreWireFee(masterPub crypto.PublicKey, wireMethod string, fee *types.WireFee) error

	// LookupWireFee returns the fee window of (masterPub, wireMethod)
	// covering the execution time.
	LookupWireFee(masterPub crypto.PublicKey, wireMethod string, at types.Timestamp) (*types.WireFee, error)

	// StoreTransferProof persists an exchange's signed /transfer response.
	StoreTransferProof(exchangeURL string, wtid crypto.Hash, executionTime types.Timestamp, exchangePub crypto.PublicKey, proof json.RawMessage) error

	// FindProofByWtid returns a previously stored transfer proof.
	FindProofByWtid(exchangeURL string, wtid crypto.Hash) (json.RawMessage, crypto.PublicKey, error)

	// StoreCoinToTransfer links a deposited coin to the wire transfer that
	// paid it. The matching StoreTransferProof must already have committed.
	StoreCoinToTransfer(h crypto.Hash, coinPub crypto.PublicKey, wtid crypto.Hash) error

	// FindTransferByCoin returns the wtid a deposited coin was paid under.
	FindTransferByCoin(h crypto.Hash, coinPub crypto.PublicKey) (crypto.Hash, error)

	// FindSessionInfo answers "has this session already paid for this
	// fulfillment URL", returning the order id.
	FindSessionInfo(sessionID, fulfillmentURL string, merchantPub crypto.PublicKey) (string, error)

	// FindOrderByContractHash resolves a contract hash to its order id.
	FindOrderByContractHash(h crypto.Hash, merchantPub crypto.PublicKey) (string, error)

	// Close releases the store.
	Close() error
}
