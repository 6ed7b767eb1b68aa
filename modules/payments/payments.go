// Package payments implements the merchant's payment core: the /pay state
// machine, the proposal signer, the track-transfer reconciler and the refund
// operations. It programs against the interfaces of the modules package and
// holds no mutable state of its own; everything mutable lives in the store
// or in per-request contexts.
package payments

import (
	"context"
	"encoding/binary"
	"net/http"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/config"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/persist"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// exchangeTimeout bounds the full exchange-interaction phase of a request:
// deposits of a /pay, or the /transfer round trip of a reconciliation.
const exchangeTimeout = 30 * time.Second

// Payments is the payment core. All fields are set at startup.
type Payments struct {
	registry modules.Registry
	trust    modules.TrustSet
	pool     modules.ExchangePool
	store    modules.Store
	log      *persist.Logger

	currency            string
	wireTransferDelay   time.Duration
	defaultPayDeadline  time.Duration
	defaultMaxFee       types.Amount
	defaultMaxWireFee   types.Amount
	defaultAmortization uint64
}

// New wires the payment core to its collaborators and reads the [merchant]
// defaults applied to incomplete orders.
func New(cfg *config.Config, registry modules.Registry, trust modules.TrustSet, pool modules.ExchangePool, store modules.Store, log *persist.Logger) (*Payments, error) {
	merchant := cfg.Section("merchant")
	if merchant == nil {
		return nil, errors.New("missing [merchant] configuration section")
	}
	currency, err := merchant.String("currency")
	if err != nil {
		return nil, err
	}
	delay, err := merchant.Duration("wire_transfer_delay", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	payDeadline, err := merchant.Duration("default_pay_deadline", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	maxFee, err := types.ParseAmount(merchant.OptString("default_max_deposit_fee", currency+":0.1"))
	if err != nil {
		return nil, errors.AddContext(err, "invalid DEFAULT_MAX_DEPOSIT_FEE")
	}
	maxWireFee, err := types.ParseAmount(merchant.OptString("default_max_wire_fee", currency+":0.1"))
	if err != nil {
		return nil, errors.AddContext(err, "invalid DEFAULT_MAX_WIRE_FEE")
	}
	amortization, err := merchant.Int("default_wire_fee_amortization", 1)
	if err != nil {
		return nil, err
	}
	if amortization < 1 {
		amortization = 1
	}

	return &Payments{
		registry: registry,
		trust:    trust,
		pool:     pool,
		store:    store,
		log:      log,

		currency:            currency,
		wireTransferDelay:   delay,
		defaultPayDeadline:  payDeadline,
		defaultMaxFee:       maxFee,
		defaultMaxWireFee:   maxWireFee,
		defaultAmortization: uint64(amortization),
	}, nil
}

// Currency returns the currency the backend is configured for.
func (p *Payments) Currency() string {
	return p.currency
}

// signRefundPermission attaches the MERCHANT_REFUND signature a wallet needs
// to claim a refund at the exchange.
func signRefundPermission(inst *modules.Instance, r types.Refund) types.RefundPermission {
	var rtid [8]byte
	binary.BigEndian.PutUint64(rtid[:], r.RTransactionID)
	sig := crypto.SignPurpose(crypto.PurposeMerchantRefund, inst.Key,
		r.HContractTerms[:], r.CoinPub[:], rtid[:],
		[]byte(r.RefundAmount.String()), []byte(r.RefundFee.String()))
	return types.RefundPermission{
		HContractTerms: r.HContractTerms,
		CoinPub:        r.CoinPub,
		RTransactionID: r.RTransactionID,
		RefundAmount:   r.RefundAmount,
		RefundFee:      r.RefundFee,
		MerchantPub:    inst.Pub,
		MerchantSig:    sig,
	}
}

// signedRefundPermissions loads and signs all refunds of a contract.
func (p *Payments) signedRefundPermissions(inst *modules.Instance, h crypto.Hash) ([]types.RefundPermission, error) {
	refunds, err := p.store.GetRefunds(inst.Pub, h)
	if err != nil {
		return nil, err
	}
	perms := make([]types.RefundPermission, 0, len(refunds))
	for _, r := range refunds {
		perms = append(perms, signRefundPermission(inst, r))
	}
	return perms, nil
}

// findExchangeError maps a FindExchange failure onto a client-facing error.
func findExchangeError(ctx context.Context, url string, err error) *types.RequestError {
	switch {
	case errors.Contains(err, modules.ErrExchangeNotAcceptable):
		return types.NewRequestError(http.StatusPreconditionFailed, types.CodeExchangeNotAcceptable,
			"exchange is not in the merchant's trust set").WithDetail("exchange", url)
	case errors.Contains(err, modules.ErrNoWireFee):
		return types.NewRequestError(http.StatusPreconditionFailed, types.CodeExchangeNotAcceptable,
			"exchange publishes no fee for the merchant's wire method").WithDetail("exchange", url)
	case ctx.Err() != nil:
		return types.NewRequestError(http.StatusServiceUnavailable, types.CodeExchangeTimeout,
			"exchange interaction did not complete before the deadline").WithDetail("exchange", url)
	default:
		return types.NewRequestError(http.StatusServiceUnavailable, types.CodeExchangeNotReachable,
			"exchange could not be contacted").WithDetail("exchange", url)
	}
}

// exchangeReplyError forwards a non-200 exchange reply to the wallet,
// optionally tagged with the coin that triggered it.
func exchangeReplyError(er *modules.ExchangeReply, coinPub *crypto.PublicKey) *types.RequestError {
	status := http.StatusFailedDependency
	if len(er.Body) == 0 {
		status = http.StatusServiceUnavailable
	}
	re := types.NewRequestError(status, types.CodeExchangeError,
		"exchange rejected the operation").
		WithDetail("exchange_status", er.StatusCode).
		WithDetail("exchange_code", er.Code)
	if len(er.Body) > 0 {
		re.WithDetail("exchange_reply", er.Body)
	}
	if coinPub != nil {
		re.WithDetail("coin_pub", coinPub.String())
	}
	return re
}

// dbError wraps a hard database failure.
func (p *Payments) dbError(code types.ErrorCode, err error) *types.RequestError {
	p.log.Println("database error:", err)
	return types.NewRequestError(http.StatusInternalServerError, code, err.Error())
}
