package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// PayModePay and PayModeAbortRefund are the recognized /pay modes.
const (
	PayModePay         = "pay"
	PayModeAbortRefund = "abort-refund"
)

// A PayRequest is the body of a /pay call: the coins a wallet presents to
// settle (or abort) a previously proposed order.
type PayRequest struct {
	Mode        string           `json:"mode"`
	Coins       []types.Coin     `json:"coins"`
	OrderID     string           `json:"order_id"`
	MerchantPub crypto.PublicKey `json:"merchant_pub"`
	SessionID   string           `json:"session_id,omitempty"`
}

// A PayResponse is the signed payment-complete receipt.
type PayResponse struct {
	ContractTerms     json.RawMessage          `json:"contract_terms"`
	Sig               crypto.Signature         `json:"sig"`
	HContractTerms    crypto.Hash              `json:"h_contract_terms"`
	RefundPermissions []types.RefundPermission `json:"refund_permissions"`
	SessionSig        *crypto.Signature        `json:"session_sig,omitempty"`
}

// An AbortResponse carries the signed refund permissions of an aborted
// payment.
type AbortResponse struct {
	HContractTerms    crypto.Hash              `json:"h_contract_terms"`
	MerchantPub       crypto.PublicKey         `json:"merchant_pub"`
	RefundPermissions []types.RefundPermission `json:"refund_permissions"`
}

// Pay runs the /pay state machine for one request. The exchange interaction
// phase is bounded by exchangeTimeout; transient database errors restart the
// transaction from the contract load, up to the retry bound.
func (p *Payments) Pay(ctx context.Context, req *PayRequest) (payResp *PayResponse, abortResp *AbortResponse, rerr *types.RequestError) {
	if rerr := validatePayRequest(req); rerr != nil {
		return nil, nil, rerr
	}
	inst, err := p.registry.LookupByPubkey(req.MerchantPub)
	if err != nil {
		return nil, nil, types.NewRequestError(http.StatusNotFound, types.CodeInstanceUnknown,
			"merchant_pub does not match a configured instance")
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	err = modules.RetrySoft(func() error {
		var terr error
		if req.Mode == PayModeAbortRefund {
			abortResp, terr = p.abortTransaction(inst, req)
		} else {
			payResp, terr = p.payTransaction(ctx, inst, req)
		}
		return terr
	})
	if err != nil {
		if re, ok := err.(*types.RequestError); ok {
			return nil, nil, re
		}
		if ctx.Err() != nil {
			return nil, nil, types.NewRequestError(http.StatusServiceUnavailable, types.CodeExchangeTimeout,
				"payment processing did not complete before the deadline")
		}
		return nil, nil, p.dbError(types.CodeDBStorePayError, err)
	}
	return payResp, abortResp, nil
}

// validatePayRequest covers the RECEIVED state: shape checks only.
func validatePayRequest(req *PayRequest) *types.RequestError {
	switch req.Mode {
	case "":
		return missingField("mode")
	case PayModePay, PayModeAbortRefund:
	default:
		return types.NewRequestError(http.StatusBadRequest, types.CodeParameterInvalid,
			"mode must be pay or abort-refund")
	}
	if len(req.Coins) == 0 {
		return missingField("coins")
	}
	if req.OrderID == "" {
		return missingField("order_id")
	}
	if req.MerchantPub == (crypto.PublicKey{}) {
		return missingField("merchant_pub")
	}
	for i := range req.Coins {
		if req.Coins[i].ExchangeURL == "" {
			return types.NewRequestError(http.StatusBadRequest, types.CodeParameterMalformed,
				"coin without exchange_url")
		}
	}
	return nil
}

// payGroup is the set of not-yet-deposited coins of one exchange, with the
// denomination each coin resolved to.
type payGroup struct {
	url    string
	coins  []types.Coin
	denoms []*types.DenominationKey
}

// payTransaction runs LOADED through ALL_DONE once. It returns soft store
// errors unwrapped so the enclosing retry loop can restart it, and
// *types.RequestError for terminal outcomes.
func (p *Payments) payTransaction(ctx context.Context, inst *modules.Instance, req *PayRequest) (*PayResponse, error) {
	// LOADED.
	contract, _, err := p.store.FindContractTerms(req.OrderID, inst.Pub)
	if err == modules.ErrAbsent {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeOrderUnknown,
			"no order under this id")
	}
	if err != nil {
		return nil, err
	}
	ct, err := types.ParseContractTerms(contract)
	if err != nil {
		return nil, types.NewRequestError(http.StatusInternalServerError, types.CodeInternalLogicError,
			"stored contract terms are unreadable")
	}
	h, err := types.HashContractTerms(contract)
	if err != nil {
		return nil, types.NewRequestError(http.StatusInternalServerError, types.CodeHashFailure, err.Error())
	}

	// GROUPED: split the submitted coins into already-recorded ones and
	// fresh ones grouped by exchange.
	records, err := p.store.FindPayments(h, inst.Pub)
	if err != nil {
		return nil, err
	}
	recorded := make(map[crypto.PublicKey]bool, len(records))
	wireFees := make(map[string]types.Amount)
	for _, rec := range records {
		recorded[rec.CoinPub] = true
		wireFees[rec.ExchangeURL] = rec.WireFee
	}
	totalRefunded, err := p.refundedTotal(inst, h)
	if err != nil {
		return nil, err
	}

	var groups []*payGroup
	byURL := make(map[string]*payGroup)
	for _, coin := range req.Coins {
		if recorded[coin.CoinPub] {
			continue
		}
		g := byURL[coin.ExchangeURL]
		if g == nil {
			g = &payGroup{url: coin.ExchangeURL}
			byURL[coin.ExchangeURL] = g
			groups = append(groups, g)
		}
		g.coins = append(g.coins, coin)
	}

	// EXCHANGE_k: one exchange at a time, all of its deposits in parallel.
	wm := inst.ActiveWireMethod()
	for _, g := range groups {
		newRecords, err := p.depositGroup(ctx, inst, wm.Method, wm.Hash, ct, h, g)
		if err != nil {
			return nil, err
		}
		for _, rec := range newRecords {
			records = append(records, rec)
			wireFees[rec.ExchangeURL] = rec.WireFee
		}
	}

	// ALL_DONE: sufficiency, then the once-only mark-paid.
	amortization := ct.WireFeeAmortization
	if amortization == 0 {
		amortization = p.defaultAmortization
	}
	if rerr := checkSufficiency(ct, records, wireFees, totalRefunded, amortization); rerr != nil {
		return nil, rerr
	}
	err = p.store.MarkProposalPaid(h, inst.Pub, req.SessionID)
	if err != nil && err != modules.ErrAlreadyPaid {
		// ErrAlreadyPaid is the idempotent-replay case; the receipt is
		// re-signed below either way.
		return nil, err
	}

	perms, err := p.signedRefundPermissions(inst, h)
	if err != nil {
		return nil, err
	}
	resp := &PayResponse{
		ContractTerms:     contract,
		Sig:               crypto.SignPurpose(crypto.PurposeMerchantPaymentOK, inst.Key, h[:]),
		HContractTerms:    h,
		RefundPermissions: perms,
	}
	if req.SessionID != "" {
		ho := crypto.HashBytes([]byte(req.OrderID))
		hs := crypto.HashBytes([]byte(req.SessionID))
		sig := crypto.SignPurpose(crypto.PurposeMerchantPaySession, inst.Key, ho[:], hs[:])
		resp.SessionSig = &sig
	}
	return resp, nil
}

// depositGroup resolves one exchange and deposits every coin of the group
// in parallel. The first failing deposit cancels its peers and is returned;
// successful deposits are persisted before the group completes.
func (p *Payments) depositGroup(ctx context.Context, inst *modules.Instance, wireMethod string, hWire crypto.Hash, ct *types.ContractTerms, h crypto.Hash, g *payGroup) ([]types.PaidCoinRecord, error) {
	handle, fee, trusted, err := p.pool.FindExchange(ctx, g.url, wireMethod)
	if err != nil {
		return nil, findExchangeError(ctx, g.url, err)
	}
	keys := handle.Keys()

	// Resolve and vet every denomination before the first deposit goes out.
	now := types.Now()
	g.denoms = make([]*types.DenominationKey, len(g.coins))
	for i, coin := range g.coins {
		dk := keys.FindDenom(coin.DenomPub)
		if dk == nil {
			return nil, types.NewRequestError(http.StatusBadRequest, types.CodeParameterInvalid,
				"exchange does not list this denomination").WithDetail("coin_pub", coin.CoinPub.String())
		}
		switch p.trust.CheckDenomination(keys, dk, trusted, now) {
		case modules.DenomExpired:
			return nil, types.NewRequestError(http.StatusBadRequest, types.CodeParameterInvalid,
				"denomination key is past its deposit expiry").WithDetail("coin_pub", coin.CoinPub.String())
		case modules.DenomUntrusted:
			return nil, types.NewRequestError(http.StatusPreconditionFailed, types.CodeExchangeNotAcceptable,
				"no accepted auditor vouches for this denomination").WithDetail("coin_pub", coin.CoinPub.String())
		}
		g.denoms[i] = dk
	}

	var mu sync.Mutex
	var newRecords []types.PaidCoinRecord
	eg, gctx := errgroup.WithContext(ctx)
	for i := range g.coins {
		coin, dk := g.coins[i], g.denoms[i]
		eg.Go(func() error {
			conf, err := handle.Deposit(gctx, &modules.DepositRequest{
				Coin:                 coin,
				HContractTerms:       h,
				MerchantPub:          inst.Pub,
				HWire:                hWire,
				Timestamp:            ct.Timestamp,
				RefundDeadline:       ct.RefundDeadline,
				WireTransferDeadline: ct.WireTransferDeadline,
			})
			if err != nil {
				if er, ok := err.(*modules.ExchangeReply); ok {
					return exchangeReplyError(er, &coin.CoinPub)
				}
				if gctx.Err() != nil {
					return types.NewRequestError(http.StatusServiceUnavailable, types.CodeExchangeTimeout,
						"deposit did not complete before the deadline").WithDetail("exchange", g.url)
				}
				return types.NewRequestError(http.StatusServiceUnavailable, types.CodeExchangeNotReachable,
					"deposit failed").WithDetail("exchange", g.url)
			}

			rec := types.PaidCoinRecord{
				HContractTerms:  h,
				CoinPub:         coin.CoinPub,
				ExchangeURL:     g.url,
				AmountWithFee:   coin.Contribution,
				DepositFee:      dk.FeeDeposit,
				RefundFee:       dk.FeeRefund,
				WireFee:         *fee,
				ExchangeSignKey: conf.ExchangePub,
				Proof:           conf.Body,
			}
			err = modules.RetrySoft(func() error {
				return p.store.StoreDeposit(inst.Pub, &rec)
			})
			if err == modules.ErrDepositExists {
				// A concurrent replay recorded the coin first.
				err = nil
			}
			if err != nil {
				return types.NewRequestError(http.StatusInternalServerError, types.CodeDBStorePayError,
					"unable to persist accepted deposit")
			}
			mu.Lock()
			newRecords = append(newRecords, rec)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return newRecords, nil
}

// abortTransaction runs the ABORTING branch once: refuse if the payment
// completed, otherwise raise the refund total to everything deposited and
// sign per-coin refund permissions.
func (p *Payments) abortTransaction(inst *modules.Instance, req *PayRequest) (*AbortResponse, error) {
	contract, _, err := p.store.FindContractTerms(req.OrderID, inst.Pub)
	if err == modules.ErrAbsent {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeOrderUnknown,
			"no order under this id")
	}
	if err != nil {
		return nil, err
	}
	h, err := types.HashContractTerms(contract)
	if err != nil {
		return nil, types.NewRequestError(http.StatusInternalServerError, types.CodeHashFailure, err.Error())
	}

	_, err = p.store.FindPaidContractTerms(h, inst.Pub)
	if err == nil {
		return nil, types.NewRequestError(http.StatusForbidden, types.CodeAbortRefusedPaymentComplete,
			"payment is complete; aborting is no longer possible")
	}
	if err != modules.ErrAbsent {
		return nil, err
	}

	records, err := p.store.FindPayments(h, inst.Pub)
	if err != nil {
		return nil, err
	}
	var totalPaid types.Amount
	for _, rec := range records {
		totalPaid, err = totalPaid.Add(rec.AmountWithFee)
		if err != nil {
			return nil, types.NewRequestError(http.StatusInternalServerError, types.CodeInternalLogicError, err.Error())
		}
	}
	if len(records) > 0 && !totalPaid.IsZero() {
		err = p.store.IncreaseRefund(h, inst.Pub, totalPaid, "payment aborted")
		if err != nil {
			return nil, err
		}
	}

	perms, err := p.signedRefundPermissions(inst, h)
	if err != nil {
		return nil, err
	}
	return &AbortResponse{
		HContractTerms:    h,
		MerchantPub:       inst.Pub,
		RefundPermissions: perms,
	}, nil
}

// refundedTotal sums all refunds granted against a contract. Store errors
// pass through unwrapped so soft ones restart the enclosing transaction.
func (p *Payments) refundedTotal(inst *modules.Instance, h crypto.Hash) (types.Amount, error) {
	refunds, err := p.store.GetRefunds(inst.Pub, h)
	if err != nil {
		return types.Amount{}, err
	}
	var total types.Amount
	for _, r := range refunds {
		total, err = total.Add(r.RefundAmount)
		if err != nil {
			return types.Amount{}, types.NewRequestError(http.StatusInternalServerError,
				types.CodeInternalLogicError, err.Error())
		}
	}
	return total, nil
}
