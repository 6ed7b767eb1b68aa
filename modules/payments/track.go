package payments

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// A DepositSum aggregates the deposits of one contract within a wire
// transfer.
type DepositSum struct {
	OrderID      string       `json:"order_id"`
	DepositValue types.Amount `json:"deposit_value"`
	DepositFee   types.Amount `json:"deposit_fee"`
}

// A TrackTransferResponse is the merchant-side accounting of one wire
// transfer: the exchange's signed totals plus per-order sums instead of the
// raw per-coin listing.
type TrackTransferResponse struct {
	Total         types.Amount     `json:"total"`
	WireFee       types.Amount     `json:"wire_fee"`
	MerchantPub   crypto.PublicKey `json:"merchant_pub"`
	HWire         crypto.Hash      `json:"H_wire"`
	ExecutionTime types.Timestamp  `json:"execution_time"`
	DepositsSums  []DepositSum     `json:"deposits_sums"`
}

// A TrackedTransfer is one wire transfer of a tracked transaction.
type TrackedTransfer struct {
	Wtid     crypto.Hash `json:"wtid"`
	Exchange string      `json:"exchange"`
	TrackTransferResponse
}

// TrackTransfer reconciles one wire transfer claimed by an exchange against
// the merchant's own deposit records. The signed exchange response is
// persisted before any validation so proof of misbehavior is never lost.
func (p *Payments) TrackTransfer(ctx context.Context, exchangeURL string, wtid crypto.Hash, wireMethod, instanceID string) (*TrackTransferResponse, *types.RequestError) {
	inst, err := p.registry.LookupByID(instanceID)
	if err != nil {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeInstanceUnknown, "instance unknown")
	}

	// Cached-proof fast path: a proof in the database was already
	// cross-checked when it was stored.
	proof, _, err := p.store.FindProofByWtid(exchangeURL, wtid)
	if err == nil {
		return p.transformProof(inst, proof)
	}
	if err != modules.ErrAbsent {
		return nil, p.dbError(types.CodeDBHardError, err)
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	handle, _, _, err := p.pool.FindExchange(ctx, exchangeURL, "")
	if err != nil {
		return nil, findExchangeError(ctx, exchangeURL, err)
	}
	tr, raw, err := handle.TrackTransfer(ctx, wtid)
	if err != nil {
		if er, ok := err.(*modules.ExchangeReply); ok {
			return nil, exchangeReplyError(er, nil)
		}
		if ctx.Err() != nil {
			return nil, types.NewRequestError(http.StatusServiceUnavailable, types.CodeExchangeTimeout,
				"exchange did not answer /transfer before the deadline")
		}
		return nil, types.NewRequestError(http.StatusServiceUnavailable, types.CodeExchangeNotReachable,
			"exchange could not be contacted")
	}

	// Persist before validating.
	err = modules.RetrySoft(func() error {
		return p.store.StoreTransferProof(exchangeURL, wtid, tr.ExecutionTime, tr.ExchangePub, raw)
	})
	if err != nil {
		return nil, p.dbError(types.CodeDBHardError, err)
	}

	if rerr := p.checkClaimedWireFee(handle.MasterPub(), wireMethod, tr, raw); rerr != nil {
		return nil, rerr
	}
	if rerr := p.crossCheckDeposits(inst, wtid, tr, raw); rerr != nil {
		return nil, rerr
	}
	return p.buildSums(inst, tr)
}

// checkClaimedWireFee compares the fee the exchange claims against the
// signed fee window in the local table. An unknown window is accepted with a
// warning; a claim above the window is evidence of misbehavior.
func (p *Payments) checkClaimedWireFee(masterPub crypto.PublicKey, wireMethod string, tr *types.TransferResponse, raw json.RawMessage) *types.RequestError {
	expected, err := p.store.LookupWireFee(masterPub, wireMethod, tr.ExecutionTime)
	if err == modules.ErrAbsent {
		p.log.Printf("no local wire-fee window for %s at %d; accepting the claimed fee %s",
			wireMethod, tr.ExecutionTime, tr.WireFee)
		return nil
	}
	if err != nil {
		return p.dbError(types.CodeDBHardError, err)
	}
	cmp, err := tr.WireFee.Cmp(expected.WireFee)
	if err != nil || cmp > 0 {
		return types.NewRequestError(http.StatusFailedDependency, types.CodeBadWireFee,
			"exchange claims a higher wire fee than its signed fee schedule allows").
			WithDetail("expected_fee", expected).
			WithDetail("exchange_claim", raw)
	}
	return nil
}

// crossCheckDeposits verifies every deposit the exchange lists against the
// merchant's own records and links consistent coins to the transfer.
// Deposits the merchant never recorded are accepted with a warning.
func (p *Payments) crossCheckDeposits(inst *modules.Instance, wtid crypto.Hash, tr *types.TransferResponse, raw json.RawMessage) *types.RequestError {
	for _, d := range tr.Deposits {
		rec, err := p.store.FindPaymentsByCoin(d.HContractTerms, inst.Pub, d.CoinPub)
		if err == modules.ErrAbsent {
			p.log.Printf("transfer %s lists a deposit we have no record of (coin %s); accepting",
				wtid, d.CoinPub)
			continue
		}
		if err != nil {
			return p.dbError(types.CodeDBHardError, err)
		}
		if !rec.AmountWithFee.Equals(d.DepositValue) || !rec.DepositFee.Equals(d.DepositFee) {
			// Both payloads are signed by the exchange; together they are
			// irrefutable evidence of self-contradiction.
			return types.NewRequestError(http.StatusFailedDependency, types.CodeConflictingReports,
				"exchange's transfer listing contradicts its own deposit confirmation").
				WithDetail("coin_pub", d.CoinPub.String()).
				WithDetail("h_contract_terms", d.HContractTerms.String()).
				WithDetail("deposit_proof", rec.Proof).
				WithDetail("transfer_proof", raw).
				WithDetail("amount_with_fee", rec.AmountWithFee).
				WithDetail("claimed_value", d.DepositValue)
		}
		err = modules.RetrySoft(func() error {
			return p.store.StoreCoinToTransfer(d.HContractTerms, d.CoinPub, wtid)
		})
		if err != nil {
			return p.dbError(types.CodeDBHardError, err)
		}
	}
	return nil
}

// buildSums applies the deposits_sums transform: group by contract, sum
// value and fee, resolve each contract to its order id.
func (p *Payments) buildSums(inst *modules.Instance, tr *types.TransferResponse) (*TrackTransferResponse, *types.RequestError) {
	type group struct {
		sum DepositSum
	}
	var order []crypto.Hash
	groups := make(map[crypto.Hash]*group)
	for _, d := range tr.Deposits {
		g := groups[d.HContractTerms]
		if g == nil {
			orderID, err := p.store.FindOrderByContractHash(d.HContractTerms, inst.Pub)
			if err != nil && err != modules.ErrAbsent {
				return nil, p.dbError(types.CodeDBHardError, err)
			}
			g = &group{sum: DepositSum{
				OrderID:      orderID,
				DepositValue: types.ZeroAmount(d.DepositValue.Currency()),
				DepositFee:   types.ZeroAmount(d.DepositFee.Currency()),
			}}
			groups[d.HContractTerms] = g
			order = append(order, d.HContractTerms)
		}
		var err error
		if g.sum.DepositValue, err = g.sum.DepositValue.Add(d.DepositValue); err != nil {
			return nil, types.NewRequestError(http.StatusInternalServerError, types.CodeInternalLogicError, err.Error())
		}
		if g.sum.DepositFee, err = g.sum.DepositFee.Add(d.DepositFee); err != nil {
			return nil, types.NewRequestError(http.StatusInternalServerError, types.CodeInternalLogicError, err.Error())
		}
	}
	sums := make([]DepositSum, 0, len(order))
	for _, h := range order {
		sums = append(sums, groups[h].sum)
	}
	return &TrackTransferResponse{
		Total:         tr.Total,
		WireFee:       tr.WireFee,
		MerchantPub:   tr.MerchantPub,
		HWire:         tr.HWire,
		ExecutionTime: tr.ExecutionTime,
		DepositsSums:  sums,
	}, nil
}

// transformProof serves the cached-proof fast path.
func (p *Payments) transformProof(inst *modules.Instance, proof json.RawMessage) (*TrackTransferResponse, *types.RequestError) {
	var tr types.TransferResponse
	if err := json.Unmarshal(proof, &tr); err != nil {
		return nil, types.NewRequestError(http.StatusInternalServerError, types.CodeInternalLogicError,
			"stored transfer proof is unreadable")
	}
	return p.buildSums(inst, &tr)
}

// TrackTransaction resolves every deposited coin of an order to its wire
// transfer and reconciles each transfer as /track/transfer would. Coins not
// yet aggregated by their exchange surface as TRANSFER_NOT_YET_EXECUTED.
func (p *Payments) TrackTransaction(ctx context.Context, orderID, instanceID string) ([]TrackedTransfer, *types.RequestError) {
	inst, err := p.registry.LookupByID(instanceID)
	if err != nil {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeInstanceUnknown, "instance unknown")
	}
	contract, _, err := p.store.FindContractTerms(orderID, inst.Pub)
	if err == modules.ErrAbsent {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeTransactionUnknown,
			"no transaction under this id")
	}
	if err != nil {
		return nil, p.dbError(types.CodeDBHardError, err)
	}
	h, err := types.HashContractTerms(contract)
	if err != nil {
		return nil, types.NewRequestError(http.StatusInternalServerError, types.CodeHashFailure, err.Error())
	}
	records, err := p.store.FindPayments(h, inst.Pub)
	if err != nil {
		return nil, p.dbError(types.CodeDBHardError, err)
	}
	if len(records) == 0 {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeTransactionUnknown,
			"transaction has no recorded payments")
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	// Resolve each coin to a wtid: local link first, then the exchange.
	type transferKey struct {
		url  string
		wtid crypto.Hash
	}
	var keys []transferKey
	seen := make(map[transferKey]bool)
	for _, rec := range records {
		wtid, err := p.store.FindTransferByCoin(h, rec.CoinPub)
		if err == modules.ErrAbsent {
			wtid, rerr := p.resolveCoinWtid(ctx, h, &rec)
			if rerr != nil {
				return nil, rerr
			}
			k := transferKey{rec.ExchangeURL, wtid}
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
			continue
		}
		if err != nil {
			return nil, p.dbError(types.CodeDBHardError, err)
		}
		k := transferKey{rec.ExchangeURL, wtid}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	wireMethod := inst.ActiveWireMethod().Method
	transfers := make([]TrackedTransfer, 0, len(keys))
	for _, k := range keys {
		resp, rerr := p.TrackTransfer(ctx, k.url, k.wtid, wireMethod, instanceID)
		if rerr != nil {
			return nil, rerr
		}
		transfers = append(transfers, TrackedTransfer{
			Wtid:                  k.wtid,
			Exchange:              k.url,
			TrackTransferResponse: *resp,
		})
	}
	return transfers, nil
}

// resolveCoinWtid asks the coin's exchange which transfer paid it.
func (p *Payments) resolveCoinWtid(ctx context.Context, h crypto.Hash, rec *types.PaidCoinRecord) (crypto.Hash, *types.RequestError) {
	handle, _, _, err := p.pool.FindExchange(ctx, rec.ExchangeURL, "")
	if err != nil {
		return crypto.Hash{}, findExchangeError(ctx, rec.ExchangeURL, err)
	}
	wtid, _, err := handle.DepositWtid(ctx, h, rec.CoinPub)
	if err == modules.ErrTransferPending {
		return crypto.Hash{}, types.NewRequestError(http.StatusAccepted, types.CodeTransferPending,
			"the exchange has not executed the wire transfer yet").
			WithDetail("coin_pub", rec.CoinPub.String())
	}
	if err != nil {
		if er, ok := err.(*modules.ExchangeReply); ok {
			return crypto.Hash{}, exchangeReplyError(er, &rec.CoinPub)
		}
		if ctx.Err() != nil {
			return crypto.Hash{}, types.NewRequestError(http.StatusServiceUnavailable, types.CodeExchangeTimeout,
				"exchange did not answer the deposit-tracking request before the deadline")
		}
		return crypto.Hash{}, types.NewRequestError(http.StatusServiceUnavailable, types.CodeExchangeNotReachable,
			"exchange could not be contacted")
	}
	return wtid, nil
}
