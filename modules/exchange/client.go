package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"gitlab.com/NebulousLabs/errors"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// keysFetchTimeout bounds one /keys download.
const keysFetchTimeout = 30 * time.Second

// maxReplyLen caps how much of an exchange reply is read. Keys structures
// with many denominations are the largest legitimate responses.
const maxReplyLen = 8 << 20

// keysBody is the /keys response: the key structure plus the per-method
// wire-fee schedule.
type keysBody struct {
	types.ExchangeKeys
	WireFees map[string][]types.WireFee `json:"wire_fees"`
}

// fetchKeys downloads and applies one /keys structure. Errors are recorded
// on the exchange rather than returned; lookups report them.
func (p *Pool) fetchKeys(e *Exchange) {
	ctx, cancel := context.WithTimeout(context.Background(), keysFetchTimeout)
	defer cancel()
	go func() {
		// Abort the download when the pool shuts down.
		select {
		case <-p.tg.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	var body keysBody
	err := p.getJSON(ctx, e.url+"keys", &body, nil)
	if err == nil && body.MasterPub != e.masterPub {
		err = errors.New("exchange " + e.url + " presented an unexpected master key")
	}

	p.mu.Lock()
	e.lastFetch = time.Now()
	e.lastErr = err
	if err != nil {
		p.mu.Unlock()
		p.log.Printf("keys download from %s failed: %v", e.url, err)
		return
	}
	e.keys = &body.ExchangeKeys
	e.wireFees = body.WireFees
	p.mu.Unlock()

	// Remember the fee windows so /track/transfer can validate claimed
	// fees long after this schedule rotated out of /keys.
	if p.store != nil {
		for method, fees := range body.WireFees {
			for i := range fees {
				fee := fees[i]
				err := modules.RetrySoft(func() error {
					return p.store.StoreWireFee(e.masterPub, method, &fee)
				})
				if err != nil {
					p.log.Printf("unable to persist wire fee of %s/%s: %v", e.url, method, err)
				}
			}
		}
	}
	p.log.Debugf("downloaded %d denominations from %s", len(body.Denoms), e.url)
}

// getJSON performs a GET and decodes a 200 reply into obj. A non-200 reply
// is returned as *modules.ExchangeReply. When rawBody is non-nil it receives
// the exact reply bytes.
func (p *Pool) getJSON(ctx context.Context, url string, obj interface{}, rawBody *json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return p.doJSON(req, obj, rawBody)
}

// postJSON performs a POST with a JSON body and decodes a 200 reply into
// obj, with the same non-200 handling as getJSON.
func (p *Pool) postJSON(ctx context.Context, url string, reqObj, obj interface{}, rawBody *json.RawMessage) error {
	data, err := json.Marshal(reqObj)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.doJSON(req, obj, rawBody)
}

func (p *Pool) doJSON(req *http.Request, obj interface{}, rawBody *json.RawMessage) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Compose(modules.ErrExchangeNotReachable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyLen))
	if err != nil {
		return errors.Compose(modules.ErrExchangeNotReachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return newExchangeReply(resp.StatusCode, body)
	}
	if rawBody != nil {
		*rawBody = json.RawMessage(body)
	}
	if obj != nil {
		if err := json.Unmarshal(body, obj); err != nil {
			return errors.AddContext(err, "malformed exchange reply")
		}
	}
	return nil
}

// newExchangeReply wraps a non-200 exchange response, pulling out the
// numeric error code if the body carries one.
func newExchangeReply(status int, body []byte) *modules.ExchangeReply {
	var fields struct {
		Code json.Number `json:"code"`
	}
	json.Unmarshal(body, &fields) // best effort; Code stays empty on garbage
	return &modules.ExchangeReply{
		StatusCode: status,
		Code:       fields.Code.String(),
		Body:       json.RawMessage(body),
	}
}

// BaseURL returns the exchange's base URL.
func (e *Exchange) BaseURL() string { return e.url }

// MasterPub returns the exchange's offline master key.
func (e *Exchange) MasterPub() crypto.PublicKey { return e.masterPub }

// Keys returns the most recent /keys structure, or nil while pending.
func (e *Exchange) Keys() *types.ExchangeKeys {
	e.pool.mu.RLock()
	defer e.pool.mu.RUnlock()
	return e.keys
}

// depositRequest is the wire form of a deposit instruction.
type depositRequest struct {
	Contribution         types.Amount     `json:"f"`
	CoinPub              crypto.PublicKey `json:"coin_pub"`
	DenomPub             string           `json:"denom_pub"`
	UBSig                string           `json:"ub_sig"`
	CoinSig              crypto.Signature `json:"coin_sig"`
	HContractTerms       crypto.Hash      `json:"h_contract_terms"`
	HWire                crypto.Hash      `json:"H_wire"`
	MerchantPub          crypto.PublicKey `json:"merchant_pub"`
	Timestamp            types.Timestamp  `json:"timestamp"`
	RefundDeadline       types.Timestamp  `json:"refund_deadline"`
	WireTransferDeadline types.Timestamp  `json:"wire_transfer_deadline"`
}

// Deposit performs one deposit operation against the exchange. A non-200
// exchange reply is returned as *modules.ExchangeReply so the caller can
// forward it to the wallet.
func (e *Exchange) Deposit(ctx context.Context, req *modules.DepositRequest) (*modules.DepositConfirmation, error) {
	wire := depositRequest{
		Contribution:         req.Coin.Contribution,
		CoinPub:              req.Coin.CoinPub,
		DenomPub:             req.Coin.DenomPub,
		UBSig:                req.Coin.UBSig,
		CoinSig:              req.Coin.CoinSig,
		HContractTerms:       req.HContractTerms,
		HWire:                req.HWire,
		MerchantPub:          req.MerchantPub,
		Timestamp:            req.Timestamp,
		RefundDeadline:       req.RefundDeadline,
		WireTransferDeadline: req.WireTransferDeadline,
	}
	var reply struct {
		Sig crypto.Signature `json:"sig"`
		Pub crypto.PublicKey `json:"pub"`
	}
	var raw json.RawMessage
	if err := e.pool.postJSON(ctx, e.url+"deposit", &wire, &reply, &raw); err != nil {
		return nil, err
	}
	return &modules.DepositConfirmation{
		ExchangeSig: reply.Sig,
		ExchangePub: reply.Pub,
		Body:        raw,
	}, nil
}

// TrackTransfer asks the exchange for the itemized contents of a wire
// transfer. The raw body is returned alongside the parsed response since it
// is the proof material that gets persisted verbatim.
func (e *Exchange) TrackTransfer(ctx context.Context, wtid crypto.Hash) (*types.TransferResponse, json.RawMessage, error) {
	var tr types.TransferResponse
	var raw json.RawMessage
	u := e.url + "transfer?wtid=" + url.QueryEscape(wtid.String())
	if err := e.pool.getJSON(ctx, u, &tr, &raw); err != nil {
		return nil, nil, err
	}
	return &tr, raw, nil
}

// DepositWtid asks the exchange which wire transfer paid a given deposit.
// While the transfer is still queued the exchange replies 202 and the call
// returns modules.ErrTransferPending.
func (e *Exchange) DepositWtid(ctx context.Context, h crypto.Hash, coinPub crypto.PublicKey) (crypto.Hash, types.Timestamp, error) {
	var reply struct {
		Wtid          crypto.Hash     `json:"wtid"`
		ExecutionTime types.Timestamp `json:"execution_time"`
	}
	u := e.url + "track/transaction?h_contract_terms=" + url.QueryEscape(h.String()) +
		"&coin_pub=" + url.QueryEscape(coinPub.String())
	err := e.pool.getJSON(ctx, u, &reply, nil)
	if er, ok := err.(*modules.ExchangeReply); ok && er.StatusCode == http.StatusAccepted {
		return crypto.Hash{}, 0, modules.ErrTransferPending
	}
	if err != nil {
		return crypto.Hash{}, 0, err
	}
	return reply.Wtid, reply.ExecutionTime, nil
}
