package payments

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/config"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules/auditor"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules/exchange"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules/instance"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules/merchantdb"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/persist"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// fakeExchange impersonates one exchange: /keys with a single denomination,
// a deposit endpoint that signs confirmations, and per-test handlers for the
// tracking endpoints.
type fakeExchange struct {
	t         *testing.T
	srv       *httptest.Server
	masterPub crypto.PublicKey
	signKey   crypto.SecretKey
	wireFee   types.Amount

	depositHits    int32
	rejectDeposits int32

	mu      sync.Mutex
	handler map[string]http.HandlerFunc
}

func newFakeExchange(t *testing.T, wireFee string) *fakeExchange {
	_, masterPub := crypto.GenerateKeyPair()
	signKey, _ := crypto.GenerateKeyPair()
	fe := &fakeExchange{
		t:         t,
		masterPub: masterPub,
		signKey:   signKey,
		wireFee:   amt(t, wireFee),
		handler:   make(map[string]http.HandlerFunc),
	}
	fe.srv = httptest.NewServer(http.HandlerFunc(fe.serve))
	t.Cleanup(fe.srv.Close)
	return fe
}

func (fe *fakeExchange) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/keys":
		fe.writeKeys(w)
	case "/deposit":
		fe.serveDeposit(w, r)
	default:
		fe.mu.Lock()
		h := fe.handler[r.URL.Path]
		fe.mu.Unlock()
		if h == nil {
			http.Error(w, `{"code":0,"hint":"not found"}`, http.StatusNotFound)
			return
		}
		h(w, r)
	}
}

func (fe *fakeExchange) handle(path string, h http.HandlerFunc) {
	fe.mu.Lock()
	fe.handler[path] = h
	fe.mu.Unlock()
}

func (fe *fakeExchange) writeKeys(w http.ResponseWriter) {
	now := types.Now()
	body := struct {
		types.ExchangeKeys
		WireFees map[string][]types.WireFee `json:"wire_fees"`
	}{
		ExchangeKeys: types.ExchangeKeys{
			MasterPub: fe.masterPub,
			SignKeys:  []crypto.PublicKey{fe.signKey.PublicKey()},
			Denoms: []types.DenominationKey{{
				DenomPubHash:  crypto.HashBytes([]byte("denom-1")),
				Value:         amt(fe.t, "EUR:10"),
				FeeDeposit:    amt(fe.t, "EUR:0.01"),
				FeeRefund:     amt(fe.t, "EUR:0.01"),
				ExpireDeposit: now.Add(365 * 24 * time.Hour),
			}},
			ListIssue: now,
		},
		WireFees: map[string][]types.WireFee{
			"sepa": {{
				WireFee:    fe.wireFee,
				ClosingFee: amt(fe.t, "EUR:0.01"),
				StartDate:  1,
				EndDate:    now.Add(365 * 24 * time.Hour),
			}},
		},
	}
	json.NewEncoder(w).Encode(body)
}

func (fe *fakeExchange) serveDeposit(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&fe.depositHits, 1)
	if atomic.LoadInt32(&fe.rejectDeposits) != 0 {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"code":1850,"hint":"insufficient funds"}`)
		return
	}
	var req struct {
		CoinPub        crypto.PublicKey `json:"coin_pub"`
		HContractTerms crypto.Hash      `json:"h_contract_terms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fe.t.Error("malformed deposit request:", err)
	}
	h := crypto.HashAll(req.CoinPub[:], req.HContractTerms[:])
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "DEPOSIT_OK",
		"sig":    crypto.SignHash(h, fe.signKey),
		"pub":    fe.signKey.PublicKey(),
	})
}

func amt(t *testing.T, s string) types.Amount {
	a, err := types.ParseAmount(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// testBackend wires a full payment core against fake exchanges.
type testBackend struct {
	p     *Payments
	store *merchantdb.Store
	inst  *modules.Instance
}

func newBackend(t *testing.T, fes ...*fakeExchange) *testBackend {
	dir := t.TempDir()
	log, err := persist.NewLogger(filepath.Join(dir, "payments.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	var tokens []string
	var sections strings.Builder
	for i, fe := range fes {
		name := fmt.Sprintf("e%d", i)
		tokens = append(tokens, name)
		fmt.Fprintf(&sections, "[exchange-%s]\nbase_url = %q\nmaster_key = %q\n\n",
			name, fe.srv.URL, fe.masterPub.String())
	}
	cfg, err := config.Parse(fmt.Sprintf(`
[merchant]
currency = "EUR"
trusted_exchanges = %q

[instance-default]
name = "Kudos Inc."
keyfile = %q

[merchant-account-bank]
payto_uri = "payto://sepa/DE02100100109307118603"
wire_response = %q
honor_default = true

%s`,
		strings.Join(tokens, " "),
		filepath.Join(dir, "default.key"),
		filepath.Join(dir, "bank.json"),
		sections.String(),
	))
	if err != nil {
		t.Fatal(err)
	}

	registry, err := instance.New(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	trust, err := auditor.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	store, err := merchantdb.New(filepath.Join(dir, "merchant.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	pool, err := exchange.New(cfg, store, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })

	p, err := New(cfg, registry, trust, pool, store, log)
	if err != nil {
		t.Fatal(err)
	}
	inst, err := registry.LookupByID("")
	if err != nil {
		t.Fatal(err)
	}
	return &testBackend{p: p, store: store, inst: inst}
}

// propose signs a proposal and returns its order id and hash.
func (b *testBackend) propose(t *testing.T, order string) (string, crypto.Hash) {
	resp, rerr := b.p.HandleProposal(json.RawMessage(order))
	if rerr != nil {
		t.Fatal("proposal rejected:", rerr)
	}
	ct, err := types.ParseContractTerms(resp.Data)
	if err != nil {
		t.Fatal(err)
	}
	return ct.OrderID, resp.Hash
}

// coin builds a fresh coin paying contribution at the given exchange.
func coin(t *testing.T, fe *fakeExchange, contribution string) types.Coin {
	_, pub := crypto.GenerateKeyPair()
	return types.Coin{
		DenomPub:     "denom-1",
		Contribution: amt(t, contribution),
		ExchangeURL:  fe.srv.URL,
		CoinPub:      pub,
	}
}

// standardOrder renders an order of the given amount with the fee bounds
// most tests use.
func standardOrder(orderID, amount, maxFee, maxWireFee string, amortization int) string {
	return fmt.Sprintf(`{
		"order_id": %q,
		"amount": %q,
		"max_fee": %q,
		"max_wire_fee": %q,
		"wire_fee_amortization": %d,
		"fulfillment_url": "https://shop.example/article",
		"products": [{"description": "an article"}]
	}`, orderID, amount, maxFee, maxWireFee, amortization)
}

// TestPayHappyPath covers the single-exchange success scenario: two coins,
// deposits persisted, order marked paid, receipt and session binding signed.
func TestPayHappyPath(t *testing.T) {
	fe := newFakeExchange(t, "EUR:0.03")
	b := newBackend(t, fe)
	orderID, h := b.propose(t, standardOrder("order-1", "EUR:5", "EUR:0.1", "EUR:0.05", 1))

	req := &PayRequest{
		Mode:        PayModePay,
		Coins:       []types.Coin{coin(t, fe, "EUR:3"), coin(t, fe, "EUR:2")},
		OrderID:     orderID,
		MerchantPub: b.inst.Pub,
		SessionID:   "session-1",
	}
	resp, _, rerr := b.p.Pay(context.Background(), req)
	if rerr != nil {
		t.Fatal("payment rejected:", rerr)
	}
	if resp.HContractTerms != h {
		t.Error("receipt hashes a different contract")
	}
	if err := crypto.VerifyPurpose(crypto.PurposeMerchantPaymentOK, b.inst.Pub, resp.Sig, h[:]); err != nil {
		t.Error("payment receipt signature does not verify:", err)
	}
	if resp.SessionSig == nil {
		t.Fatal("session id present but no session signature")
	}
	ho := crypto.HashBytes([]byte(orderID))
	hs := crypto.HashBytes([]byte("session-1"))
	if err := crypto.VerifyPurpose(crypto.PurposeMerchantPaySession, b.inst.Pub, *resp.SessionSig, ho[:], hs[:]); err != nil {
		t.Error("session signature does not verify:", err)
	}

	recs, err := b.store.FindPayments(h, b.inst.Pub)
	if err != nil || len(recs) != 2 {
		t.Fatal("expected two deposit rows:", len(recs), err)
	}
	for _, rec := range recs {
		if len(rec.Proof) == 0 {
			t.Error("deposit persisted without its confirmation proof")
		}
	}
	if _, err := b.store.FindPaidContractTerms(h, b.inst.Pub); err != nil {
		t.Error("order not marked paid:", err)
	}
	if id, err := b.store.FindSessionInfo("session-1", "https://shop.example/article", b.inst.Pub); err != nil || id != orderID {
		t.Error("session binding missing:", id, err)
	}
}

// TestPayIdempotentReplay covers the replay scenario: a second /pay with the
// same coins succeeds with the same receipt and no new deposits.
func TestPayIdempotentReplay(t *testing.T) {
	fe := newFakeExchange(t, "EUR:0.03")
	b := newBackend(t, fe)
	orderID, _ := b.propose(t, standardOrder("order-1", "EUR:5", "EUR:0.1", "EUR:0.05", 1))

	req := &PayRequest{
		Mode:        PayModePay,
		Coins:       []types.Coin{coin(t, fe, "EUR:3"), coin(t, fe, "EUR:2")},
		OrderID:     orderID,
		MerchantPub: b.inst.Pub,
	}
	first, _, rerr := b.p.Pay(context.Background(), req)
	if rerr != nil {
		t.Fatal(rerr)
	}
	hits := atomic.LoadInt32(&fe.depositHits)

	second, _, rerr := b.p.Pay(context.Background(), req)
	if rerr != nil {
		t.Fatal("replay rejected:", rerr)
	}
	if second.HContractTerms != first.HContractTerms {
		t.Error("replay returned a different contract hash")
	}
	if second.Sig != first.Sig {
		t.Error("replay returned a different receipt signature")
	}
	if got := atomic.LoadInt32(&fe.depositHits); got != hits {
		t.Errorf("replay re-deposited coins: %d -> %d", hits, got)
	}
	recs, _ := b.store.FindPayments(first.HContractTerms, b.inst.Pub)
	if len(recs) != 2 {
		t.Error("replay created deposit rows:", len(recs))
	}
}

// TestPayAmortizedWireFees covers the multi-exchange scenario: wire fees
// 0.10 and 0.08 against max_wire_fee 0.05 amortized over 2 payments leave
// exactly 0.065 for the customer.
func TestPayAmortizedWireFees(t *testing.T) {
	feA := newFakeExchange(t, "EUR:0.10")
	feB := newFakeExchange(t, "EUR:0.08")
	b := newBackend(t, feA, feB)

	pay := func(orderID string, contribB string) *types.RequestError {
		id, _ := b.propose(t, standardOrder(orderID, "EUR:5", "EUR:0.02", "EUR:0.05", 2))
		_, _, rerr := b.p.Pay(context.Background(), &PayRequest{
			Mode:        PayModePay,
			Coins:       []types.Coin{coin(t, feA, "EUR:3"), coin(t, feB, contribB)},
			OrderID:     id,
			MerchantPub: b.inst.Pub,
		})
		return rerr
	}

	// amount + (0.10+0.08-0.05)/2 = 5.065 is the exact boundary.
	if rerr := pay("order-exact", "EUR:2.065"); rerr != nil {
		t.Fatal("exact boundary payment rejected:", rerr)
	}
	rerr := pay("order-short", "EUR:2.064")
	if rerr == nil {
		t.Fatal("underpayment of the wire-fee share accepted")
	}
	if rerr.Code != types.CodePaymentInsufficientDueToFees {
		t.Error("expected PAYMENT_INSUFFICIENT_DUE_TO_FEES, got", rerr.Code)
	}
}

// TestPayInsufficient checks that an underpayment is refused without a
// mark-paid, while the accepted deposits stay recorded.
func TestPayInsufficient(t *testing.T) {
	fe := newFakeExchange(t, "EUR:0.03")
	b := newBackend(t, fe)
	orderID, h := b.propose(t, standardOrder("order-1", "EUR:5", "EUR:0.1", "EUR:0.05", 1))

	_, _, rerr := b.p.Pay(context.Background(), &PayRequest{
		Mode:        PayModePay,
		Coins:       []types.Coin{coin(t, fe, "EUR:3")},
		OrderID:     orderID,
		MerchantPub: b.inst.Pub,
	})
	if rerr == nil || rerr.Code != types.CodePaymentInsufficient {
		t.Fatal("expected PAYMENT_INSUFFICIENT, got", rerr)
	}
	if _, err := b.store.FindPaidContractTerms(h, b.inst.Pub); err != modules.ErrAbsent {
		t.Error("underpaid order marked paid:", err)
	}
	// The accepted coin stays recorded and counts toward a later retry.
	recs, _ := b.store.FindPayments(h, b.inst.Pub)
	if len(recs) != 1 {
		t.Error("expected the accepted deposit to persist:", len(recs))
	}
}

// TestPayExchangeRejection checks that a rejected deposit is forwarded with
// the failing coin identified and nothing committed for it.
func TestPayExchangeRejection(t *testing.T) {
	fe := newFakeExchange(t, "EUR:0.03")
	b := newBackend(t, fe)
	orderID, h := b.propose(t, standardOrder("order-1", "EUR:5", "EUR:0.1", "EUR:0.05", 1))

	atomic.StoreInt32(&fe.rejectDeposits, 1)
	c := coin(t, fe, "EUR:5")
	_, _, rerr := b.p.Pay(context.Background(), &PayRequest{
		Mode:        PayModePay,
		Coins:       []types.Coin{c},
		OrderID:     orderID,
		MerchantPub: b.inst.Pub,
	})
	if rerr == nil || rerr.Code != types.CodeExchangeError {
		t.Fatal("expected EXCHANGE_ERROR, got", rerr)
	}
	if rerr.Details["coin_pub"] != c.CoinPub.String() {
		t.Error("failing coin not identified in the forwarded error")
	}
	if rerr.Details["exchange_code"] != "1850" {
		t.Error("exchange error code lost:", rerr.Details["exchange_code"])
	}
	recs, _ := b.store.FindPayments(h, b.inst.Pub)
	if len(recs) != 0 {
		t.Error("rejected deposit left rows behind:", len(recs))
	}
}

// TestPayValidation covers the RECEIVED-state shape checks.
func TestPayValidation(t *testing.T) {
	fe := newFakeExchange(t, "EUR:0.03")
	b := newBackend(t, fe)

	cases := []struct {
		name string
		req  PayRequest
		code types.ErrorCode
	}{
		{"no mode", PayRequest{Coins: []types.Coin{coin(t, fe, "EUR:1")}, OrderID: "x", MerchantPub: b.inst.Pub}, types.CodeParameterMissing},
		{"bad mode", PayRequest{Mode: "steal", Coins: []types.Coin{coin(t, fe, "EUR:1")}, OrderID: "x", MerchantPub: b.inst.Pub}, types.CodeParameterInvalid},
		{"no coins", PayRequest{Mode: PayModePay, OrderID: "x", MerchantPub: b.inst.Pub}, types.CodeParameterMissing},
		{"no order", PayRequest{Mode: PayModePay, Coins: []types.Coin{coin(t, fe, "EUR:1")}, MerchantPub: b.inst.Pub}, types.CodeParameterMissing},
		{"no pub", PayRequest{Mode: PayModePay, Coins: []types.Coin{coin(t, fe, "EUR:1")}, OrderID: "x"}, types.CodeParameterMissing},
	}
	for _, tc := range cases {
		_, _, rerr := b.p.Pay(context.Background(), &tc.req)
		if rerr == nil || rerr.Code != tc.code {
			t.Errorf("%s: expected %s, got %v", tc.name, tc.code, rerr)
		}
	}

	// Unknown order of a known instance.
	_, _, rerr := b.p.Pay(context.Background(), &PayRequest{
		Mode: PayModePay, Coins: []types.Coin{coin(t, fe, "EUR:1")},
		OrderID: "never-proposed", MerchantPub: b.inst.Pub,
	})
	if rerr == nil || rerr.Code != types.CodeOrderUnknown {
		t.Error("expected ORDER_UNKNOWN, got", rerr)
	}
}

// TestAbortRefund covers both abort scenarios: a not-yet-complete payment
// aborts into signed refund permissions; a complete one is refused.
func TestAbortRefund(t *testing.T) {
	fe := newFakeExchange(t, "EUR:0.03")
	b := newBackend(t, fe)
	orderID, h := b.propose(t, standardOrder("order-1", "EUR:5", "EUR:0.1", "EUR:0.05", 1))

	// Two coins deposited earlier, payment never completed.
	coins := []types.Coin{coin(t, fe, "EUR:0.50"), coin(t, fe, "EUR:0.50")}
	for _, c := range coins {
		err := b.store.StoreDeposit(b.inst.Pub, &types.PaidCoinRecord{
			HContractTerms: h,
			CoinPub:        c.CoinPub,
			ExchangeURL:    c.ExchangeURL,
			AmountWithFee:  c.Contribution,
			DepositFee:     amt(t, "EUR:0.01"),
			RefundFee:      amt(t, "EUR:0.01"),
			WireFee:        amt(t, "EUR:0.03"),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	_, abort, rerr := b.p.Pay(context.Background(), &PayRequest{
		Mode:        PayModeAbortRefund,
		Coins:       coins,
		OrderID:     orderID,
		MerchantPub: b.inst.Pub,
	})
	if rerr != nil {
		t.Fatal("abort rejected:", rerr)
	}
	if len(abort.RefundPermissions) != 2 {
		t.Fatal("expected a permission per coin:", len(abort.RefundPermissions))
	}
	var sum types.Amount
	for _, perm := range abort.RefundPermissions {
		var rtid [8]byte
		binary.BigEndian.PutUint64(rtid[:], perm.RTransactionID)
		err := crypto.VerifyPurpose(crypto.PurposeMerchantRefund, b.inst.Pub, perm.MerchantSig,
			perm.HContractTerms[:], perm.CoinPub[:], rtid[:],
			[]byte(perm.RefundAmount.String()), []byte(perm.RefundFee.String()))
		if err != nil {
			t.Error("refund permission signature does not verify:", err)
		}
		var aerr error
		if sum, aerr = sum.Add(perm.RefundAmount); aerr != nil {
			t.Fatal(aerr)
		}
	}
	if !sum.Equals(amt(t, "EUR:1")) {
		t.Error("refund permissions do not cover the deposited total:", sum)
	}

	// A completed payment refuses to abort.
	orderID2, h2 := b.propose(t, standardOrder("order-2", "EUR:5", "EUR:0.1", "EUR:0.05", 1))
	payCoins := []types.Coin{coin(t, fe, "EUR:5")}
	if _, _, rerr := b.p.Pay(context.Background(), &PayRequest{
		Mode: PayModePay, Coins: payCoins, OrderID: orderID2, MerchantPub: b.inst.Pub,
	}); rerr != nil {
		t.Fatal(rerr)
	}
	_, _, rerr = b.p.Pay(context.Background(), &PayRequest{
		Mode: PayModeAbortRefund, Coins: payCoins, OrderID: orderID2, MerchantPub: b.inst.Pub,
	})
	if rerr == nil || rerr.Code != types.CodeAbortRefusedPaymentComplete {
		t.Fatal("expected ABORT_REFUSED_PAYMENT_COMPLETE, got", rerr)
	}
	refunds, _ := b.store.GetRefunds(b.inst.Pub, h2)
	if len(refunds) != 0 {
		t.Error("refused abort still wrote refunds:", len(refunds))
	}
}
