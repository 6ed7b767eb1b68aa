package merchantdb

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// newTestStore opens a store in the test's temp dir.
func newTestStore(t *testing.T) *Store {
	s, err := New(filepath.Join(t.TempDir(), "merchant.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// amt is a test helper that parses an amount or dies.
func amt(t *testing.T, s string) types.Amount {
	a, err := types.ParseAmount(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// testContract renders a minimal contract for orderID.
func testContract(orderID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"order_id":%q,"amount":"EUR:5","fulfillment_url":"https://shop.example/article"}`, orderID))
}

// TestContractLifecycle checks proposal insert, lookups, mark-paid and the
// session binding.
func TestContractLifecycle(t *testing.T) {
	s := newTestStore(t)
	_, merchantPub := crypto.GenerateKeyPair()

	contract := testContract("order-1")
	if err := s.InsertProposalData("order-1", merchantPub, contract); err != nil {
		t.Fatal(err)
	}
	h, err := types.HashContractTerms(contract)
	if err != nil {
		t.Fatal(err)
	}

	got, session, err := s.FindContractTerms("order-1", merchantPub)
	if err != nil || session != "" {
		t.Fatal("find after insert failed:", err, session)
	}
	if string(got) != string(contract) {
		t.Error("contract bytes changed")
	}
	if _, _, err := s.FindContractTerms("order-2", merchantPub); err != modules.ErrAbsent {
		t.Error("expected ErrAbsent for unknown order, got", err)
	}

	// Unpaid orders are invisible to the paid-terms lookup.
	if _, err := s.FindPaidContractTerms(h, merchantPub); err != modules.ErrAbsent {
		t.Error("unpaid contract visible as paid:", err)
	}

	if err := s.MarkProposalPaid(h, merchantPub, "session-7"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindPaidContractTerms(h, merchantPub); err != nil {
		t.Error("paid contract not found:", err)
	}

	// At most one mark-paid commits.
	if err := s.MarkProposalPaid(h, merchantPub, "session-8"); err != modules.ErrAlreadyPaid {
		t.Error("expected ErrAlreadyPaid, got", err)
	}

	// The session binding answers repeat-visit checks.
	orderID, err := s.FindSessionInfo("session-7", "https://shop.example/article", merchantPub)
	if err != nil || orderID != "order-1" {
		t.Error("session lookup failed:", orderID, err)
	}
	if _, err := s.FindSessionInfo("session-7", "https://other.example/", merchantPub); err != modules.ErrAbsent {
		t.Error("session bound to the wrong url:", err)
	}

	if id, err := s.FindOrderByContractHash(h, merchantPub); err != nil || id != "order-1" {
		t.Error("hash index lookup failed:", id, err)
	}
}

// TestDeposits checks deposit storage and the uniqueness invariant.
func TestDeposits(t *testing.T) {
	s := newTestStore(t)
	_, merchantPub := crypto.GenerateKeyPair()
	h := crypto.HashBytes([]byte("contract"))
	_, coin1 := crypto.GenerateKeyPair()
	_, coin2 := crypto.GenerateKeyPair()

	rec := &types.PaidCoinRecord{
		HContractTerms: h,
		CoinPub:        coin1,
		ExchangeURL:    "https://exchange.example/",
		AmountWithFee:  amt(t, "EUR:3"),
		DepositFee:     amt(t, "EUR:0.01"),
		RefundFee:      amt(t, "EUR:0.01"),
		WireFee:        amt(t, "EUR:0.03"),
		Proof:          json.RawMessage(`{"sig":"x"}`),
	}
	if err := s.StoreDeposit(merchantPub, rec); err != nil {
		t.Fatal(err)
	}

	// No two rows may share (h_contract_terms, coin_pub).
	if err := s.StoreDeposit(merchantPub, rec); err != modules.ErrDepositExists {
		t.Error("expected ErrDepositExists, got", err)
	}

	rec2 := *rec
	rec2.CoinPub = coin2
	rec2.AmountWithFee = amt(t, "EUR:2")
	if err := s.StoreDeposit(merchantPub, &rec2); err != nil {
		t.Fatal(err)
	}

	recs, err := s.FindPayments(h, merchantPub)
	if err != nil || len(recs) != 2 {
		t.Fatal("expected two deposits:", len(recs), err)
	}
	one, err := s.FindPaymentsByCoin(h, merchantPub, coin1)
	if err != nil || !one.AmountWithFee.Equals(amt(t, "EUR:3")) {
		t.Error("per-coin lookup failed:", err)
	}
	if _, err := s.FindPaymentsByCoin(crypto.HashBytes([]byte("other")), merchantPub, coin1); err != modules.ErrAbsent {
		t.Error("expected ErrAbsent, got", err)
	}
}

// TestRefunds checks the refund-increase semantics and the bound on the
// deposited total.
func TestRefunds(t *testing.T) {
	s := newTestStore(t)
	_, merchantPub := crypto.GenerateKeyPair()
	h := crypto.HashBytes([]byte("contract"))
	_, coin1 := crypto.GenerateKeyPair()
	_, coin2 := crypto.GenerateKeyPair()

	for i, coin := range []crypto.PublicKey{coin1, coin2} {
		err := s.StoreDeposit(merchantPub, &types.PaidCoinRecord{
			HContractTerms: h,
			CoinPub:        coin,
			AmountWithFee:  amt(t, "EUR:0.50"),
			DepositFee:     amt(t, "EUR:0.01"),
			RefundFee:      amt(t, "EUR:0.01"),
			WireFee:        amt(t, "EUR:0.01"),
		})
		if err != nil {
			t.Fatal(i, err)
		}
	}

	// Refund the full deposited total of 1.00.
	if err := s.IncreaseRefund(h, merchantPub, amt(t, "EUR:1"), "aborted"); err != nil {
		t.Fatal(err)
	}
	refunds, err := s.GetRefunds(merchantPub, h)
	if err != nil || len(refunds) != 2 {
		t.Fatal("expected a refund per coin:", len(refunds), err)
	}
	var sum types.Amount
	for _, r := range refunds {
		sum, err = sum.Add(r.RefundAmount)
		if err != nil {
			t.Fatal(err)
		}
	}
	if !sum.Equals(amt(t, "EUR:1")) {
		t.Error("refunds do not sum to the requested total:", sum)
	}

	// Increasing to the same amount is idempotent.
	if err := s.IncreaseRefund(h, merchantPub, amt(t, "EUR:1"), "again"); err != nil {
		t.Fatal(err)
	}
	refunds, _ = s.GetRefunds(merchantPub, h)
	if len(refunds) != 2 {
		t.Error("idempotent increase created rows:", len(refunds))
	}

	// Σ refunds may never exceed Σ amounts_with_fee.
	if err := s.IncreaseRefund(h, merchantPub, amt(t, "EUR:1.01"), "too much"); err != modules.ErrRefundExceedsPayment {
		t.Error("expected ErrRefundExceedsPayment, got", err)
	}

	// Refunds for a contract without deposits are absent.
	if err := s.IncreaseRefund(crypto.HashBytes([]byte("none")), merchantPub, amt(t, "EUR:1"), "x"); err != modules.ErrAbsent {
		t.Error("expected ErrAbsent, got", err)
	}
}

// TestWireFees checks fee window storage and time-based lookup.
func TestWireFees(t *testing.T) {
	s := newTestStore(t)
	_, masterPub := crypto.GenerateKeyPair()

	fee := &types.WireFee{
		WireFee:    amt(t, "EUR:0.03"),
		ClosingFee: amt(t, "EUR:0.01"),
		StartDate:  1000,
		EndDate:    2000,
	}
	if err := s.StoreWireFee(masterPub, "sepa", fee); err != nil {
		t.Fatal(err)
	}

	got, err := s.LookupWireFee(masterPub, "sepa", 1500)
	if err != nil || !got.WireFee.Equals(fee.WireFee) {
		t.Fatal("fee lookup failed:", err)
	}
	// The window start is inclusive, the end exclusive.
	if _, err := s.LookupWireFee(masterPub, "sepa", 2000); err != modules.ErrAbsent {
		t.Error("lookup past the window end succeeded:", err)
	}
	if _, err := s.LookupWireFee(masterPub, "x-taler-bank", 1500); err != modules.ErrAbsent {
		t.Error("lookup for another method succeeded:", err)
	}
}

// TestTransferProofs checks proof storage, lookup and the coin links.
func TestTransferProofs(t *testing.T) {
	s := newTestStore(t)
	_, exchangePub := crypto.GenerateKeyPair()
	_, coinPub := crypto.GenerateKeyPair()
	h := crypto.HashBytes([]byte("contract"))
	var wtid crypto.Hash
	copy(wtid[:], []byte("wire transfer id goes here......"))

	proof := json.RawMessage(`{"total":"EUR:4.97","deposits":[]}`)
	if err := s.StoreTransferProof("https://exchange.example/", wtid, 1234, exchangePub, proof); err != nil {
		t.Fatal(err)
	}
	got, pub, err := s.FindProofByWtid("https://exchange.example/", wtid)
	if err != nil || pub != exchangePub {
		t.Fatal("proof lookup failed:", err)
	}
	if string(got) != string(proof) {
		t.Error("proof bytes changed")
	}
	if _, _, err := s.FindProofByWtid("https://other.example/", wtid); err != modules.ErrAbsent {
		t.Error("expected ErrAbsent for unknown exchange, got", err)
	}

	if err := s.StoreCoinToTransfer(h, coinPub, wtid); err != nil {
		t.Fatal(err)
	}
	back, err := s.FindTransferByCoin(h, coinPub)
	if err != nil || back != wtid {
		t.Error("coin-to-transfer link broken:", err)
	}
}
