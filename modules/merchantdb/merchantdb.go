// Package merchantdb implements the merchant's database surface on top of
// bolt. Keys are raw identifiers (contract hashes, coin public keys); values
// are JSON. Bolt serializes writers, so the soft-error path of the Store
// contract is only exercised by lock timeouts; callers still route every
// transaction through modules.RetrySoft so that a concurrent SQL backend
// can be dropped in without touching them.
package merchantdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"gitlab.com/NebulousLabs/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/persist"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

var (
	bucketContracts      = []byte("ContractTerms")
	bucketContractIndex  = []byte("ContractHashIndex")
	bucketDeposits       = []byte("Deposits")
	bucketRefunds        = []byte("Refunds")
	bucketWireFees       = []byte("WireFees")
	bucketTransferProofs = []byte("TransferProofs")
	bucketCoinTransfers  = []byte("CoinTransfers")
	bucketSessions       = []byte("Sessions")

	dbMetadata = persist.Metadata{
		Header:  "Merchant Database",
		Version: "0.4.0",
	}
)

// A Store is the bolt-backed implementation of modules.Store.
type Store struct {
	db *persist.BoltDatabase
}

// contractRecord is the persisted state of one proposed order.
type contractRecord struct {
	OrderID       string          `json:"order_id"`
	Contract      json.RawMessage `json:"contract"`
	HContract     crypto.Hash     `json:"h_contract"`
	Paid          bool            `json:"paid"`
	LastSessionID string          `json:"last_session_id,omitempty"`
}

// proofRecord is the persisted state of one transfer proof.
type proofRecord struct {
	ExecutionTime types.Timestamp  `json:"execution_time"`
	ExchangePub   crypto.PublicKey `json:"exchange_pub"`
	Proof         json.RawMessage  `json:"proof"`
}

// New opens (creating if necessary) the merchant database.
func New(filename string) (*Store, error) {
	db, err := persist.OpenDatabase(dbMetadata, filename)
	if err != nil {
		return nil, errors.AddContext(err, "unable to open merchant database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketContracts, bucketContractIndex, bucketDeposits,
			bucketRefunds, bucketWireFees, bucketTransferProofs,
			bucketCoinTransfers, bucketSessions,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// contractKey keys the contract bucket by hashed order id and instance key.
func contractKey(orderID string, merchantPub crypto.PublicKey) []byte {
	h := crypto.HashBytes([]byte(orderID))
	return append(h[:], merchantPub[:]...)
}

// pairKey keys per-coin buckets by contract hash and coin key.
func pairKey(h crypto.Hash, coinPub crypto.PublicKey) []byte {
	return append(h[:], coinPub[:]...)
}

// InsertProposalData persists completed contract terms.
func (s *Store) InsertProposalData(orderID string, merchantPub crypto.PublicKey, contract json.RawMessage) error {
	hContract, err := types.HashContractTerms(contract)
	if err != nil {
		return err
	}
	rec := contractRecord{
		OrderID:   orderID,
		Contract:  contract,
		HContract: hContract,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketContracts).Put(contractKey(orderID, merchantPub), val); err != nil {
			return err
		}
		return tx.Bucket(bucketContractIndex).Put(pairKey(hContract, merchantPub), []byte(orderID))
	})
}

// getContract loads a contract record inside a transaction.
func getContract(tx *bolt.Tx, orderID string, merchantPub crypto.PublicKey) (*contractRecord, error) {
	val := tx.Bucket(bucketContracts).Get(contractKey(orderID, merchantPub))
	if val == nil {
		return nil, modules.ErrAbsent
	}
	var rec contractRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindContractTerms loads contract terms by order id.
func (s *Store) FindContractTerms(orderID string, merchantPub crypto.PublicKey) (contract json.RawMessage, lastSessionID string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		rec, err := getContract(tx, orderID, merchantPub)
		if err != nil {
			return err
		}
		contract = rec.Contract
		lastSessionID = rec.LastSessionID
		return nil
	})
	return
}

// FindOrderByContractHash resolves a contract hash to its order id.
func (s *Store) FindOrderByContractHash(h crypto.Hash, merchantPub crypto.PublicKey) (orderID string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketContractIndex).Get(pairKey(h, merchantPub))
		if val == nil {
			return modules.ErrAbsent
		}
		orderID = string(val)
		return nil
	})
	return
}

// FindPaidContractTerms loads contract terms by hash if the order is paid.
func (s *Store) FindPaidContractTerms(h crypto.Hash, merchantPub crypto.PublicKey) (contract json.RawMessage, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketContractIndex).Get(pairKey(h, merchantPub))
		if val == nil {
			return modules.ErrAbsent
		}
		rec, err := getContract(tx, string(val), merchantPub)
		if err != nil {
			return err
		}
		if !rec.Paid {
			return modules.ErrAbsent
		}
		contract = rec.Contract
		return nil
	})
	return
}

// MarkProposalPaid marks the order of the given contract hash paid and
// records the session binding. The mark commits at most once per order.
func (s *Store) MarkProposalPaid(h crypto.Hash, merchantPub crypto.PublicKey, sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketContractIndex).Get(pairKey(h, merchantPub))
		if val == nil {
			return modules.ErrAbsent
		}
		orderID := string(val)
		rec, err := getContract(tx, orderID, merchantPub)
		if err != nil {
			return err
		}
		if rec.Paid {
			return modules.ErrAlreadyPaid
		}
		rec.Paid = true
		rec.LastSessionID = sessionID
		recVal, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketContracts).Put(contractKey(orderID, merchantPub), recVal); err != nil {
			return err
		}
		if sessionID == "" {
			return nil
		}
		ct, err := types.ParseContractTerms(rec.Contract)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put(sessionKey(sessionID, ct.FulfillmentURL, merchantPub), []byte(orderID))
	})
}

// sessionKey keys the session bucket.
func sessionKey(sessionID, fulfillmentURL string, merchantPub crypto.PublicKey) []byte {
	hs := crypto.HashBytes([]byte(sessionID))
	hf := crypto.HashBytes([]byte(fulfillmentURL))
	key := append(hs[:], hf[:]...)
	return append(key, merchantPub[:]...)
}

// FindSessionInfo answers whether a session already paid for a fulfillment
// URL, returning the order id.
func (s *Store) FindSessionInfo(sessionID, fulfillmentURL string, merchantPub crypto.PublicKey) (orderID string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketSessions).Get(sessionKey(sessionID, fulfillmentURL, merchantPub))
		if val == nil {
			return modules.ErrAbsent
		}
		orderID = string(val)
		return nil
	})
	return
}

// StoreDeposit persists one accepted deposit, refusing duplicates.
func (s *Store) StoreDeposit(merchantPub crypto.PublicKey, rec *types.PaidCoinRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeposits)
		key := pairKey(rec.HContractTerms, rec.CoinPub)
		if b.Get(key) != nil {
			return modules.ErrDepositExists
		}
		return b.Put(key, val)
	})
}

// FindPayments returns all deposit records of a contract.
func (s *Store) FindPayments(h crypto.Hash, merchantPub crypto.PublicKey) (recs []types.PaidCoinRecord, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeposits).Cursor()
		for k, v := c.Seek(h[:]); k != nil && bytes.HasPrefix(k, h[:]); k, v = c.Next() {
			var rec types.PaidCoinRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return
}

// FindPaymentsByCoin returns the deposit record of one coin of a contract.
func (s *Store) FindPaymentsByCoin(h crypto.Hash, merchantPub crypto.PublicKey, coinPub crypto.PublicKey) (rec *types.PaidCoinRecord, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketDeposits).Get(pairKey(h, coinPub))
		if val == nil {
			return modules.ErrAbsent
		}
		rec = new(types.PaidCoinRecord)
		return json.Unmarshal(val, rec)
	})
	return
}

// refundKey keys the refund bucket by contract, coin and refund
// transaction id.
func refundKey(h crypto.Hash, coinPub crypto.PublicKey, rtid uint64) []byte {
	key := pairKey(h, coinPub)
	var tail [8]byte
	binary.BigEndian.PutUint64(tail[:], rtid)
	return append(key, tail[:]...)
}

// GetRefunds returns all refunds granted against a contract.
func (s *Store) GetRefunds(merchantPub crypto.PublicKey, h crypto.Hash) (refunds []types.Refund, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRefunds).Cursor()
		for k, v := c.Seek(h[:]); k != nil && bytes.HasPrefix(k, h[:]); k, v = c.Next() {
			var r types.Refund
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			refunds = append(refunds, r)
		}
		return nil
	})
	return
}

// IncreaseRefund raises the refunded total of a contract to amount. The
// increase is distributed over the contract's coins in deposit order, each
// coin refunding at most what it deposited.
func (s *Store) IncreaseRefund(h crypto.Hash, merchantPub crypto.PublicKey, amount types.Amount, reason string) error {
	deposits, err := s.FindPayments(h, merchantPub)
	if err != nil {
		return err
	}
	if len(deposits) == 0 {
		return modules.ErrAbsent
	}
	existing, err := s.GetRefunds(merchantPub, h)
	if err != nil {
		return err
	}

	// How much is already refunded, per coin and in total.
	perCoin := make(map[crypto.PublicKey]types.Amount)
	nextRtid := make(map[crypto.PublicKey]uint64)
	var refunded types.Amount
	for _, r := range existing {
		refunded, err = refunded.Add(r.RefundAmount)
		if err != nil {
			return err
		}
		sum, err := perCoin[r.CoinPub].Add(r.RefundAmount)
		if err != nil {
			return err
		}
		perCoin[r.CoinPub] = sum
		if r.RTransactionID >= nextRtid[r.CoinPub] {
			nextRtid[r.CoinPub] = r.RTransactionID + 1
		}
	}

	var total types.Amount
	for _, d := range deposits {
		total, err = total.Add(d.AmountWithFee)
		if err != nil {
			return err
		}
	}
	if cmp, err := amount.Cmp(total); err != nil {
		return err
	} else if cmp > 0 {
		return modules.ErrRefundExceedsPayment
	}
	delta, err := amount.SubOrZero(refunded)
	if err != nil {
		return err
	}
	if delta.IsZero() {
		// Already refunded at least this much; idempotent.
		return nil
	}

	// Distribute the increase over the coins.
	var newRefunds []types.Refund
	for _, d := range deposits {
		if delta.IsZero() {
			break
		}
		capacity, err := d.AmountWithFee.SubOrZero(perCoin[d.CoinPub])
		if err != nil {
			return err
		}
		if capacity.IsZero() {
			continue
		}
		share := capacity
		if cmp, err := delta.Cmp(capacity); err != nil {
			return err
		} else if cmp < 0 {
			share = delta
		}
		rtid := nextRtid[d.CoinPub]
		if rtid == 0 {
			rtid = 1
		}
		newRefunds = append(newRefunds, types.Refund{
			HContractTerms: h,
			CoinPub:        d.CoinPub,
			RTransactionID: rtid,
			RefundAmount:   share,
			RefundFee:      d.RefundFee,
			Reason:         reason,
		})
		delta, err = delta.Sub(share)
		if err != nil {
			return err
		}
	}
	if !delta.IsZero() {
		return modules.ErrRefundExceedsPayment
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRefunds)
		for _, r := range newRefunds {
			val, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := b.Put(refundKey(h, r.CoinPub, r.RTransactionID), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// wireFeeKey keys the fee bucket by master key, hashed method name, and
// window start.
func wireFeeKey(masterPub crypto.PublicKey, wireMethod string, start types.Timestamp) []byte {
	hm := crypto.HashBytes([]byte(wireMethod))
	key := append(masterPub[:], hm[:]...)
	var tail [8]byte
	binary.BigEndian.PutUint64(tail[:], uint64(start))
	return append(key, tail[:]...)
}

// StoreWireFee records one signed fee window of an exchange.
func (s *Store) StoreWireFee(masterPub crypto.PublicKey, wireMethod string, fee *types.WireFee) error {
	val, err := json.Marshal(fee)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWireFees).Put(wireFeeKey(masterPub, wireMethod, fee.StartDate), val)
	})
}

// LookupWireFee returns the fee window covering the execution time.
func (s *Store) LookupWireFee(masterPub crypto.PublicKey, wireMethod string, at types.Timestamp) (fee *types.WireFee, err error) {
	hm := crypto.HashBytes([]byte(wireMethod))
	prefix := append(masterPub[:], hm[:]...)
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketWireFees).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var w types.WireFee
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if !at.Before(w.StartDate) && at.Before(w.EndDate) {
				fee = &w
				return nil
			}
		}
		return modules.ErrAbsent
	})
	return
}

// proofKey keys the transfer-proof bucket by hashed exchange URL and wtid.
func proofKey(exchangeURL string, wtid crypto.Hash) []byte {
	hu := crypto.HashBytes([]byte(exchangeURL))
	return append(hu[:], wtid[:]...)
}

// StoreTransferProof persists an exchange's signed /transfer response.
func (s *Store) StoreTransferProof(exchangeURL string, wtid crypto.Hash, executionTime types.Timestamp, exchangePub crypto.PublicKey, proof json.RawMessage) error {
	val, err := json.Marshal(proofRecord{
		ExecutionTime: executionTime,
		ExchangePub:   exchangePub,
		Proof:         proof,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransferProofs).Put(proofKey(exchangeURL, wtid), val)
	})
}

// FindProofByWtid returns a previously stored transfer proof.
func (s *Store) FindProofByWtid(exchangeURL string, wtid crypto.Hash) (proof json.RawMessage, exchangePub crypto.PublicKey, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketTransferProofs).Get(proofKey(exchangeURL, wtid))
		if val == nil {
			return modules.ErrAbsent
		}
		var rec proofRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		proof = rec.Proof
		exchangePub = rec.ExchangePub
		return nil
	})
	return
}

// StoreCoinToTransfer links a deposited coin to its wire transfer. The
// proof for the wtid must already be stored; the link is meaningless
// without it.
func (s *Store) StoreCoinToTransfer(h crypto.Hash, coinPub crypto.PublicKey, wtid crypto.Hash) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCoinTransfers).Put(pairKey(h, coinPub), wtid[:])
	})
}

// FindTransferByCoin returns the wtid a deposited coin was paid under.
func (s *Store) FindTransferByCoin(h crypto.Hash, coinPub crypto.PublicKey) (wtid crypto.Hash, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketCoinTransfers).Get(pairKey(h, coinPub))
		if val == nil {
			return modules.ErrAbsent
		}
		copy(wtid[:], val)
		return nil
	})
	return
}
