package crypto

// purpose.go frames signed payloads with a numeric purpose before hashing,
// so a signature made for one protocol message can never be replayed as
// another. The frame is (purpose, size, payload), all integers big-endian.

import (
	"encoding/binary"
)

// SigPurpose states what a signature covers.
type SigPurpose uint32

const (
	// PurposeMerchantContract covers the hash of completed contract terms.
	PurposeMerchantContract SigPurpose = 1101
	// PurposeMerchantRefund covers a single refund permission.
	PurposeMerchantRefund SigPurpose = 1102
	// PurposeMerchantPaymentOK covers a payment-complete receipt.
	PurposeMerchantPaymentOK SigPurpose = 1104
	// PurposeMerchantPaySession binds a payment to a browser session.
	PurposeMerchantPaySession SigPurpose = 1106
)

// HashPurpose frames the payload with its purpose and hashes the result.
func HashPurpose(purpose SigPurpose, payload ...[]byte) Hash {
	var size int
	for _, p := range payload {
		size += len(p)
	}
	frame := make([]byte, 8, 8+size)
	binary.BigEndian.PutUint32(frame[0:4], uint32(purpose))
	binary.BigEndian.PutUint32(frame[4:8], uint32(8+size))
	for _, p := range payload {
		frame = append(frame, p...)
	}
	return HashBytes(frame)
}

// SignPurpose signs the purpose-framed payload.
func SignPurpose(purpose SigPurpose, sk SecretKey, payload ...[]byte) Signature {
	return SignHash(HashPurpose(purpose, payload...), sk)
}

// VerifyPurpose verifies a signature over a purpose-framed payload.
func VerifyPurpose(purpose SigPurpose, pk PublicKey, sig Signature, payload ...[]byte) error {
	return VerifyHash(HashPurpose(purpose, payload...), pk, sig)
}
