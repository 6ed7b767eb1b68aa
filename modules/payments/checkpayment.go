package payments

import (
	"encoding/json"
	"net/http"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// A CheckPaymentResult answers a frontend's "has this order been paid"
// question. For unpaid orders the transport layer derives the payment URI
// from the request's host headers; the core supplies the rest.
type CheckPaymentResult struct {
	Paid               bool
	ContractTerms      json.RawMessage
	Refunded           bool
	RefundAmount       types.Amount
	OrderID            string
	InstanceID         string
	FulfillmentURL     string
	AlreadyPaidOrderID string
}

// CheckPayment reports the payment state of an order. When the order is
// unpaid and a session id is given, the session binding is consulted so the
// frontend can short-circuit repeat visits that already paid for the same
// fulfillment URL under a different order id.
func (p *Payments) CheckPayment(orderID, instanceID, sessionID string) (*CheckPaymentResult, *types.RequestError) {
	inst, err := p.registry.LookupByID(instanceID)
	if err != nil {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeInstanceUnknown, "instance unknown")
	}
	if orderID == "" {
		return nil, missingField("order_id")
	}

	contract, _, err := p.store.FindContractTerms(orderID, inst.Pub)
	if err == modules.ErrAbsent {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeOrderUnknown,
			"no order under this id")
	}
	if err != nil {
		return nil, p.dbError(types.CodeDBHardError, err)
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

	result := &CheckPaymentResult{
		OrderID:        orderID,
		InstanceID:     inst.ID,
		FulfillmentURL: ct.FulfillmentURL,
	}

	_, err = p.store.FindPaidContractTerms(h, inst.Pub)
	switch {
	case err == nil:
		result.Paid = true
		result.ContractTerms = contract
		refunded, rerr := p.refundedTotalHard(inst, h)
		if rerr != nil {
			return nil, rerr
		}
		result.Refunded = !refunded.IsZero()
		result.RefundAmount = refunded
		return result, nil
	case err != modules.ErrAbsent:
		return nil, p.dbError(types.CodeDBHardError, err)
	}

	// Unpaid. A session that already bought this content under another
	// order id gets pointed there instead of paying twice.
	if sessionID != "" && ct.FulfillmentURL != "" {
		paidOrderID, err := p.store.FindSessionInfo(sessionID, ct.FulfillmentURL, inst.Pub)
		if err == nil {
			result.AlreadyPaidOrderID = paidOrderID
		} else if err != modules.ErrAbsent {
			return nil, p.dbError(types.CodeDBHardError, err)
		}
	}
	return result, nil
}

// refundedTotalHard is refundedTotal with store errors treated as hard;
// used outside retryable transactions.
func (p *Payments) refundedTotalHard(inst *modules.Instance, h crypto.Hash) (types.Amount, *types.RequestError) {
	total, err := p.refundedTotal(inst, h)
	if err != nil {
		if re, ok := err.(*types.RequestError); ok {
			return types.Amount{}, re
		}
		return types.Amount{}, p.dbError(types.CodeDBHardError, err)
	}
	return total, nil
}
