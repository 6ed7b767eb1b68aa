package payments

import (
	"net/http"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// A RefundResponse lists the signed refund permissions of an order after a
// refund authorization or lookup.
type RefundResponse struct {
	HContractTerms    crypto.Hash              `json:"h_contract_terms"`
	MerchantPub       crypto.PublicKey         `json:"merchant_pub"`
	RefundPermissions []types.RefundPermission `json:"refund_permissions"`
}

// AuthorizeRefund raises the refunded total of an order to refund and signs
// the resulting per-coin permissions. The total is bounded by what was
// deposited; raising to at most the current total is a no-op, which makes
// the operation idempotent.
func (p *Payments) AuthorizeRefund(orderID, instanceID string, refund types.Amount, reason string) (*RefundResponse, *types.RequestError) {
	inst, err := p.registry.LookupByID(instanceID)
	if err != nil {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeInstanceUnknown, "instance unknown")
	}
	h, rerr := p.contractHashOfOrder(orderID, inst)
	if rerr != nil {
		return nil, rerr
	}

	err = modules.RetrySoft(func() error {
		return p.store.IncreaseRefund(h, inst.Pub, refund, reason)
	})
	switch {
	case err == modules.ErrRefundExceedsPayment:
		return nil, types.NewRequestError(http.StatusForbidden, types.CodeRefundExceedsPayment,
			"refund exceeds the deposited total")
	case err == modules.ErrAbsent:
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeOrderUnknown,
			"order has no recorded payments to refund")
	case err != nil:
		return nil, p.dbError(types.CodeDBHardError, err)
	}
	return p.refundResponse(inst, h)
}

// LookupRefunds returns the signed refund permissions of an order.
func (p *Payments) LookupRefunds(orderID, instanceID string) (*RefundResponse, *types.RequestError) {
	inst, err := p.registry.LookupByID(instanceID)
	if err != nil {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeInstanceUnknown, "instance unknown")
	}
	h, rerr := p.contractHashOfOrder(orderID, inst)
	if rerr != nil {
		return nil, rerr
	}
	return p.refundResponse(inst, h)
}

func (p *Payments) refundResponse(inst *modules.Instance, h crypto.Hash) (*RefundResponse, *types.RequestError) {
	perms, err := p.signedRefundPermissions(inst, h)
	if err != nil {
		return nil, p.dbError(types.CodeDBHardError, err)
	}
	return &RefundResponse{
		HContractTerms:    h,
		MerchantPub:       inst.Pub,
		RefundPermissions: perms,
	}, nil
}

// contractHashOfOrder loads an order's contract and returns its hash.
func (p *Payments) contractHashOfOrder(orderID string, inst *modules.Instance) (crypto.Hash, *types.RequestError) {
	if orderID == "" {
		return crypto.Hash{}, missingField("order_id")
	}
	contract, _, err := p.store.FindContractTerms(orderID, inst.Pub)
	if err == modules.ErrAbsent {
		return crypto.Hash{}, types.NewRequestError(http.StatusNotFound, types.CodeOrderUnknown,
			"no order under this id")
	}
	if err != nil {
		return crypto.Hash{}, p.dbError(types.CodeDBHardError, err)
	}
	h, err := types.HashContractTerms(contract)
	if err != nil {
		return crypto.Hash{}, types.NewRequestError(http.StatusInternalServerError, types.CodeHashFailure, err.Error())
	}
	return h, nil
}
