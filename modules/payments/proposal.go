package payments

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// A ProposalResponse is what the frontend relays to the wallet: the
// completed contract terms, the MERCHANT_CONTRACT signature, and the hash
// the signature covers.
type ProposalResponse struct {
	Data        json.RawMessage  `json:"data"`
	MerchantSig crypto.Signature `json:"merchant_sig"`
	Hash        crypto.Hash      `json:"hash"`
}

// HandleProposal turns a merchant-supplied order into signed contract terms:
// validate, resolve the instance, augment with the trust anchors and the
// wire hash, hash canonically, sign, persist. The signature is only returned
// after the insert committed; a database rejection leaves no side effects.
func (p *Payments) HandleProposal(order json.RawMessage) (*ProposalResponse, *types.RequestError) {
	dec := json.NewDecoder(bytes.NewReader(order))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, types.NewRequestError(http.StatusBadRequest, types.CodeParameterMalformed,
			"order is not a JSON object")
	}

	if _, ok := fields["amount"]; !ok {
		return nil, missingField("amount")
	}
	if err := validateProducts(fields["products"]); err != nil {
		return nil, err
	}

	inst, rerr := p.resolveOrderInstance(fields)
	if rerr != nil {
		return nil, rerr
	}

	orderID := stringField(fields, "order_id")
	if orderID == "" {
		orderID = stringField(fields, "transaction_id")
	}
	if orderID == "" {
		orderID = uuid.New().String()
	}
	fields["order_id"] = orderID
	delete(fields, "transaction_id")

	p.applyOrderDefaults(fields)

	// Augmentation: the completed contract commits to the merchant's trust
	// anchors and payout account.
	fields["exchanges"] = json.RawMessage(p.pool.TrustedExchangesJSON())
	fields["auditors"] = json.RawMessage(p.trust.AuditorsJSON())
	fields["H_wire"] = inst.ActiveWireMethod().Hash.String()
	fields["merchant_pub"] = inst.Pub.String()
	if _, ok := fields["merchant"]; !ok {
		fields["merchant"] = map[string]interface{}{"name": inst.Name, "instance": inst.ID}
	}

	// json.Marshal of the map is already the canonical form: sorted keys,
	// no insignificant whitespace.
	contract, err := json.Marshal(fields)
	if err != nil {
		return nil, types.NewRequestError(http.StatusInternalServerError, types.CodeInternalLogicError, err.Error())
	}
	h, err := types.HashContractTerms(contract)
	if err != nil {
		return nil, types.NewRequestError(http.StatusInternalServerError, types.CodeHashFailure, err.Error())
	}
	sig := crypto.SignPurpose(crypto.PurposeMerchantContract, inst.Key, h[:])

	err = modules.RetrySoft(func() error {
		return p.store.InsertProposalData(orderID, inst.Pub, contract)
	})
	if err != nil {
		return nil, p.dbError(types.CodeProposalStoreDBError, err)
	}
	return &ProposalResponse{Data: contract, MerchantSig: sig, Hash: h}, nil
}

// LookupProposal returns the stored contract terms for an order id.
func (p *Payments) LookupProposal(orderID, instanceID string) (json.RawMessage, *types.RequestError) {
	inst, err := p.registry.LookupByID(instanceID)
	if err != nil {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeInstanceUnknown, "instance unknown")
	}
	contract, _, err := p.store.FindContractTerms(orderID, inst.Pub)
	if err == modules.ErrAbsent {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeProposalLookupNotFound,
			"no proposal under this order id")
	}
	if err != nil {
		return nil, p.dbError(types.CodeProposalLookupDBError, err)
	}
	return contract, nil
}

// resolveOrderInstance reads order.merchant.instance, defaulting to the
// default instance.
func (p *Payments) resolveOrderInstance(fields map[string]interface{}) (*modules.Instance, *types.RequestError) {
	id := ""
	if merchant, ok := fields["merchant"].(map[string]interface{}); ok {
		if s, ok := merchant["instance"].(string); ok {
			id = s
		}
	}
	inst, err := p.registry.LookupByID(id)
	if err != nil {
		return nil, types.NewRequestError(http.StatusNotFound, types.CodeInstanceUnknown,
			"no such merchant instance: "+id)
	}
	return inst, nil
}

// applyOrderDefaults fills the timing and fee fields the frontend may omit,
// and enforces refund_deadline <= wire_transfer_deadline.
func (p *Payments) applyOrderDefaults(fields map[string]interface{}) {
	now := types.Now()
	timestamp := timestampField(fields, "timestamp", now)
	fields["timestamp"] = int64(timestamp)
	if _, ok := fields["pay_deadline"]; !ok {
		fields["pay_deadline"] = int64(timestamp.Add(p.defaultPayDeadline))
	}
	refundDeadline := timestampField(fields, "refund_deadline", 0)
	fields["refund_deadline"] = int64(refundDeadline)
	wireDeadline := timestampField(fields, "wire_transfer_deadline", timestamp.Add(p.wireTransferDelay))
	if wireDeadline.Before(refundDeadline) {
		wireDeadline = refundDeadline
	}
	fields["wire_transfer_deadline"] = int64(wireDeadline)
	if _, ok := fields["max_fee"]; !ok {
		fields["max_fee"] = p.defaultMaxFee.String()
	}
	if _, ok := fields["max_wire_fee"]; !ok {
		fields["max_wire_fee"] = p.defaultMaxWireFee.String()
	}
	if _, ok := fields["wire_fee_amortization"]; !ok {
		fields["wire_fee_amortization"] = int64(p.defaultAmortization)
	}
}

// validateProducts checks that products is an array of objects each carrying
// a description string.
func validateProducts(v interface{}) *types.RequestError {
	if v == nil {
		return missingField("products")
	}
	arr, ok := v.([]interface{})
	if !ok {
		return types.NewRequestError(http.StatusBadRequest, types.CodeParameterMalformed,
			"products must be an array")
	}
	for _, el := range arr {
		obj, ok := el.(map[string]interface{})
		if !ok {
			return types.NewRequestError(http.StatusBadRequest, types.CodeParameterMalformed,
				"each product must be an object")
		}
		if _, ok := obj["description"].(string); !ok {
			return types.NewRequestError(http.StatusBadRequest, types.CodeParameterMalformed,
				"each product needs a description")
		}
	}
	return nil
}

func missingField(name string) *types.RequestError {
	return types.NewRequestError(http.StatusBadRequest, types.CodeParameterMissing,
		"required field missing: "+name)
}

func stringField(fields map[string]interface{}, name string) string {
	s, _ := fields[name].(string)
	return s
}

// timestampField reads a unix-seconds field that json decoded as a Number.
func timestampField(fields map[string]interface{}, name string, def types.Timestamp) types.Timestamp {
	n, ok := fields[name].(json.Number)
	if !ok {
		return def
	}
	i, err := n.Int64()
	if err != nil {
		return def
	}
	return types.Timestamp(i)
}
