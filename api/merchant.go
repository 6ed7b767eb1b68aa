package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/crypto"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules/payments"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// maxRequestLen bounds request bodies. Orders and coin lists are small;
// anything larger is abuse.
const maxRequestLen = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, obj interface{}) *types.RequestError {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestLen)).Decode(obj)
	if err != nil {
		return types.NewRequestError(http.StatusBadRequest, types.CodeParameterMalformed,
			"request body is not valid JSON")
	}
	return nil
}

// proposalHandlerPOST turns an order into signed contract terms. The order
// may be nested under an "order" key or be the body itself.
func (api *API) proposalHandlerPOST(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Order json.RawMessage `json:"order"`
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestLen))
	if err != nil {
		writeError(w, types.NewRequestError(http.StatusBadRequest, types.CodeParameterMalformed,
			"unable to read request body"))
		return
	}
	order := raw
	if json.Unmarshal(raw, &body) == nil && len(body.Order) > 0 {
		order = body.Order
	}

	resp, rerr := api.payments.HandleProposal(order)
	if rerr != nil {
		writeError(w, rerr)
		return
	}
	writeJSON(w, resp)
}

// proposalHandlerGET returns the stored contract terms of an order.
func (api *API) proposalHandlerGET(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	orderID := q.Get("transaction_id")
	if orderID == "" {
		orderID = q.Get("order_id")
	}
	contract, rerr := api.payments.LookupProposal(orderID, q.Get("instance"))
	if rerr != nil {
		writeError(w, rerr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(contract)
}

// payHandler runs the /pay state machine and renders either the signed
// receipt or the abort response.
func (api *API) payHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req payments.PayRequest
	if rerr := decodeBody(w, r, &req); rerr != nil {
		writeError(w, rerr)
		return
	}
	payResp, abortResp, rerr := api.payments.Pay(r.Context(), &req)
	if rerr != nil {
		writeError(w, rerr)
		return
	}
	if abortResp != nil {
		writeJSON(w, abortResp)
		return
	}
	writeJSON(w, payResp)
}

// CheckPaymentResponse is the body of GET /check-payment.
type CheckPaymentResponse struct {
	Paid               bool            `json:"paid"`
	ContractTerms      json.RawMessage `json:"contract_terms,omitempty"`
	Refunded           bool            `json:"refunded,omitempty"`
	RefundAmount       *types.Amount   `json:"refund_amount,omitempty"`
	TalerPayURI        string          `json:"taler_pay_uri,omitempty"`
	ContractURL        string          `json:"contract_url,omitempty"`
	AlreadyPaidOrderID string          `json:"already_paid_order_id,omitempty"`
}

// checkPaymentHandler reports whether an order has been paid. For unpaid
// orders the payment URI is derived from the request's host headers.
func (api *API) checkPaymentHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	instanceID := q.Get("instance")
	res, rerr := api.payments.CheckPayment(q.Get("order_id"), instanceID, q.Get("session_id"))
	if rerr != nil {
		writeError(w, rerr)
		return
	}

	if res.Paid {
		resp := &CheckPaymentResponse{
			Paid:          true,
			ContractTerms: res.ContractTerms,
			Refunded:      res.Refunded,
		}
		if res.Refunded {
			resp.RefundAmount = &res.RefundAmount
		}
		writeJSON(w, resp)
		return
	}
	writeJSON(w, &CheckPaymentResponse{
		TalerPayURI:        payURI(r, instanceID, res.OrderID, q.Get("session_id")),
		ContractURL:        q.Get("contract_url"),
		AlreadyPaidOrderID: res.AlreadyPaidOrderID,
	})
}

// payURI renders the taler://pay URI a wallet uses to pay an order. Reverse
// proxies are honored via X-Forwarded-Host and X-Forwarded-Prefix; a
// non-HTTPS deployment is flagged with insecure=1.
func payURI(r *http.Request, instanceID, orderID, sessionID string) string {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	prefix := strings.Trim(r.Header.Get("X-Forwarded-Prefix"), "/")
	if prefix == "" {
		prefix = "-"
	}
	instance := instanceID
	if instance == "" {
		instance = "-"
	}

	uri := "taler://pay/" + host + "/" + prefix + "/" + instance + "/" + url.PathEscape(orderID)
	if sessionID != "" {
		uri += "/" + url.PathEscape(sessionID)
	}
	if !requestIsHTTPS(r) {
		uri += "?insecure=1"
	}
	return uri
}

func requestIsHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// trackTransactionHandler reconciles every wire transfer of one order.
func (api *API) trackTransactionHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	orderID := q.Get("id")
	if orderID == "" {
		orderID = q.Get("order_id")
	}
	transfers, rerr := api.payments.TrackTransaction(r.Context(), orderID, q.Get("instance"))
	if rerr != nil {
		writeError(w, rerr)
		return
	}
	writeJSON(w, transfers)
}

// trackTransferHandler reconciles one wire transfer against the deposit
// records.
func (api *API) trackTransferHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	exchangeURL := q.Get("exchange")
	if exchangeURL == "" {
		writeError(w, types.NewRequestError(http.StatusBadRequest, types.CodeParameterMissing,
			"required field missing: exchange"))
		return
	}
	var wtid crypto.Hash
	if err := wtid.LoadString(q.Get("wtid")); err != nil {
		writeError(w, types.NewRequestError(http.StatusBadRequest, types.CodeParameterMalformed,
			"wtid is not a valid transfer identifier"))
		return
	}
	resp, rerr := api.payments.TrackTransfer(r.Context(), exchangeURL, wtid, q.Get("wire_method"), q.Get("instance"))
	if rerr != nil {
		writeError(w, rerr)
		return
	}
	writeJSON(w, resp)
}

// refundHandlerPOST raises the refunded total of an order.
func (api *API) refundHandlerPOST(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		OrderID  string `json:"order_id"`
		Refund   string `json:"refund"`
		Reason   string `json:"reason"`
		Instance string `json:"instance"`
	}
	if rerr := decodeBody(w, r, &req); rerr != nil {
		writeError(w, rerr)
		return
	}
	if req.Refund == "" {
		writeError(w, types.NewRequestError(http.StatusBadRequest, types.CodeParameterMissing,
			"required field missing: refund"))
		return
	}
	refund, err := types.ParseAmount(req.Refund)
	if err != nil {
		writeError(w, types.NewRequestError(http.StatusBadRequest, types.CodeParameterMalformed,
			"refund is not a valid amount"))
		return
	}
	resp, rerr := api.payments.AuthorizeRefund(req.OrderID, req.Instance, refund, req.Reason)
	if rerr != nil {
		writeError(w, rerr)
		return
	}
	writeJSON(w, resp)
}

// refundHandlerGET returns the signed refund permissions of an order.
func (api *API) refundHandlerGET(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	resp, rerr := api.payments.LookupRefunds(q.Get("order_id"), q.Get("instance"))
	if rerr != nil {
		writeError(w, rerr)
		return
	}
	writeJSON(w, resp)
}
