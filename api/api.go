// Package api exposes the merchant backend over HTTP: proposal creation and
// lookup, payment processing, payment status, transfer tracking, and
// refunds. Handlers translate between the wire formats and the payment core;
// all policy lives in the core.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/build"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/modules/payments"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/persist"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub000/types"
)

// An API wires the payment core's operations to their routes.
type API struct {
	payments *payments.Payments
	log      *persist.Logger
	router   http.Handler
}

// New builds the route table.
func New(p *payments.Payments, log *persist.Logger) *API {
	api := &API{
		payments: p,
		log:      log,
	}

	router := httprouter.New()
	router.NotFound = http.HandlerFunc(unrecognizedCallHandler)

	router.GET("/", api.landingHandler)
	router.POST("/proposal", api.proposalHandlerPOST)
	router.GET("/proposal", api.proposalHandlerGET)
	router.POST("/pay", api.payHandler)
	router.GET("/check-payment", api.checkPaymentHandler)
	router.GET("/track/transaction", api.trackTransactionHandler)
	router.GET("/track/transfer", api.trackTransferHandler)
	router.POST("/refund", api.refundHandlerPOST)
	router.GET("/refund", api.refundHandlerGET)

	api.router = router
	return api
}

// ServeHTTP implements the http.Handler interface.
func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.router.ServeHTTP(w, r)
}

// unrecognizedCallHandler answers calls to unknown routes with a JSON 404.
func unrecognizedCallHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, types.NewRequestError(http.StatusNotFound, types.CodeEndpointUnknown,
		"no handler for "+r.URL.Path))
}

// landingHandler answers GET / with a plain-text banner.
func (api *API) landingHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("merchant backend " + build.Version + "\n"))
}

// writeJSON writes the object to the ResponseWriter. If the encoding fails,
// an error is written instead.
func writeJSON(w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if json.NewEncoder(w).Encode(obj) != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// writeError renders a RequestError as its {code, hint, details} body with
// the right status.
func writeError(w http.ResponseWriter, rerr *types.RequestError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rerr.Status)
	json.NewEncoder(w).Encode(rerr)
}
