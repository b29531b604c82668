package gwmp

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// GatewayListHandler is a http.Handler which lists the gateway sessions.
type GatewayListHandler struct {
	Backend GatewayBackend
}

func (h *GatewayListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	enc := json.NewEncoder(w)
	if err := enc.Encode(h.Backend.Gateways()); err != nil {
		APIError{
			Code:    http.StatusInternalServerError,
			Message: err.Error(),
		}.write(w)
	}
}

// GatewayObjectHandler is a http.Handler which handles requests
// on a single gateway session, identified by its address.
type GatewayObjectHandler struct {
	Backend GatewayBackend
}

func (h *GatewayObjectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	addr, ok := mux.Vars(r)["addr"]
	if !ok {
		APIError{
			Code:    http.StatusInternalServerError,
			Message: "no addr parameter",
		}.write(w)
		return
	}

	gw, ok := h.Backend.Gateway(addr)
	if !ok {
		APIError{
			Code:    http.StatusNotFound,
			Message: "gateway session does not exist",
		}.write(w)
		return
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(gw); err != nil {
		APIError{
			Code:    http.StatusInternalServerError,
			Message: err.Error(),
		}.write(w)
	}
}
