package gwmp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/blaet/gwmp/gateway/semtech"
	"github.com/blaet/gwmp/packets"
)

// GatewayBackend is the part of the semtech.Backend used by the API.
type GatewayBackend interface {
	Gateways() []semtech.Gateway
	Gateway(addr string) (semtech.Gateway, bool)
	SendDownlinkToGateway(ctx context.Context, mac lorawan.EUI64, txpk packets.TXPK) error
}

// APIError represents the API error model.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e APIError) write(w http.ResponseWriter) error {
	w.WriteHeader(e.Code)
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	w.Write(b)
	return nil
}

// NewAdminRouter returns the router of the admin API.
func NewAdminRouter(backend GatewayBackend) *mux.Router {
	r := mux.NewRouter().StrictSlash(true)
	r.Handle("/api/gateways", &GatewayListHandler{Backend: backend}).Methods("GET")
	r.Handle("/api/gateways/{mac}/downlink", &DownlinkHandler{Backend: backend}).Methods("POST")
	r.Handle("/api/gateways/{addr}", &GatewayObjectHandler{Backend: backend}).Methods("GET")
	return r
}

// DownlinkRequest is the body of a downlink request.
type DownlinkRequest struct {
	TXPK    packets.TXPK `json:"txpk"`
	Timeout string       `json:"timeout,omitempty"`
}

// DownlinkResult is the response of a downlink request.
type DownlinkResult struct {
	RequestID string `json:"requestID"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

// requestID returns the X-Request-Id of the request when it is a valid
// UUID, or a new random one.
func requestID(r *http.Request) string {
	if id, err := uuid.Parse(r.Header.Get("X-Request-Id")); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// DownlinkHandler is a http.Handler which sends a downlink to a gateway and
// responds with its outcome.
type DownlinkHandler struct {
	Backend GatewayBackend
}

func (h *DownlinkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	reqID := requestID(r)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Request-Id", reqID)

	var mac lorawan.EUI64
	if err := mac.UnmarshalText([]byte(mux.Vars(r)["mac"])); err != nil {
		APIError{
			Code:    http.StatusBadRequest,
			Message: err.Error(),
		}.write(w)
		return
	}

	var req DownlinkRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		APIError{
			Code:    http.StatusBadRequest,
			Message: err.Error(),
		}.write(w)
		return
	}

	ctx := r.Context()
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			APIError{
				Code:    http.StatusBadRequest,
				Message: "timeout must be a positive duration",
			}.write(w)
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	err := h.Backend.SendDownlinkToGateway(ctx, mac, req.TXPK)
	if errors.Is(err, semtech.ErrUnknownGateway) {
		APIError{
			Code:    http.StatusNotFound,
			Message: err.Error(),
		}.write(w)
		return
	}

	outcome := semtech.OutcomeOf(err)
	log.WithFields(log.Fields{
		"mac":        mac,
		"outcome":    outcome,
		"request_id": reqID,
	}).Info("downlink requested through api")

	res := DownlinkResult{RequestID: reqID, Outcome: outcome.String()}
	var txErr *semtech.TXAckError
	switch {
	case errors.As(err, &txErr):
		res.Error = txErr.Code
	case err != nil:
		res.Error = err.Error()
	}

	w.WriteHeader(outcomeStatus(outcome))
	json.NewEncoder(w).Encode(res)
}

func outcomeStatus(o semtech.Outcome) int {
	switch o {
	case semtech.Delivered:
		return http.StatusOK
	case semtech.Rejected:
		return http.StatusConflict
	case semtech.TimedOut, semtech.Cancelled:
		return http.StatusGatewayTimeout
	case semtech.SessionClosed:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
