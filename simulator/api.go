package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/fleetpulse/fleetpulse/simulator/audit"
	"github.com/fleetpulse/fleetpulse/simulator/fleet"
	"github.com/fleetpulse/fleetpulse/simulator/idempotency"
	"github.com/fleetpulse/fleetpulse/simulator/observability"
	"github.com/fleetpulse/fleetpulse/telemetry"
)

// Rebooter is the slice of the fleet the control API needs.
type Rebooter interface {
	Reboot(id string) error
}

// API serves the control channel. The reboot response only acknowledges the
// command; the actual state transition arrives through the broadcast channel.
type API struct {
	fleet Rebooter
	idem  idempotency.Store
	audit *audit.Log

	// Storm protection: commands beyond this rate are refused outright
	// rather than queued against the fleet.
	limiter *rate.Limiter
}

func NewAPI(fl Rebooter, idem idempotency.Store, auditLog *audit.Log) *API {
	return &API{
		fleet: fl,
		idem:  idem,
		audit: auditLog,
		// Allow 100 commands/sec, burst 200.
		limiter: rate.NewLimiter(rate.Limit(100), 200),
	}
}

// Routes registers the control endpoints on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/control/reboot", a.handleReboot)
}

func (a *API) handleReboot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !a.limiter.Allow() {
		a.finish(w, r, http.StatusTooManyRequests, "", "",
			telemetry.CommandResponse{OK: false, Reason: telemetry.ReasonThrottled})
		return
	}

	var req telemetry.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.finish(w, r, http.StatusBadRequest, "", "",
			telemetry.CommandResponse{OK: false, Reason: telemetry.ReasonInvalidID})
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	idemKey := strings.TrimSpace(req.IdemKey)
	if deviceID == "" {
		a.finish(w, r, http.StatusBadRequest, deviceID, idemKey,
			telemetry.CommandResponse{OK: false, Reason: telemetry.ReasonInvalidID})
		return
	}
	if idemKey == "" {
		a.finish(w, r, http.StatusBadRequest, deviceID, idemKey,
			telemetry.CommandResponse{OK: false, Reason: telemetry.ReasonMissingIdemKey})
		return
	}

	seen, err := a.idem.Seen(r.Context(), idemKey)
	if err != nil {
		log.Printf("api: idempotency lookup: %v", err)
		a.finish(w, r, http.StatusInternalServerError, deviceID, idemKey,
			telemetry.CommandResponse{OK: false, Reason: telemetry.ReasonInternal})
		return
	}
	if seen {
		// Retry of an already-honored command: succeed without touching
		// the fleet, so the reboot effect happens at most once.
		a.finish(w, r, http.StatusOK, deviceID, idemKey,
			telemetry.CommandResponse{OK: true, Dedup: true})
		return
	}

	switch err := a.fleet.Reboot(deviceID); {
	case errors.Is(err, fleet.ErrNotFound):
		a.finish(w, r, http.StatusNotFound, deviceID, idemKey,
			telemetry.CommandResponse{OK: false, Reason: telemetry.ReasonNotFound})
	case errors.Is(err, fleet.ErrBusy):
		// Transient: the key stays unspent so the same attempt may retry.
		a.finish(w, r, http.StatusOK, deviceID, idemKey,
			telemetry.CommandResponse{OK: false, Reason: telemetry.ReasonBusy})
	case err != nil:
		log.Printf("api: reboot %s: %v", deviceID, err)
		a.finish(w, r, http.StatusInternalServerError, deviceID, idemKey,
			telemetry.CommandResponse{OK: false, Reason: telemetry.ReasonInternal})
	default:
		if err := a.idem.Record(r.Context(), idemKey); err != nil {
			// The reboot already applied; losing the key only risks a
			// duplicate on retry, so log and answer ok.
			log.Printf("api: idempotency record: %v", err)
		}
		a.finish(w, r, http.StatusOK, deviceID, idemKey,
			telemetry.CommandResponse{OK: true})
	}
}

func (a *API) finish(w http.ResponseWriter, r *http.Request, status int, deviceID, idemKey string, resp telemetry.CommandResponse) {
	outcome := resp.Reason
	switch {
	case resp.Dedup:
		outcome = "dedup"
	case resp.OK:
		outcome = "accepted"
	case outcome == telemetry.ReasonInvalidID || outcome == telemetry.ReasonMissingIdemKey:
		outcome = "invalid"
	}
	observability.RebootCommands.WithLabelValues(outcome).Inc()

	if deviceID != "" {
		if err := a.audit.Record(r.Context(), deviceID, idemKey, outcome); err != nil {
			log.Printf("api: audit: %v", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
