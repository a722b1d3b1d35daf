package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/fleetpulse/fleetpulse/simulator/fleet"
	"github.com/fleetpulse/fleetpulse/simulator/idempotency"
	"github.com/fleetpulse/fleetpulse/telemetry"
)

type fakeFleet struct {
	err   error
	calls []string
}

func (f *fakeFleet) Reboot(id string) error {
	f.calls = append(f.calls, id)
	return f.err
}

func postReboot(t *testing.T, a *API, body string) (*httptest.ResponseRecorder, telemetry.CommandResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/control/reboot", strings.NewReader(body))
	rec := httptest.NewRecorder()
	a.handleReboot(rec, req)

	var resp telemetry.CommandResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response body %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestRebootEndpointValidation(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		reason string
	}{
		{"garbage body", `not json`, http.StatusBadRequest, telemetry.ReasonInvalidID},
		{"missing id", `{"idemKey":"k1"}`, http.StatusBadRequest, telemetry.ReasonInvalidID},
		{"blank id", `{"deviceId":"   ","idemKey":"k1"}`, http.StatusBadRequest, telemetry.ReasonInvalidID},
		{"missing key", `{"deviceId":"dev-1"}`, http.StatusBadRequest, telemetry.ReasonMissingIdemKey},
		{"blank key", `{"deviceId":"dev-1","idemKey":" "}`, http.StatusBadRequest, telemetry.ReasonMissingIdemKey},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fl := &fakeFleet{}
			a := NewAPI(fl, idempotency.NewMemory(0), nil)
			rec, resp := postReboot(t, a, c.body)
			if rec.Code != c.status {
				t.Errorf("status = %d, want %d", rec.Code, c.status)
			}
			if resp.OK || resp.Reason != c.reason {
				t.Errorf("resp = %+v, want reason %q", resp, c.reason)
			}
			if len(fl.calls) != 0 {
				t.Error("fleet touched before validation passed")
			}
		})
	}
}

func TestRebootEndpointNotFound(t *testing.T) {
	fl := &fakeFleet{err: fleet.ErrNotFound}
	idem := idempotency.NewMemory(0)
	a := NewAPI(fl, idem, nil)

	rec, resp := postReboot(t, a, `{"deviceId":"dev-x","idemKey":"k1"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if resp.OK || resp.Reason != telemetry.ReasonNotFound {
		t.Errorf("resp = %+v", resp)
	}
	if idem.Len() != 0 {
		t.Error("key recorded for a command that never applied")
	}
}

func TestRebootEndpointBusyIsRetryableWithSameKey(t *testing.T) {
	fl := &fakeFleet{err: fleet.ErrBusy}
	idem := idempotency.NewMemory(0)
	a := NewAPI(fl, idem, nil)

	rec, resp := postReboot(t, a, `{"deviceId":"dev-1","idemKey":"k1"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (busy is not a protocol error)", rec.Code)
	}
	if resp.OK || resp.Reason != telemetry.ReasonBusy {
		t.Errorf("resp = %+v", resp)
	}
	if idem.Len() != 0 {
		t.Fatal("busy must leave the key unspent")
	}

	// The retry with the same key reaches the fleet again.
	fl.err = nil
	_, resp = postReboot(t, a, `{"deviceId":"dev-1","idemKey":"k1"}`)
	if !resp.OK || resp.Dedup {
		t.Errorf("retry resp = %+v, want plain success", resp)
	}
	if len(fl.calls) != 2 {
		t.Errorf("fleet calls = %d, want 2", len(fl.calls))
	}
}

func TestRebootEndpointDedup(t *testing.T) {
	fl := &fakeFleet{}
	a := NewAPI(fl, idempotency.NewMemory(0), nil)

	_, first := postReboot(t, a, `{"deviceId":"dev-1","idemKey":"k1"}`)
	if !first.OK || first.Dedup {
		t.Fatalf("first resp = %+v", first)
	}

	rec, second := postReboot(t, a, `{"deviceId":"dev-1","idemKey":"k1"}`)
	if rec.Code != http.StatusOK || !second.OK || !second.Dedup {
		t.Errorf("retry resp = %+v (status %d), want deduplicated success", second, rec.Code)
	}
	if len(fl.calls) != 1 {
		t.Errorf("fleet calls = %d, want exactly one reboot effect", len(fl.calls))
	}
}

func TestRebootEndpointThrottled(t *testing.T) {
	a := NewAPI(&fakeFleet{}, idempotency.NewMemory(0), nil)
	a.limiter = rate.NewLimiter(0, 0)

	rec, resp := postReboot(t, a, `{"deviceId":"dev-1","idemKey":"k1"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if resp.OK || resp.Reason != telemetry.ReasonThrottled {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRebootEndpointCORSPreflight(t *testing.T) {
	a := NewAPI(&fakeFleet{}, idempotency.NewMemory(0), nil)

	req := httptest.NewRequest(http.MethodOptions, "/control/reboot", nil)
	rec := httptest.NewRecorder()
	a.handleReboot(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}
