package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetpulse/fleetpulse/telemetry"
)

func commandFixture(t *testing.T, handler http.HandlerFunc, opts CommanderOptions) (*Store, *Commander) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := NewStore()
	store.SetDevices([]telemetry.Device{
		{ID: "dev-1", Status: telemetry.StatusOnline, CPU: telemetry.Pct(10)},
	})
	return store, NewCommander(store, srv.URL+"/control/reboot", opts)
}

func TestRebootValidatesDeviceID(t *testing.T) {
	store := NewStore()
	c := NewCommander(store, "http://127.0.0.1:1/unreachable", CommanderOptions{})

	resp, err := c.Reboot(context.Background(), "   ")
	if err != nil {
		t.Fatal(err)
	}
	if resp.OK || resp.Reason != telemetry.ReasonInvalidID {
		t.Errorf("resp = %+v, want invalid_id", resp)
	}
}

func TestRebootSuppressedWhileInFlight(t *testing.T) {
	called := false
	store, c := commandFixture(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	}, CommanderOptions{})

	store.SetInFlight("dev-1", true)
	_, err := c.Reboot(context.Background(), "dev-1")
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("err = %v, want ErrInFlight", err)
	}
	if called {
		t.Error("duplicate submission reached the wire")
	}
}

func TestRebootConcurrentCallersSingleSubmission(t *testing.T) {
	var calls int32
	store, c := commandFixture(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(telemetry.CommandResponse{OK: true})
	}, CommanderOptions{})

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := c.Reboot(context.Background(), "dev-1")
			errs <- err
		}()
	}

	won, suppressed := 0, 0
	for i := 0; i < callers; i++ {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, ErrInFlight):
			suppressed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || suppressed != callers-1 {
		t.Errorf("won = %d, suppressed = %d, want 1 and %d", won, suppressed, callers-1)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("%d submissions reached the wire, want 1", n)
	}
	if store.InFlight("dev-1") {
		t.Error("in-flight flag not cleared")
	}
}

func TestRebootSuccess(t *testing.T) {
	var gotReq telemetry.CommandRequest
	inFlightDuring := false
	var store *Store
	store, c := commandFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		inFlightDuring = store.InFlight("dev-1")
		json.NewEncoder(w).Encode(telemetry.CommandResponse{OK: true})
	}, CommanderOptions{})

	resp, err := c.Reboot(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.Dedup {
		t.Fatalf("resp = %+v", resp)
	}
	if gotReq.DeviceID != "dev-1" || gotReq.IdemKey == "" {
		t.Errorf("request = %+v, want deviceId and idemKey", gotReq)
	}
	if !inFlightDuring {
		t.Error("in-flight flag not held during submission")
	}
	if store.InFlight("dev-1") {
		t.Error("in-flight flag not cleared on terminal response")
	}
	// Success keeps the optimistic status; the actual transition is
	// confirmed via telemetry.
	if d, _ := store.Device("dev-1"); d.Status != telemetry.StatusRebooting {
		t.Errorf("status = %q, want rebooting", d.Status)
	}
}

func TestRebootBusyRollsBack(t *testing.T) {
	store, c := commandFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(telemetry.CommandResponse{OK: false, Reason: telemetry.ReasonBusy})
	}, CommanderOptions{})

	resp, err := c.Reboot(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.OK || resp.Reason != telemetry.ReasonBusy {
		t.Fatalf("resp = %+v, want busy", resp)
	}
	if d, _ := store.Device("dev-1"); d.Status != telemetry.StatusOnline {
		t.Errorf("status = %q, want rolled back to online", d.Status)
	}
	if store.InFlight("dev-1") {
		t.Error("in-flight flag not cleared")
	}
}

func TestRebootDedupPassthrough(t *testing.T) {
	_, c := commandFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(telemetry.CommandResponse{OK: true, Dedup: true})
	}, CommanderOptions{})

	resp, err := c.Reboot(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK || !resp.Dedup {
		t.Errorf("resp = %+v, want deduplicated success", resp)
	}
}

func TestRebootTimeoutRollsBack(t *testing.T) {
	store, c := commandFixture(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(400 * time.Millisecond)
	}, CommanderOptions{Timeout: 50 * time.Millisecond})

	_, err := c.Reboot(context.Background(), "dev-1")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if d, _ := store.Device("dev-1"); d.Status != telemetry.StatusOnline {
		t.Errorf("status = %q, want rolled back to online", d.Status)
	}
	if store.InFlight("dev-1") {
		t.Error("in-flight flag not cleared after abandonment")
	}
}

func TestRebootHTTPStatusFallbackReason(t *testing.T) {
	store, c := commandFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusServiceUnavailable)
	}, CommanderOptions{})

	resp, err := c.Reboot(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.OK || resp.Reason != "http_503" {
		t.Errorf("resp = %+v, want http_503", resp)
	}
	if d, _ := store.Device("dev-1"); d.Status != telemetry.StatusOnline {
		t.Errorf("status = %q, want rolled back", d.Status)
	}
}

func TestRebootUsesFreshKeys(t *testing.T) {
	keys := map[string]bool{}
	_, c := commandFixture(t, func(w http.ResponseWriter, r *http.Request) {
		var req telemetry.CommandRequest
		json.NewDecoder(r.Body).Decode(&req)
		keys[req.IdemKey] = true
		json.NewEncoder(w).Encode(telemetry.CommandResponse{OK: true})
	}, CommanderOptions{})

	for i := 0; i < 3; i++ {
		if _, err := c.Reboot(context.Background(), "dev-1"); err != nil {
			t.Fatal(err)
		}
	}
	if len(keys) != 3 {
		t.Errorf("saw %d distinct idempotency keys, want 3", len(keys))
	}
}
