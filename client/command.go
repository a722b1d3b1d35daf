package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetpulse/fleetpulse/telemetry"
)

// ErrInFlight reports that a reboot for this device is already outstanding;
// the duplicate submission was suppressed before reaching the wire.
var ErrInFlight = errors.New("reboot already in flight")

// CommanderOptions tunes the commander; zero values take the defaults.
type CommanderOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration // local response budget, default 30s
	NewKey     func() string // idempotency key source, default uuid
}

// Commander submits reboot commands to the control API. Each submission is
// keyed by a fresh idempotency token, gated by the store's in-flight flag,
// and reflected optimistically as a rebooting status that later telemetry
// confirms or a timeout rolls back.
type Commander struct {
	store   *Store
	url     string
	httpc   *http.Client
	timeout time.Duration
	newKey  func() string
}

func NewCommander(store *Store, url string, opts CommanderOptions) *Commander {
	c := &Commander{
		store:   store,
		url:     url,
		httpc:   opts.HTTPClient,
		timeout: opts.Timeout,
		newKey:  opts.NewKey,
	}
	if c.httpc == nil {
		c.httpc = &http.Client{}
	}
	if c.timeout == 0 {
		c.timeout = 30 * time.Second
	}
	if c.newKey == nil {
		c.newKey = uuid.NewString
	}
	return c
}

// Reboot submits one reboot command and blocks until a terminal outcome: the
// server's response, a transport error, or the local timeout. The in-flight
// flag is held for the duration and always cleared on return.
//
// Outcome mapping: validation problems come back as a non-ok response with a
// reason; transport failures and timeouts return an error after rolling back
// the optimistic status. A timeout is inconclusive rather than failed — if
// the server-side effect landed anyway, later telemetry reconciles it.
func (c *Commander) Reboot(ctx context.Context, deviceID string) (telemetry.CommandResponse, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return telemetry.CommandResponse{OK: false, Reason: telemetry.ReasonInvalidID}, nil
	}
	if !c.store.BeginInFlight(deviceID) {
		return telemetry.CommandResponse{}, ErrInFlight
	}
	defer c.store.SetInFlight(deviceID, false)

	// Optimistic transition; only for devices we actually know about, so a
	// typo never fabricates a table entry.
	prev, known := telemetry.Status(""), false
	if d, ok := c.store.Device(deviceID); ok {
		prev, known = d.Status, true
		c.store.Upsert(telemetry.Patch{DeviceID: deviceID, Status: telemetry.StatusRebooting})
	}

	resp, err := c.submit(ctx, deviceID)
	if err != nil {
		if known {
			c.rollback(deviceID, prev)
		}
		return telemetry.CommandResponse{}, err
	}
	if !resp.OK && known {
		c.rollback(deviceID, prev)
	}
	return resp, nil
}

func (c *Commander) submit(ctx context.Context, deviceID string) (telemetry.CommandResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(telemetry.CommandRequest{
		DeviceID: deviceID,
		IdemKey:  c.newKey(),
	})
	if err != nil {
		return telemetry.CommandResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return telemetry.CommandResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpc.Do(req)
	if err != nil {
		return telemetry.CommandResponse{}, fmt.Errorf("reboot %s: %w", deviceID, err)
	}
	defer res.Body.Close()

	var resp telemetry.CommandResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		// Unparseable body: fall back to an HTTP-status-derived reason.
		return telemetry.CommandResponse{
			OK:     false,
			Reason: fmt.Sprintf("http_%d", res.StatusCode),
		}, nil
	}
	return resp, nil
}

// rollback undoes the optimistic rebooting status, unless telemetry has
// already moved the device on.
func (c *Commander) rollback(deviceID string, prev telemetry.Status) {
	if d, ok := c.store.Device(deviceID); ok && d.Status == telemetry.StatusRebooting {
		c.store.Upsert(telemetry.Patch{DeviceID: deviceID, Status: prev})
	}
}
