package telemetry

// Control-channel wire types. The reboot call is the only command; its
// effect is observable through the broadcast channel, not the response.

// CommandRequest is the reboot request body.
type CommandRequest struct {
	DeviceID string `json:"deviceId"`
	IdemKey  string `json:"idemKey"`
}

// CommandResponse is the reboot response body. Dedup marks a retry that was
// absorbed by the idempotency store without a second reboot effect.
type CommandResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Dedup  bool   `json:"dedup,omitempty"`
}

// Reason codes returned by the control API.
const (
	ReasonInvalidID      = "invalid_id"
	ReasonMissingIdemKey = "missing_idemKey"
	ReasonNotFound       = "not_found"
	ReasonBusy           = "busy"
	ReasonThrottled      = "throttled"
	ReasonInternal       = "internal"
)
