package models

import (
	"time"

	id "registrar/pkg/domain"
)

// CaptureStatus is the journal's view of one capture token.
type CaptureStatus string

const (
	// CaptureInFlight: a capture call for the token has started.
	CaptureInFlight CaptureStatus = "in_flight"
	// CaptureCaptured: the gateway confirmed the charge.
	CaptureCaptured CaptureStatus = "captured"
	// CaptureUnknown: the gateway timed out; the charge may or may not exist.
	CaptureUnknown CaptureStatus = "unknown"
)

// CaptureEntry records what happened to a capture token so a replayed token
// is never sent to the gateway twice.
type CaptureEntry struct {
	Token      Token            `json:"token"`
	CheckoutID id.CheckoutID    `json:"checkout_id"`
	Status     CaptureStatus    `json:"status"`
	Payment    *CapturedPayment `json:"payment,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
