// Package alert notifies operators about failures that need manual follow-up:
// meetings that could not be released and transition writes that failed.
package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Alert describes a provider meeting that may be left behind.
type Alert struct {
	Kind          string    `json:"kind"`
	ReservationID string    `json:"reservation_id"`
	FacilityID    string    `json:"facility_id"`
	Provider      string    `json:"provider"`
	ExternalID    string    `json:"external_id"`
	Reason        string    `json:"reason"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

const (
	// KindDanglingMeeting is raised for meetings that could not be released.
	KindDanglingMeeting = "dangling_meeting"
	// KindPersistFailed is raised when a transition write failed after the
	// provider call.
	KindPersistFailed = "persist_failed"
	// KindStaleMeetingReference is raised when a meeting was deleted but the
	// transition leaving it lost a concurrent write; the stored row may still
	// point at the deleted meeting.
	KindStaleMeetingReference = "stale_meeting_reference"
)

// Alerter delivers alerts. Implementations must be safe for concurrent use.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

func encode(a Alert) ([]byte, error) {
	if a.Kind == "" {
		a.Kind = KindDanglingMeeting
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	return json.Marshal(a)
}

// Log writes alerts to the structured log at error level.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "alert").Logger()}
}

func (l *Log) Alert(_ context.Context, a Alert) error {
	kind := a.Kind
	if kind == "" {
		kind = KindDanglingMeeting
	}
	l.logger.Error().
		Str("kind", kind).
		Str("reservation_id", a.ReservationID).
		Str("facility_id", a.FacilityID).
		Str("provider", a.Provider).
		Str("external_id", a.ExternalID).
		Str("reason", a.Reason).
		Str("error", a.Error).
		Msg("operator attention required")
	return nil
}

// Fallback tries primary and, if it fails, delivers through secondary.
type Fallback struct {
	primary   Alerter
	secondary Alerter
}

func NewFallback(primary, secondary Alerter) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) Alert(ctx context.Context, a Alert) error {
	if err := f.primary.Alert(ctx, a); err != nil {
		if a.Error == "" {
			a.Error = "primary alert delivery failed: " + err.Error()
		}
		return f.secondary.Alert(ctx, a)
	}
	return nil
}
