// Package meeting provisions and releases remote video meetings through a
// provider-agnostic contract. Two providers are implemented: a scheduled
// meeting service (Zoom) and an expiring-room service (Daily).
package meeting

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind names a provider implementation.
type Kind string

const (
	KindZoom  Kind = "zoom"
	KindDaily Kind = "daily"
)

// CleanupPolicy declares how a provider's meetings are released.
type CleanupPolicy int

const (
	// CleanupExplicit means Delete must be called when the meeting is no
	// longer needed.
	CleanupExplicit CleanupPolicy = iota
	// CleanupSelfExpiry means the meeting expires on its own; Delete is not
	// part of the lifecycle.
	CleanupSelfExpiry
)

func (p CleanupPolicy) String() string {
	switch p {
	case CleanupExplicit:
		return "explicit"
	case CleanupSelfExpiry:
		return "self-expiry"
	}
	return fmt.Sprintf("CleanupPolicy(%d)", int(p))
}

// CreateSpec describes the meeting to provision.
type CreateSpec struct {
	Topic           string
	StartAt         time.Time
	DurationMinutes int
	// EndAt is the confirmed end of the window; providers that expire rooms
	// derive their expiry from it.
	EndAt time.Time
	// IdempotencyKey is forwarded to providers that deduplicate creates.
	IdempotencyKey string
}

func (s CreateSpec) end() time.Time {
	if !s.EndAt.IsZero() {
		return s.EndAt
	}
	return s.StartAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// Ref identifies a provisioned meeting.
type Ref struct {
	Provider   Kind
	ExternalID string
	// JoinURL is the participant (member) link.
	JoinURL string
	// HostJoinURL is the facility link; equal to JoinURL when the provider
	// does not distinguish hosts.
	HostJoinURL string
	Password    string
}

// Provider is the uniform create/delete contract.
type Provider interface {
	Kind() Kind
	CleanupPolicy() CleanupPolicy
	Create(ctx context.Context, spec CreateSpec) (*Ref, error)
	Delete(ctx context.Context, ref Ref) error
}

var (
	ErrUnknownProvider = errors.New("unknown meeting provider")
	ErrInvalidSpec     = errors.New("invalid meeting spec")
)

// ProviderError wraps a failed provider call.
type ProviderError struct {
	Provider   Kind
	Op         string
	StatusCode int
	Body       string
	Err        error
	// Orphan is a resource created during the failed call that could not be
	// removed again; CleanupErr is why.
	Orphan     *Ref
	CleanupErr error
}

func (e *ProviderError) Error() string {
	var msg string
	switch {
	case e.Err != nil:
		msg = fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	case e.StatusCode != 0:
		msg = fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Op, e.StatusCode, e.Body)
	default:
		msg = fmt.Sprintf("%s %s failed", e.Provider, e.Op)
	}
	if e.Orphan != nil {
		msg += fmt.Sprintf("; orphaned %s %s: %v", e.Provider, e.Orphan.ExternalID, e.CleanupErr)
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

func validateSpec(spec CreateSpec) error {
	if spec.StartAt.IsZero() {
		return fmt.Errorf("%w: start is required", ErrInvalidSpec)
	}
	if spec.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidSpec)
	}
	if !spec.EndAt.IsZero() && !spec.StartAt.Before(spec.EndAt) {
		return fmt.Errorf("%w: start must be before end", ErrInvalidSpec)
	}
	return nil
}

// WithTimeout bounds every Create and Delete call on p by d. The deadline is
// derived from the caller's context, so cancelling the caller cancels the
// provider call as well.
func WithTimeout(p Provider, d time.Duration) Provider {
	if d <= 0 {
		return p
	}
	return &timeoutProvider{Provider: p, timeout: d}
}

type timeoutProvider struct {
	Provider
	timeout time.Duration
}

func (t *timeoutProvider) Create(ctx context.Context, spec CreateSpec) (*Ref, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Provider.Create(ctx, spec)
}

func (t *timeoutProvider) Delete(ctx context.Context, ref Ref) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Provider.Delete(ctx, ref)
}
