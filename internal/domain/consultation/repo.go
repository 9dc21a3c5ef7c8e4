package consultation

import (
	"context"

	"github.com/google/uuid"
)

// ReservationRepository owns persistence only; every read and write is scoped
// by facility.
type ReservationRepository interface {
	Create(ctx context.Context, r *Reservation) error
	GetByID(ctx context.Context, facilityID, id uuid.UUID) (*Reservation, error)
	// UpdateConditional writes r only if the stored version still equals
	// expectedVersion. On success r.Version is incremented.
	UpdateConditional(ctx context.Context, r *Reservation, expectedVersion int) error
	ListByFacility(ctx context.Context, facilityID uuid.UUID, status Status, limit, offset int) ([]*Reservation, int, error)
	// Transitions
	AppendTransition(ctx context.Context, t *TransitionRecord) error
	ListTransitions(ctx context.Context, facilityID, reservationID uuid.UUID) ([]*TransitionRecord, error)
	// Dangling meetings
	RecordDanglingMeeting(ctx context.Context, d *DanglingMeeting) error
	// ListDanglingMeetings lists recorded meetings for facilityID, or for every
	// facility when facilityID is uuid.Nil.
	ListDanglingMeetings(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]*DanglingMeeting, int, error)
}

// TxRunner runs fn in a single store transaction. Repositories called with the
// context passed to fn take part in that transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
