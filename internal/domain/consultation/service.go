package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/teleconsult/internal/platform/alert"
	"github.com/ehr/teleconsult/internal/platform/locker"
	"github.com/ehr/teleconsult/internal/platform/meeting"
)

var validate = validator.New()

// ProviderResolver finds the meeting provider for a facility, or by kind for
// meetings that already exist.
type ProviderResolver interface {
	ForFacility(ctx context.Context, facilityID uuid.UUID) (meeting.Provider, error)
	Get(kind meeting.Kind) (meeting.Provider, error)
}

// TransitionRequest is the command issued by a facility.
type TransitionRequest struct {
	Action                      Action     `json:"action" validate:"required"`
	ConfirmedStart              *time.Time `json:"confirmedStart,omitempty"`
	ConfirmedEnd                *time.Time `json:"confirmedEnd,omitempty"`
	ConsultationDurationMinutes *int       `json:"consultationDurationMinutes,omitempty" validate:"omitempty,gt=0,lte=480"`
	CancelReasonCode            *string    `json:"cancelReasonCode,omitempty" validate:"omitempty,max=64"`
	CancelReasonText            *string    `json:"cancelReasonText,omitempty" validate:"omitempty,max=2000"`
	HospitalProposedSlots       []Slot     `json:"hospitalProposedSlots,omitempty" validate:"omitempty,max=20,dive"`
	// Actor is the authenticated caller, recorded in the transition history.
	Actor string `json:"-"`
}

// Outcome is the result handed back to the boundary layer.
type Outcome struct {
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	JoinURL     string    `json:"joinUrl,omitempty"`
	ErrorKind   ErrorKind `json:"errorKind,omitempty"`
	Reservation *View     `json:"reservation,omitempty"`
}

// FailureOutcome renders err as an unsuccessful Outcome.
func FailureOutcome(err error) *Outcome {
	var e *Error
	if errors.As(err, &e) {
		return &Outcome{Success: false, Message: e.Message, ErrorKind: e.Kind}
	}
	return &Outcome{Success: false, Message: "internal error", ErrorKind: ErrKindPersistFailed}
}

// Service orchestrates reservation transitions against the store and the
// meeting providers.
type Service struct {
	repo      ReservationRepository
	tx        TxRunner
	providers ProviderResolver
	locks     locker.Locker
	alerts    alert.Alerter
	logger    zerolog.Logger
	now       func() time.Time
	markerTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMarkerTTL sets how long a create-in-flight marker is held. It should
// exceed the provider timeout.
func WithMarkerTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.markerTTL = d
		}
	}
}

// DefaultMarkerTTL bounds a single approve attempt.
const DefaultMarkerTTL = 30 * time.Second

func NewService(repo ReservationRepository, tx TxRunner, providers ProviderResolver,
	locks locker.Locker, alerts alert.Alerter, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		tx:        tx,
		providers: providers,
		locks:     locks,
		alerts:    alerts,
		logger:    logger.With().Str("component", "consultation").Logger(),
		now:       time.Now,
		markerTTL: DefaultMarkerTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Reads --

func (s *Service) GetReservation(ctx context.Context, facilityID, id uuid.UUID) (*View, error) {
	r, err := s.repo.GetByID(ctx, facilityID, id)
	if err != nil {
		return nil, s.loadError(err)
	}
	return r.ToView(), nil
}

func (s *Service) ListReservations(ctx context.Context, facilityID uuid.UUID, status Status, limit, offset int) ([]*View, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, newError(ErrKindValidation, fmt.Sprintf("unknown status %q", status), nil)
	}
	items, total, err := s.repo.ListByFacility(ctx, facilityID, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	views := make([]*View, 0, len(items))
	for _, r := range items {
		views = append(views, r.ToView())
	}
	return views, total, nil
}

func (s *Service) ListTransitions(ctx context.Context, facilityID, id uuid.UUID) ([]*TransitionRecord, error) {
	if _, err := s.repo.GetByID(ctx, facilityID, id); err != nil {
		return nil, s.loadError(err)
	}
	return s.repo.ListTransitions(ctx, facilityID, id)
}

func (s *Service) ListDanglingMeetings(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]*DanglingMeeting, int, error) {
	return s.repo.ListDanglingMeetings(ctx, facilityID, limit, offset)
}

// CreateReservation records a new request from a member.
func (s *Service) CreateReservation(ctx context.Context, r *Reservation) error {
	if r.FacilityID == uuid.Nil {
		return newError(ErrKindValidation, "facility_id is required", nil)
	}
	if r.MemberID == uuid.Nil {
		return newError(ErrKindValidation, "member_id is required", nil)
	}
	if len(r.RequestedSlots) == 0 {
		return newError(ErrKindValidation, "at least one requested slot is required", nil)
	}
	slots, err := NormalizeSlots(r.RequestedSlots)
	if err != nil {
		return newError(ErrKindValidation, err.Error(), nil)
	}
	if r.UserTimezone != "" {
		if _, err := time.LoadLocation(r.UserTimezone); err != nil {
			return newError(ErrKindValidation, fmt.Sprintf("unknown timezone %q", r.UserTimezone), nil)
		}
	}
	now := s.now().UTC()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.RequestedSlots = slots
	r.Status = StatusRequested
	r.ClearMeeting()
	r.Version = 1
	r.StatusChangedAt = now
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.repo.Create(ctx, r); err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

// -- Transition --

// Transition applies req to the reservation. Guard and create failures leave
// the reservation unchanged; delete failures never block the transition.
func (s *Service) Transition(ctx context.Context, facilityID, id uuid.UUID, req TransitionRequest) (*Outcome, error) {
	log := s.logger.With().
		Str("reservation_id", id.String()).
		Str("facility_id", facilityID.String()).
		Str("action", string(req.Action)).
		Logger()

	action, err := ParseAction(string(req.Action))
	if err != nil {
		return nil, &Error{Kind: ErrKindValidation, Message: err.Error(), Action: req.Action}
	}

	r, err := s.repo.GetByID(ctx, facilityID, id)
	if err != nil {
		return nil, s.loadError(err)
	}

	next, err := CheckTransition(r.Status, action)
	if err != nil {
		return nil, &Error{Kind: ErrKindInvalidTransition, Message: err.Error(), Current: r.Status, Action: action, Err: err}
	}

	upd, err := s.apply(r, action, req)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	upd.Status = next
	upd.StatusChangedAt = now
	upd.UpdatedAt = now

	var (
		created  *meeting.Ref
		replaced *meeting.Ref
		released *meeting.Ref
	)

	switch {
	case action == ActionApprove:
		key := fmt.Sprintf("reservation:%s:approve:v%d", r.ID, r.Version)
		acquired, token, err := s.locks.TryLock(ctx, key, s.markerTTL)
		if err != nil {
			return nil, newError(ErrKindProviderCreateFailed, "could not reserve approval", err)
		}
		if !acquired {
			return nil, &Error{Kind: ErrKindConflict, Message: "approval already in progress", Current: r.Status, Action: action}
		}
		defer func() {
			if err := s.locks.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("failed to release approval marker")
			}
		}()

		provider, err := s.providers.ForFacility(ctx, facilityID)
		if err != nil {
			log.Error().Err(err).Msg("meeting provider unavailable")
			return nil, newError(ErrKindProviderCreateFailed, "meeting provider unavailable", err)
		}
		ref, err := provider.Create(ctx, meeting.CreateSpec{
			Topic:           fmt.Sprintf("Video consultation %s", r.ID),
			StartAt:         *upd.ConfirmedStart,
			DurationMinutes: *upd.ConsultationDurationMinutes,
			EndAt:           *upd.ConfirmedEnd,
			IdempotencyKey:  key,
		})
		if err != nil {
			log.Error().Err(err).Str("provider", string(provider.Kind())).Msg("meeting create failed")
			var pe *meeting.ProviderError
			if errors.As(err, &pe) && pe.Orphan != nil {
				s.recordDangling(ctx, log, r, *pe.Orphan, "orphaned_on_create", pe.CleanupErr)
			}
			return nil, newError(ErrKindProviderCreateFailed, "meeting provider could not create the meeting", err)
		}
		created = ref
		if r.HasMeeting() {
			old := meetingRef(r)
			replaced = &old
		}
		setMeeting(upd, ref)

	case leavesMeeting(action) && r.HasMeeting():
		var drop bool
		drop, released = s.release(ctx, log, r, "left_approved")
		if drop {
			upd.ClearMeeting()
		}
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.UpdateConditional(ctx, upd, r.Version); err != nil {
			return err
		}
		return s.repo.AppendTransition(ctx, &TransitionRecord{
			ID:            uuid.New(),
			ReservationID: r.ID,
			FacilityID:    r.FacilityID,
			Action:        action,
			FromStatus:    r.Status,
			ToStatus:      next,
			Actor:         req.Actor,
			At:            now,
		})
	})
	if err != nil {
		return nil, s.persistError(ctx, log, r, action, created, released, err)
	}

	if replaced != nil {
		s.releaseRef(ctx, log, r, *replaced, "replaced", false)
	}

	log.Info().Str("from", string(r.Status)).Str("to", string(next)).Msg("reservation transitioned")

	out := &Outcome{
		Success:     true,
		Message:     fmt.Sprintf("reservation %s", next),
		Reservation: upd.ToView(),
	}
	if action == ActionApprove {
		out.JoinURL = upd.JoinURLForFacility()
	}
	return out, nil
}

// apply validates the action payload and returns an updated copy of r. r is
// not modified.
func (s *Service) apply(r *Reservation, action Action, req TransitionRequest) (*Reservation, error) {
	if err := validate.Struct(req); err != nil {
		return nil, &Error{Kind: ErrKindValidation, Message: validationMessage(err), Current: r.Status, Action: action}
	}
	invalid := func(msg string) error {
		return &Error{Kind: ErrKindValidation, Message: msg, Current: r.Status, Action: action}
	}

	upd := *r
	switch action {
	case ActionApprove:
		if req.ConfirmedStart == nil || req.ConfirmedEnd == nil {
			return nil, invalid("confirmedStart and confirmedEnd are required to approve")
		}
		window := NewSlot(*req.ConfirmedStart, *req.ConfirmedEnd)
		if err := window.Validate(); err != nil {
			return nil, invalid(err.Error())
		}
		duration := DefaultDurationMinutes
		if req.ConsultationDurationMinutes != nil {
			duration = *req.ConsultationDurationMinutes
		}
		if duration <= 0 {
			return nil, invalid("consultationDurationMinutes must be positive")
		}
		upd.ConfirmedStart = &window.Start
		upd.ConfirmedEnd = &window.End
		upd.ConsultationDurationMinutes = &duration

	case ActionReject:
		upd.CancelReasonCode = trimmed(req.CancelReasonCode)
		upd.CancelReasonText = trimmed(req.CancelReasonText)

	case ActionRequestChange:
		if len(req.HospitalProposedSlots) == 0 {
			return nil, invalid("at least one hospitalProposedSlot is required")
		}
		slots, err := NormalizeSlots(req.HospitalProposedSlots)
		if err != nil {
			return nil, invalid(err.Error())
		}
		upd.HospitalProposedSlots = slots

	case ActionMarkNoShow:
		at := s.now().UTC()
		upd.NoShowFlag = true
		upd.NoShowMarkedAt = &at
	}
	return &upd, nil
}

// release deletes r's live meeting when its provider requires explicit
// cleanup. It reports whether the reference should be cleared from the row,
// and returns the reference when the provider confirmed the delete.
func (s *Service) release(ctx context.Context, log zerolog.Logger, r *Reservation, reason string) (bool, *meeting.Ref) {
	ref := meetingRef(r)
	provider, err := s.providers.Get(ref.Provider)
	if err != nil {
		s.recordDangling(ctx, log, r, ref, reason, err)
		return true, nil
	}
	if provider.CleanupPolicy() != meeting.CleanupExplicit {
		log.Debug().Str("provider", string(ref.Provider)).Str("external_id", ref.ExternalID).
			Msg("meeting left to expire")
		return false, nil
	}
	if err := provider.Delete(ctx, ref); err != nil {
		s.recordDangling(ctx, log, r, ref, reason, err)
		return true, nil
	}
	return true, &ref
}

// releaseRef deletes ref, detached from the caller's cancellation. Unless
// always is set, self-expiring meetings are left alone. Failures are recorded
// as dangling.
func (s *Service) releaseRef(ctx context.Context, log zerolog.Logger, r *Reservation, ref meeting.Ref, reason string, always bool) {
	ctx = context.WithoutCancel(ctx)
	provider, err := s.providers.Get(ref.Provider)
	if err != nil {
		s.recordDangling(ctx, log, r, ref, reason, err)
		return
	}
	if !always && provider.CleanupPolicy() != meeting.CleanupExplicit {
		return
	}
	if err := provider.Delete(ctx, ref); err != nil {
		s.recordDangling(ctx, log, r, ref, reason, err)
	}
}

func (s *Service) recordDangling(ctx context.Context, log zerolog.Logger, r *Reservation, ref meeting.Ref, reason string, cause error) {
	ctx = context.WithoutCancel(ctx)
	log.Warn().Err(cause).
		Str("provider", string(ref.Provider)).
		Str("external_id", ref.ExternalID).
		Str("reason", reason).
		Msg("meeting cleanup failed")

	d := &DanglingMeeting{
		ID:            uuid.New(),
		ReservationID: r.ID,
		FacilityID:    r.FacilityID,
		Provider:      MeetingProvider(ref.Provider),
		ExternalID:    ref.ExternalID,
		Reason:        reason,
		Error:         errString(cause),
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repo.RecordDanglingMeeting(ctx, d); err != nil {
		log.Error().Err(err).Str("external_id", ref.ExternalID).Msg("failed to record dangling meeting")
	}
	s.alert(ctx, log, alert.Alert{
		Kind:          alert.KindDanglingMeeting,
		ReservationID: r.ID.String(),
		FacilityID:    r.FacilityID.String(),
		Provider:      string(ref.Provider),
		ExternalID:    ref.ExternalID,
		Reason:        reason,
		Error:         d.Error,
		At:            d.CreatedAt,
	})
}

func (s *Service) alert(ctx context.Context, log zerolog.Logger, a alert.Alert) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Alert(ctx, a); err != nil {
		log.Error().Err(err).Str("kind", a.Kind).Msg("failed to deliver alert")
	}
}

// persistError classifies a failed transition write and compensates for a
// meeting created by this attempt. A meeting already released by this attempt
// is still referenced by the stored row; operators are alerted so the row can
// be corrected.
func (s *Service) persistError(ctx context.Context, log zerolog.Logger, r *Reservation, action Action, created, released *meeting.Ref, err error) error {
	if released != nil {
		log.Warn().Err(err).
			Str("provider", string(released.Provider)).
			Str("external_id", released.ExternalID).
			Msg("meeting released but transition not stored")
	}
	staleAlert := func() {
		if released == nil {
			return
		}
		s.alert(context.WithoutCancel(ctx), log, alert.Alert{
			Kind:          alert.KindStaleMeetingReference,
			ReservationID: r.ID.String(),
			FacilityID:    r.FacilityID.String(),
			Provider:      string(released.Provider),
			ExternalID:    released.ExternalID,
			Reason:        string(action),
			Error:         err.Error(),
			At:            s.now().UTC(),
		})
	}

	switch {
	case errors.Is(err, ErrVersionConflict):
		if created != nil {
			s.releaseRef(ctx, log, r, *created, "compensation_conflict", true)
		}
		log.Warn().Msg("reservation changed concurrently")
		staleAlert()
		return &Error{Kind: ErrKindConflict, Message: "reservation was modified concurrently; reload and retry",
			Current: r.Status, Action: action, Err: err}

	case errors.Is(err, ErrNotFound):
		if created != nil {
			s.releaseRef(ctx, log, r, *created, "compensation_not_found", true)
		}
		staleAlert()
		return &Error{Kind: ErrKindNotFound, Message: "reservation not found", Action: action, Err: err}
	}

	log.Error().Err(err).Msg("failed to persist transition")
	a := alert.Alert{
		Kind:          alert.KindPersistFailed,
		ReservationID: r.ID.String(),
		FacilityID:    r.FacilityID.String(),
		Reason:        string(action),
		Error:         err.Error(),
		At:            s.now().UTC(),
	}
	switch {
	case created != nil:
		a.Provider = string(created.Provider)
		a.ExternalID = created.ExternalID
		s.releaseRef(ctx, log, r, *created, "compensation_persist_failed", true)
	case released != nil:
		a.Provider = string(released.Provider)
		a.ExternalID = released.ExternalID
	}
	s.alert(context.WithoutCancel(ctx), log, a)
	return &Error{Kind: ErrKindPersistFailed, Message: "failed to persist transition", Current: r.Status, Action: action, Err: err}
}

func (s *Service) loadError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return newError(ErrKindNotFound, "reservation not found", err)
	}
	return newError(ErrKindPersistFailed, "failed to load reservation", err)
}

// meetingRef rebuilds the provider reference held by r.
func meetingRef(r *Reservation) meeting.Ref {
	switch r.MeetingProvider {
	case ProviderZoom:
		return meeting.Ref{
			Provider:    meeting.KindZoom,
			ExternalID:  r.Zoom.MeetingID,
			JoinURL:     r.Zoom.JoinURL,
			HostJoinURL: r.Zoom.JoinURL,
			Password:    r.Zoom.Password,
		}
	case ProviderDaily:
		return meeting.Ref{
			Provider:    meeting.KindDaily,
			ExternalID:  r.Daily.RoomID,
			JoinURL:     r.Daily.JoinURLForMember,
			HostJoinURL: r.Daily.JoinURLForFacility,
		}
	}
	return meeting.Ref{Provider: meeting.Kind(r.MeetingProvider)}
}

// setMeeting stores ref on r, clearing the other provider's bundle.
func setMeeting(r *Reservation, ref *meeting.Ref) {
	r.ClearMeeting()
	switch ref.Provider {
	case meeting.KindZoom:
		r.MeetingProvider = ProviderZoom
		r.Zoom = ZoomMeeting{MeetingID: ref.ExternalID, JoinURL: ref.JoinURL, Password: ref.Password}
	case meeting.KindDaily:
		r.MeetingProvider = ProviderDaily
		host := ref.HostJoinURL
		if host == "" {
			host = ref.JoinURL
		}
		r.Daily = DailyRoom{RoomID: ref.ExternalID, JoinURLForMember: ref.JoinURL, JoinURLForFacility: host}
	}
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
