package consultation

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
)

// Status is the lifecycle position of a reservation.
type Status string

const (
	StatusRequested   Status = "requested"
	StatusNeedsChange Status = "needs_change"
	StatusRescheduled Status = "rescheduled"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusCompleted   Status = "completed"
	StatusNoShow      Status = "no_show"
)

// AllStatuses lists every status in the closed set.
var AllStatuses = []Status{
	StatusRequested, StatusNeedsChange, StatusRescheduled, StatusApproved,
	StatusRejected, StatusCompleted, StatusNoShow,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// MeetingProvider identifies which provider reference bundle is populated.
type MeetingProvider string

const (
	ProviderNone  MeetingProvider = "none"
	ProviderZoom  MeetingProvider = "zoom"
	ProviderDaily MeetingProvider = "daily"
)

// DefaultDurationMinutes is applied to approve requests that omit a duration.
const DefaultDurationMinutes = 30

// Slot is a candidate or confirmed meeting window. Instants are kept in UTC.
type Slot struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required"`
}

// NewSlot normalises both instants to UTC.
func NewSlot(start, end time.Time) Slot {
	return Slot{Start: start.UTC(), End: end.UTC()}
}

// Validate checks that both instants are set and the window is non-empty.
func (s Slot) Validate() error {
	if s.Start.IsZero() || s.End.IsZero() {
		return fmt.Errorf("slot start and end are required")
	}
	if !s.Start.Before(s.End) {
		return fmt.Errorf("slot start %s must be before end %s",
			s.Start.UTC().Format(time.RFC3339), s.End.UTC().Format(time.RFC3339))
	}
	return nil
}

// LocalSlot is a slot rendered on the member's wall clock.
type LocalSlot struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Timezone  string `json:"timezone"`
}

// Local renders the window in loc without touching the stored instants.
func (s Slot) Local(loc *time.Location) LocalSlot {
	if loc == nil {
		loc = time.UTC
	}
	start, end := s.Start.In(loc), s.End.In(loc)
	return LocalSlot{
		Date:      start.Format("2006-01-02"),
		StartTime: start.Format("15:04"),
		EndTime:   end.Format("15:04"),
		Timezone:  loc.String(),
	}
}

// LoadTimezone resolves an IANA identifier, falling back to UTC for display.
func LoadTimezone(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NormalizeSlots returns a UTC copy of slots, validating each window.
func NormalizeSlots(slots []Slot) ([]Slot, error) {
	out := make([]Slot, 0, len(slots))
	for i, sl := range slots {
		n := NewSlot(sl.Start, sl.End)
		if err := n.Validate(); err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// ZoomMeeting is the Provider A reference bundle.
type ZoomMeeting struct {
	MeetingID string `json:"meeting_id,omitempty"`
	JoinURL   string `json:"join_url,omitempty"`
	Password  string `json:"password,omitempty"`
}

func (z ZoomMeeting) IsZero() bool { return z == ZoomMeeting{} }

// DailyRoom is the Provider B reference bundle.
type DailyRoom struct {
	RoomID             string `json:"room_id,omitempty"`
	JoinURLForMember   string `json:"join_url_for_member,omitempty"`
	JoinURLForFacility string `json:"join_url_for_facility,omitempty"`
}

func (d DailyRoom) IsZero() bool { return d == DailyRoom{} }

// Reservation maps to the consultation_reservation table.
type Reservation struct {
	ID                          uuid.UUID       `db:"id" json:"id"`
	FacilityID                  uuid.UUID       `db:"facility_id" json:"facility_id"`
	MemberID                    uuid.UUID       `db:"member_id" json:"member_id"`
	SubmissionID                uuid.UUID       `db:"submission_id" json:"submission_id"`
	Status                      Status          `db:"status" json:"status"`
	RequestedSlots              []Slot          `db:"requested_slots" json:"requested_slots"`
	UserTimezone                string          `db:"user_timezone" json:"user_timezone"`
	HospitalProposedSlots       []Slot          `db:"hospital_proposed_slots" json:"hospital_proposed_slots,omitempty"`
	ConfirmedStart              *time.Time      `db:"confirmed_start" json:"confirmed_start,omitempty"`
	ConfirmedEnd                *time.Time      `db:"confirmed_end" json:"confirmed_end,omitempty"`
	ConsultationDurationMinutes *int            `db:"consultation_duration_minutes" json:"consultation_duration_minutes,omitempty"`
	MeetingProvider             MeetingProvider `db:"meeting_provider" json:"meeting_provider"`
	Zoom                        ZoomMeeting     `json:"zoom,omitempty"`
	Daily                       DailyRoom       `json:"daily,omitempty"`
	CancelReasonCode            *string         `db:"cancel_reason_code" json:"cancel_reason_code,omitempty"`
	CancelReasonText            *string         `db:"cancel_reason_text" json:"cancel_reason_text,omitempty"`
	NoShowFlag                  bool            `db:"no_show_flag" json:"no_show_flag"`
	NoShowMarkedAt              *time.Time      `db:"no_show_marked_at" json:"no_show_marked_at,omitempty"`
	Version                     int             `db:"version" json:"version"`
	StatusChangedAt             time.Time       `db:"status_changed_at" json:"status_changed_at"`
	CreatedAt                   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt                   time.Time       `db:"updated_at" json:"updated_at"`
}

// HasMeeting reports whether a provider reference is currently held.
func (r *Reservation) HasMeeting() bool {
	return r.MeetingProvider != "" && r.MeetingProvider != ProviderNone
}

// ClearMeeting drops the provider reference bundle.
func (r *Reservation) ClearMeeting() {
	r.MeetingProvider = ProviderNone
	r.Zoom = ZoomMeeting{}
	r.Daily = DailyRoom{}
}

// ConfirmedSlot returns the confirmed window, if any.
func (r *Reservation) ConfirmedSlot() (Slot, bool) {
	if r.ConfirmedStart == nil || r.ConfirmedEnd == nil {
		return Slot{}, false
	}
	return Slot{Start: *r.ConfirmedStart, End: *r.ConfirmedEnd}, true
}

// CheckInvariants verifies the provider bundle exclusivity and confirmed window
// ordering. It does not check the status/meeting coupling, which depends on
// the provider's cleanup policy.
func (r *Reservation) CheckInvariants() error {
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	switch r.MeetingProvider {
	case ProviderNone, "":
		if !r.Zoom.IsZero() || !r.Daily.IsZero() {
			return fmt.Errorf("meeting reference present without provider")
		}
	case ProviderZoom:
		if !r.Daily.IsZero() {
			return fmt.Errorf("daily reference present on zoom reservation")
		}
	case ProviderDaily:
		if !r.Zoom.IsZero() {
			return fmt.Errorf("zoom reference present on daily reservation")
		}
	default:
		return fmt.Errorf("unknown meeting provider %q", r.MeetingProvider)
	}
	if r.ConfirmedStart != nil && r.ConfirmedEnd != nil && !r.ConfirmedStart.Before(*r.ConfirmedEnd) {
		return fmt.Errorf("confirmed start must be before confirmed end")
	}
	return nil
}

// JoinURLForFacility returns the link the facility uses to join.
func (r *Reservation) JoinURLForFacility() string {
	switch r.MeetingProvider {
	case ProviderZoom:
		return r.Zoom.JoinURL
	case ProviderDaily:
		return r.Daily.JoinURLForFacility
	}
	return ""
}

// View is the read model returned by the API, with windows rendered in the
// member's timezone alongside the UTC instants.
type View struct {
	*Reservation
	RequestedLocal []LocalSlot `json:"requested_slots_local,omitempty"`
	ProposedLocal  []LocalSlot `json:"hospital_proposed_slots_local,omitempty"`
	ConfirmedLocal *LocalSlot  `json:"confirmed_local,omitempty"`
}

func (r *Reservation) ToView() *View {
	loc := LoadTimezone(r.UserTimezone)
	v := &View{Reservation: r}
	for _, sl := range r.RequestedSlots {
		v.RequestedLocal = append(v.RequestedLocal, sl.Local(loc))
	}
	for _, sl := range r.HospitalProposedSlots {
		v.ProposedLocal = append(v.ProposedLocal, sl.Local(loc))
	}
	if sl, ok := r.ConfirmedSlot(); ok {
		l := sl.Local(loc)
		v.ConfirmedLocal = &l
	}
	return v
}

// TransitionRecord maps to the consultation_reservation_transition table.
type TransitionRecord struct {
	ID            uuid.UUID `db:"id" json:"id"`
	ReservationID uuid.UUID `db:"reservation_id" json:"reservation_id"`
	FacilityID    uuid.UUID `db:"facility_id" json:"facility_id"`
	Action        Action    `db:"action" json:"action"`
	FromStatus    Status    `db:"from_status" json:"from_status"`
	ToStatus      Status    `db:"to_status" json:"to_status"`
	Actor         string    `db:"actor" json:"actor"`
	At            time.Time `db:"at" json:"at"`
}

// DanglingMeeting is a remote meeting whose deletion failed and needs
// out-of-band cleanup.
type DanglingMeeting struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	ReservationID uuid.UUID       `db:"reservation_id" json:"reservation_id"`
	FacilityID    uuid.UUID       `db:"facility_id" json:"facility_id"`
	Provider      MeetingProvider `db:"provider" json:"provider"`
	ExternalID    string          `db:"external_id" json:"external_id"`
	Reason        string          `db:"reason" json:"reason"`
	Error         string          `db:"error" json:"error"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
