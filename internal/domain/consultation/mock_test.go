package consultation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/teleconsult/internal/platform/alert"
	"github.com/ehr/teleconsult/internal/platform/locker"
	"github.com/ehr/teleconsult/internal/platform/meeting"
)

// -- Mock Repository --

type mockRepo struct {
	mu          sync.Mutex
	rows        map[uuid.UUID]*Reservation
	transitions []*TransitionRecord
	dangling    []*DanglingMeeting

	updateErr   error
	appendErr   error
	beforeWrite func()
	writes      int
}

func newMockRepo() *mockRepo {
	return &mockRepo{rows: make(map[uuid.UUID]*Reservation)}
}

func clone(r *Reservation) *Reservation {
	c := *r
	c.RequestedSlots = append([]Slot(nil), r.RequestedSlots...)
	if r.HospitalProposedSlots != nil {
		c.HospitalProposedSlots = append([]Slot(nil), r.HospitalProposedSlots...)
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	c.ConfirmedStart = copyTime(r.ConfirmedStart)
	c.ConfirmedEnd = copyTime(r.ConfirmedEnd)
	c.NoShowMarkedAt = copyTime(r.NoShowMarkedAt)
	if r.ConsultationDurationMinutes != nil {
		v := *r.ConsultationDurationMinutes
		c.ConsultationDurationMinutes = &v
	}
	if r.CancelReasonCode != nil {
		v := *r.CancelReasonCode
		c.CancelReasonCode = &v
	}
	if r.CancelReasonText != nil {
		v := *r.CancelReasonText
		c.CancelReasonText = &v
	}
	return &c
}

func (m *mockRepo) put(r *Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.ID] = clone(r)
}

func (m *mockRepo) stored(id uuid.UUID) *Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil
	}
	return clone(r)
}

func (m *mockRepo) Create(_ context.Context, r *Reservation) error {
	m.put(r)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, facilityID, id uuid.UUID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.FacilityID != facilityID {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *mockRepo) UpdateConditional(_ context.Context, r *Reservation, expectedVersion int) error {
	if m.beforeWrite != nil {
		m.beforeWrite()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	cur, ok := m.rows[r.ID]
	if !ok || cur.FacilityID != r.FacilityID {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	r.Version = expectedVersion + 1
	m.rows[r.ID] = clone(r)
	m.writes++
	return nil
}

func (m *mockRepo) ListByFacility(_ context.Context, facilityID uuid.UUID, status Status, limit, offset int) ([]*Reservation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Reservation
	for _, r := range m.rows {
		if r.FacilityID == facilityID && (status == "" || r.Status == status) {
			result = append(result, clone(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.String() < result[j].ID.String() })
	total := len(result)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return result[offset:end], total, nil
}

func (m *mockRepo) AppendTransition(_ context.Context, t *TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.transitions = append(m.transitions, t)
	return nil
}

func (m *mockRepo) ListTransitions(_ context.Context, facilityID, reservationID uuid.UUID) ([]*TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*TransitionRecord
	for _, t := range m.transitions {
		if t.FacilityID == facilityID && t.ReservationID == reservationID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (m *mockRepo) RecordDanglingMeeting(_ context.Context, d *DanglingMeeting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dangling = append(m.dangling, d)
	return nil
}

func (m *mockRepo) ListDanglingMeetings(_ context.Context, facilityID uuid.UUID, limit, offset int) ([]*DanglingMeeting, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*DanglingMeeting
	for _, d := range m.dangling {
		if facilityID == uuid.Nil || d.FacilityID == facilityID {
			result = append(result, d)
		}
	}
	return result, len(result), nil
}

// mockTx snapshots the repository and restores it when fn fails.
type mockTx struct {
	repo *mockRepo
}

func (t *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.repo.mu.Lock()
	rows := make(map[uuid.UUID]*Reservation, len(t.repo.rows))
	for k, v := range t.repo.rows {
		rows[k] = clone(v)
	}
	transitions := append([]*TransitionRecord(nil), t.repo.transitions...)
	t.repo.mu.Unlock()

	if err := fn(ctx); err != nil {
		t.repo.mu.Lock()
		t.repo.rows = rows
		t.repo.transitions = transitions
		t.repo.mu.Unlock()
		return err
	}
	return nil
}

// -- Fake providers --

type fakeProvider struct {
	mu        sync.Mutex
	kind      meeting.Kind
	policy    meeting.CleanupPolicy
	createErr error
	deleteErr error
	creates   []meeting.CreateSpec
	deletes   []meeting.Ref
	seq       int
	// onCreate runs before Create records the call, outside the lock.
	onCreate func()
}

func (f *fakeProvider) Kind() meeting.Kind                   { return f.kind }
func (f *fakeProvider) CleanupPolicy() meeting.CleanupPolicy { return f.policy }

func (f *fakeProvider) Create(_ context.Context, spec meeting.CreateSpec) (*meeting.Ref, error) {
	if hook := f.onCreate; hook != nil {
		f.onCreate = nil
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, spec)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	switch f.kind {
	case meeting.KindDaily:
		name := "room-" + uuid.NewString()[:8]
		return &meeting.Ref{
			Provider:    meeting.KindDaily,
			ExternalID:  name,
			JoinURL:     "https://clinic.daily.test/" + name,
			HostJoinURL: "https://clinic.daily.test/" + name + "?t=owner",
		}, nil
	}
	id := uuid.NewString()[:8]
	return &meeting.Ref{
		Provider:    meeting.KindZoom,
		ExternalID:  id,
		JoinURL:     "https://zoom.test/j/" + id,
		HostJoinURL: "https://zoom.test/j/" + id,
		Password:    "pw",
	}, nil
}

func (f *fakeProvider) Delete(_ context.Context, ref meeting.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, ref)
	return f.deleteErr
}

func (f *fakeProvider) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeProvider) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

type fakeResolver struct {
	providers map[meeting.Kind]meeting.Provider
	facility  meeting.Kind
	err       error
}

func (r *fakeResolver) ForFacility(_ context.Context, _ uuid.UUID) (meeting.Provider, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.Get(r.facility)
}

func (r *fakeResolver) Get(kind meeting.Kind) (meeting.Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, meeting.ErrUnknownProvider
	}
	return p, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *recordingAlerter) Alert(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

// -- Harness --

type harness struct {
	svc      *Service
	repo     *mockRepo
	zoom     *fakeProvider
	daily    *fakeProvider
	resolver *fakeResolver
	locks    *locker.Memory
	alerts   *recordingAlerter
	facility uuid.UUID
	now      time.Time
}

func newHarness(facilityProvider meeting.Kind) *harness {
	h := &harness{
		repo:     newMockRepo(),
		zoom:     &fakeProvider{kind: meeting.KindZoom, policy: meeting.CleanupExplicit},
		daily:    &fakeProvider{kind: meeting.KindDaily, policy: meeting.CleanupSelfExpiry},
		locks:    locker.NewMemory(),
		alerts:   &recordingAlerter{},
		facility: uuid.New(),
		now:      time.Date(2025, 1, 9, 12, 0, 0, 0, time.UTC),
	}
	h.resolver = &fakeResolver{
		providers: map[meeting.Kind]meeting.Provider{
			meeting.KindZoom:  h.zoom,
			meeting.KindDaily: h.daily,
		},
		facility: facilityProvider,
	}
	h.svc = NewService(h.repo, &mockTx{repo: h.repo}, h.resolver, h.locks, h.alerts, zerolog.Nop(),
		WithClock(func() time.Time { return h.now }))
	return h
}

func (h *harness) seed(status Status) *Reservation {
	r := &Reservation{
		ID:           uuid.New(),
		FacilityID:   h.facility,
		MemberID:     uuid.New(),
		SubmissionID: uuid.New(),
		Status:       status,
		RequestedSlots: []Slot{
			NewSlot(mustTime("2025-01-10T02:00:00Z"), mustTime("2025-01-10T02:30:00Z")),
			NewSlot(mustTime("2025-01-11T02:00:00Z"), mustTime("2025-01-11T02:30:00Z")),
		},
		UserTimezone:    "Asia/Jakarta",
		MeetingProvider: ProviderNone,
		Version:         1,
		StatusChangedAt: h.now.Add(-time.Hour),
		CreatedAt:       h.now.Add(-time.Hour),
		UpdatedAt:       h.now.Add(-time.Hour),
	}
	h.repo.put(r)
	return r
}

// seedApproved stores an approved reservation holding a meeting from kind.
func (h *harness) seedApproved(kind MeetingProvider) *Reservation {
	r := h.seed(StatusApproved)
	start := mustTime("2025-01-10T02:00:00Z")
	end := mustTime("2025-01-10T02:30:00Z")
	d := 30
	r.ConfirmedStart, r.ConfirmedEnd, r.ConsultationDurationMinutes = &start, &end, &d
	r.MeetingProvider = kind
	switch kind {
	case ProviderZoom:
		r.Zoom = ZoomMeeting{MeetingID: "84512345678", JoinURL: "https://zoom.test/j/84512345678", Password: "pw"}
	case ProviderDaily:
		r.Daily = DailyRoom{RoomID: "room-1", JoinURLForMember: "https://clinic.daily.test/room-1",
			JoinURLForFacility: "https://clinic.daily.test/room-1?t=owner"}
	}
	h.repo.put(r)
	return r
}

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func timePtr(s string) *time.Time {
	t := mustTime(s)
	return &t
}

func intPtr(i int) *int { return &i }

func strRef(s string) *string { return &s }
