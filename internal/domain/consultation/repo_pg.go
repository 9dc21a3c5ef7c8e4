package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/teleconsult/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type reservationRepoPG struct{ pool *pgxpool.Pool }

func NewReservationRepoPG(pool *pgxpool.Pool) ReservationRepository {
	return &reservationRepoPG{pool: pool}
}

func (r *reservationRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const reservationCols = `id, facility_id, member_id, submission_id, status,
	requested_slots, user_timezone, hospital_proposed_slots,
	confirmed_start, confirmed_end, consultation_duration_minutes,
	meeting_provider, zoom_meeting_id, zoom_join_url, zoom_password,
	daily_room_id, daily_join_url_member, daily_join_url_facility,
	cancel_reason_code, cancel_reason_text, no_show_flag, no_show_marked_at,
	version, status_changed_at, created_at, updated_at`

func (r *reservationRepoPG) scanReservation(row pgx.Row) (*Reservation, error) {
	var (
		res                                 Reservation
		requested, proposed                 []byte
		zoomID, zoomURL, zoomPass           *string
		dailyID, dailyMember, dailyFacility *string
	)
	err := row.Scan(&res.ID, &res.FacilityID, &res.MemberID, &res.SubmissionID, &res.Status,
		&requested, &res.UserTimezone, &proposed,
		&res.ConfirmedStart, &res.ConfirmedEnd, &res.ConsultationDurationMinutes,
		&res.MeetingProvider, &zoomID, &zoomURL, &zoomPass,
		&dailyID, &dailyMember, &dailyFacility,
		&res.CancelReasonCode, &res.CancelReasonText, &res.NoShowFlag, &res.NoShowMarkedAt,
		&res.Version, &res.StatusChangedAt, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if res.RequestedSlots, err = decodeSlots(requested); err != nil {
		return nil, fmt.Errorf("decode requested_slots: %w", err)
	}
	if res.HospitalProposedSlots, err = decodeSlots(proposed); err != nil {
		return nil, fmt.Errorf("decode hospital_proposed_slots: %w", err)
	}
	res.Zoom = ZoomMeeting{MeetingID: strVal(zoomID), JoinURL: strVal(zoomURL), Password: strVal(zoomPass)}
	res.Daily = DailyRoom{RoomID: strVal(dailyID), JoinURLForMember: strVal(dailyMember), JoinURLForFacility: strVal(dailyFacility)}
	res.toUTC()
	return &res, nil
}

func (r *reservationRepoPG) Create(ctx context.Context, res *Reservation) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	if res.Status == "" {
		res.Status = StatusRequested
	}
	if res.MeetingProvider == "" {
		res.MeetingProvider = ProviderNone
	}
	if res.Version == 0 {
		res.Version = 1
	}
	now := time.Now().UTC()
	res.StatusChangedAt, res.CreatedAt, res.UpdatedAt = now, now, now

	requested, err := encodeSlots(res.RequestedSlots, false)
	if err != nil {
		return err
	}
	proposed, err := encodeSlots(res.HospitalProposedSlots, true)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO consultation_reservation (id, facility_id, member_id, submission_id, status,
			requested_slots, user_timezone, hospital_proposed_slots,
			confirmed_start, confirmed_end, consultation_duration_minutes,
			meeting_provider, zoom_meeting_id, zoom_join_url, zoom_password,
			daily_room_id, daily_join_url_member, daily_join_url_facility,
			cancel_reason_code, cancel_reason_text, no_show_flag, no_show_marked_at,
			version, status_changed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		res.ID, res.FacilityID, res.MemberID, res.SubmissionID, res.Status,
		requested, res.UserTimezone, proposed,
		res.ConfirmedStart, res.ConfirmedEnd, res.ConsultationDurationMinutes,
		res.MeetingProvider, strPtr(res.Zoom.MeetingID), strPtr(res.Zoom.JoinURL), strPtr(res.Zoom.Password),
		strPtr(res.Daily.RoomID), strPtr(res.Daily.JoinURLForMember), strPtr(res.Daily.JoinURLForFacility),
		res.CancelReasonCode, res.CancelReasonText, res.NoShowFlag, res.NoShowMarkedAt,
		res.Version, res.StatusChangedAt, res.CreatedAt, res.UpdatedAt)
	return err
}

func (r *reservationRepoPG) GetByID(ctx context.Context, facilityID, id uuid.UUID) (*Reservation, error) {
	return r.scanReservation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+reservationCols+` FROM consultation_reservation WHERE id = $1 AND facility_id = $2`,
		id, facilityID))
}

func (r *reservationRepoPG) UpdateConditional(ctx context.Context, res *Reservation, expectedVersion int) error {
	proposed, err := encodeSlots(res.HospitalProposedSlots, true)
	if err != nil {
		return err
	}
	var (
		newVersion int
		updatedAt  time.Time
	)
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE consultation_reservation SET status=$4, hospital_proposed_slots=$5,
			confirmed_start=$6, confirmed_end=$7, consultation_duration_minutes=$8,
			meeting_provider=$9, zoom_meeting_id=$10, zoom_join_url=$11, zoom_password=$12,
			daily_room_id=$13, daily_join_url_member=$14, daily_join_url_facility=$15,
			cancel_reason_code=$16, cancel_reason_text=$17, no_show_flag=$18, no_show_marked_at=$19,
			status_changed_at=$20, version = version + 1, updated_at=NOW()
		WHERE id = $1 AND facility_id = $2 AND version = $3
		RETURNING version, updated_at`,
		res.ID, res.FacilityID, expectedVersion,
		res.Status, proposed,
		res.ConfirmedStart, res.ConfirmedEnd, res.ConsultationDurationMinutes,
		res.MeetingProvider, strPtr(res.Zoom.MeetingID), strPtr(res.Zoom.JoinURL), strPtr(res.Zoom.Password),
		strPtr(res.Daily.RoomID), strPtr(res.Daily.JoinURLForMember), strPtr(res.Daily.JoinURLForFacility),
		res.CancelReasonCode, res.CancelReasonText, res.NoShowFlag, res.NoShowMarkedAt,
		res.StatusChangedAt,
	).Scan(&newVersion, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM consultation_reservation WHERE id = $1 AND facility_id = $2)`,
			res.ID, res.FacilityID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	res.Version = newVersion
	res.UpdatedAt = updatedAt.UTC()
	return nil
}

func (r *reservationRepoPG) ListByFacility(ctx context.Context, facilityID uuid.UUID, status Status, limit, offset int) ([]*Reservation, int, error) {
	where := ` WHERE facility_id = $1`
	args := []interface{}{facilityID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consultation_reservation`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM consultation_reservation%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		reservationCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Reservation
	for rows.Next() {
		res, err := r.scanReservation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, res)
	}
	return items, total, rows.Err()
}

func (r *reservationRepoPG) AppendTransition(ctx context.Context, t *TransitionRecord) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consultation_reservation_transition (id, reservation_id, facility_id, action, from_status, to_status, actor, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.ReservationID, t.FacilityID, t.Action, t.FromStatus, t.ToStatus, t.Actor, t.At)
	return err
}

func (r *reservationRepoPG) ListTransitions(ctx context.Context, facilityID, reservationID uuid.UUID) ([]*TransitionRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, reservation_id, facility_id, action, from_status, to_status, actor, at
		FROM consultation_reservation_transition
		WHERE facility_id = $1 AND reservation_id = $2 ORDER BY at`, facilityID, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TransitionRecord
	for rows.Next() {
		var t TransitionRecord
		if err := rows.Scan(&t.ID, &t.ReservationID, &t.FacilityID, &t.Action,
			&t.FromStatus, &t.ToStatus, &t.Actor, &t.At); err != nil {
			return nil, err
		}
		items = append(items, &t)
	}
	return items, rows.Err()
}

func (r *reservationRepoPG) RecordDanglingMeeting(ctx context.Context, d *DanglingMeeting) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dangling_meeting (id, reservation_id, facility_id, provider, external_id, reason, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ID, d.ReservationID, d.FacilityID, d.Provider, d.ExternalID, d.Reason, d.Error, d.CreatedAt)
	return err
}

func (r *reservationRepoPG) ListDanglingMeetings(ctx context.Context, facilityID uuid.UUID, limit, offset int) ([]*DanglingMeeting, int, error) {
	where := ""
	args := []interface{}{}
	if facilityID != uuid.Nil {
		where = " WHERE facility_id = $1"
		args = append(args, facilityID)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM dangling_meeting`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT id, reservation_id, facility_id, provider, external_id, reason, error, created_at
		FROM dangling_meeting%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*DanglingMeeting
	for rows.Next() {
		var d DanglingMeeting
		if err := rows.Scan(&d.ID, &d.ReservationID, &d.FacilityID, &d.Provider,
			&d.ExternalID, &d.Reason, &d.Error, &d.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &d)
	}
	return items, total, rows.Err()
}

// -- helpers --

func encodeSlots(slots []Slot, nullable bool) ([]byte, error) {
	if slots == nil {
		if nullable {
			return nil, nil
		}
		slots = []Slot{}
	}
	b, err := json.Marshal(slots)
	if err != nil {
		return nil, fmt.Errorf("encode slots: %w", err)
	}
	return b, nil
}

func decodeSlots(b []byte) ([]Slot, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var slots []Slot
	if err := json.Unmarshal(b, &slots); err != nil {
		return nil, err
	}
	for i := range slots {
		slots[i] = NewSlot(slots[i].Start, slots[i].End)
	}
	return slots, nil
}

func (r *Reservation) toUTC() {
	utc := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		u := t.UTC()
		return &u
	}
	r.ConfirmedStart = utc(r.ConfirmedStart)
	r.ConfirmedEnd = utc(r.ConfirmedEnd)
	r.NoShowMarkedAt = utc(r.NoShowMarkedAt)
	r.StatusChangedAt = r.StatusChangedAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
