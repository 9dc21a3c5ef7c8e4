package consultation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/teleconsult/internal/platform/auth"
	"github.com/ehr/teleconsult/internal/platform/meeting"
)

func newTestHandler(kind meeting.Kind) (*Handler, *harness, *echo.Echo) {
	h := newHarness(kind)
	return NewHandler(h.svc), h, echo.New()
}

func scopedRequest(method, target, body string, facility uuid.UUID) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	ctx := auth.WithIdentity(req.Context(), "staff-1", []string{auth.RoleFacilityStaff})
	ctx = auth.WithFacility(ctx, facility)
	return req.WithContext(ctx)
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) Outcome {
	t.Helper()
	var out Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestStatusFor(t *testing.T) {
	tests := map[ErrorKind]int{
		ErrKindNotFound:             http.StatusNotFound,
		ErrKindInvalidTransition:    http.StatusConflict,
		ErrKindConflict:             http.StatusConflict,
		ErrKindValidation:           http.StatusBadRequest,
		ErrKindProviderCreateFailed: http.StatusBadGateway,
		ErrKindPersistFailed:        http.StatusInternalServerError,
		"":                          http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%q) = %d, want %d", kind, got, want)
		}
	}
}

func TestHandler_Transition_Approve(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	r := h.seed(StatusRequested)
	body := `{"action":"approve","confirmedStart":"2025-01-10T02:00:00Z","confirmedEnd":"2025-01-10T02:30:00Z","consultationDurationMinutes":30}`
	rec := httptest.NewRecorder()
	c := e.NewContext(scopedRequest(http.MethodPost, "/", body, h.facility), rec)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())

	if err := hd.Transition(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeOutcome(t, rec)
	if !out.Success || out.JoinURL == "" {
		t.Errorf("expected success with joinUrl, got %+v", out)
	}
	if h.repo.transitions[0].Actor != "staff-1" {
		t.Errorf("expected actor from auth context, got %q", h.repo.transitions[0].Actor)
	}
}

func TestHandler_Transition_InvalidTransition(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	r := h.seed(StatusCompleted)
	body := `{"action":"approve","confirmedStart":"2025-01-10T02:00:00Z","confirmedEnd":"2025-01-10T02:30:00Z"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(scopedRequest(http.MethodPost, "/", body, h.facility), rec)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())

	if err := hd.Transition(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	out := decodeOutcome(t, rec)
	if out.Success || out.ErrorKind != ErrKindInvalidTransition || !strings.Contains(out.Message, "completed") {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestHandler_Transition_UnknownAction(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	r := h.seed(StatusRequested)
	rec := httptest.NewRecorder()
	c := e.NewContext(scopedRequest(http.MethodPost, "/", `{"action":"reopen"}`, h.facility), rec)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())

	if err := hd.Transition(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if out := decodeOutcome(t, rec); out.ErrorKind != ErrKindValidation {
		t.Errorf("expected Validation, got %s", out.ErrorKind)
	}
}

func TestHandler_Transition_BadBody(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	r := h.seed(StatusRequested)
	rec := httptest.NewRecorder()
	c := e.NewContext(scopedRequest(http.MethodPost, "/", `{"action":`, h.facility), rec)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())

	if err := hd.Transition(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Transition_ProviderFailure(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	h.zoom.createErr = &meeting.ProviderError{Provider: meeting.KindZoom, Op: "create", StatusCode: 503}
	r := h.seed(StatusRequested)
	body := `{"action":"approve","confirmedStart":"2025-01-10T02:00:00Z","confirmedEnd":"2025-01-10T02:30:00Z"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(scopedRequest(http.MethodPost, "/", body, h.facility), rec)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())

	if err := hd.Transition(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if out := decodeOutcome(t, rec); out.ErrorKind != ErrKindProviderCreateFailed {
		t.Errorf("expected ProviderCreateFailed, got %s", out.ErrorKind)
	}
}

func TestHandler_Transition_NoFacility(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	r := h.seed(StatusRequested)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"action":"reject"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())

	err := hd.Transition(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestHandler_Transition_InvalidID(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	rec := httptest.NewRecorder()
	c := e.NewContext(scopedRequest(http.MethodPost, "/", `{"action":"reject"}`, h.facility), rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	if err := hd.Transition(c); err == nil {
		t.Error("expected error for invalid id")
	}
}

func TestHandler_GetReservation(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	r := h.seed(StatusRequested)
	rec := httptest.NewRecorder()
	c := e.NewContext(scopedRequest(http.MethodGet, "/", "", h.facility), rec)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())

	if err := hd.GetReservation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != string(StatusRequested) {
		t.Errorf("expected status requested, got %v", body["status"])
	}
	if _, ok := body["requested_slots_local"]; !ok {
		t.Error("expected localized slots in response")
	}
}

func TestHandler_GetReservation_OtherFacility(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	r := h.seed(StatusRequested)
	rec := httptest.NewRecorder()
	c := e.NewContext(scopedRequest(http.MethodGet, "/", "", uuid.New()), rec)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())

	err := hd.GetReservation(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_ListReservations(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	h.seed(StatusRequested)
	h.seed(StatusApproved)
	rec := httptest.NewRecorder()
	c := e.NewContext(scopedRequest(http.MethodGet, "/?status=requested", "", h.facility), rec)

	if err := hd.ListReservations(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 {
		t.Errorf("expected total 1, got %d", body.Total)
	}
}

func TestHandler_ListReservations_UnknownStatus(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	rec := httptest.NewRecorder()
	c := e.NewContext(scopedRequest(http.MethodGet, "/?status=archived", "", h.facility), rec)

	err := hd.ListReservations(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_CreateReservation(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	body := `{"member_id":"` + uuid.NewString() + `","user_timezone":"Asia/Jakarta",` +
		`"requested_slots":[{"start":"2025-01-10T02:00:00Z","end":"2025-01-10T02:30:00Z"}]}`
	rec := httptest.NewRecorder()
	c := e.NewContext(scopedRequest(http.MethodPost, "/", body, h.facility), rec)

	if err := hd.CreateReservation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if len(h.repo.rows) != 1 {
		t.Errorf("expected 1 stored reservation, got %d", len(h.repo.rows))
	}
}

func TestHandler_CreateReservation_BadRequest(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	rec := httptest.NewRecorder()
	c := e.NewContext(scopedRequest(http.MethodPost, "/", `{"requested_slots":[]}`, h.facility), rec)

	err := hd.CreateReservation(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Routes_RoleEnforcement(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	r := h.seed(StatusRequested)

	var roles []string
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), "user-1", roles)
			ctx = auth.WithFacility(ctx, h.facility)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	hd.RegisterRoutes(api)
	hd.RegisterAdminRoutes(api)

	do := func(method, path, body string) int {
		var req *http.Request
		if body != "" {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	roles = []string{auth.RoleFacilityViewer}
	if code := do(http.MethodGet, "/api/v1/reservations/"+r.ID.String(), ""); code != http.StatusOK {
		t.Errorf("viewer read: expected 200, got %d", code)
	}
	if code := do(http.MethodPost, "/api/v1/reservations/"+r.ID.String()+"/transitions", `{"action":"reject"}`); code != http.StatusForbidden {
		t.Errorf("viewer transition: expected 403, got %d", code)
	}
	if code := do(http.MethodGet, "/api/v1/admin/dangling-meetings", ""); code != http.StatusForbidden {
		t.Errorf("viewer admin: expected 403, got %d", code)
	}

	roles = []string{auth.RoleFacilityStaff}
	if code := do(http.MethodPost, "/api/v1/reservations/"+r.ID.String()+"/transitions", `{"action":"reject"}`); code != http.StatusOK {
		t.Errorf("staff transition: expected 200, got %d", code)
	}
	if code := do(http.MethodGet, "/api/v1/reservations/"+r.ID.String()+"/transitions", ""); code != http.StatusOK {
		t.Errorf("staff history: expected 200, got %d", code)
	}

	roles = []string{auth.RoleAdmin}
	if code := do(http.MethodGet, "/api/v1/admin/dangling-meetings", ""); code != http.StatusOK {
		t.Errorf("admin dangling: expected 200, got %d", code)
	}
}

func TestHandler_ListDanglingMeetings(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	h.zoom.deleteErr = context.DeadlineExceeded
	r := h.seedApproved(ProviderZoom)
	if _, err := h.svc.Transition(context.Background(), h.facility, r.ID, TransitionRequest{Action: ActionMarkCompleted}); err != nil {
		t.Fatalf("mark_completed: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := hd.ListDanglingMeetings(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data  []DanglingMeeting `json:"data"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || body.Data[0].ExternalID != "84512345678" {
		t.Errorf("unexpected dangling list %+v", body)
	}
}

func TestHandler_ListDanglingMeetings_ScopedToFacility(t *testing.T) {
	hd, h, e := newTestHandler(meeting.KindZoom)
	h.repo.dangling = append(h.repo.dangling,
		&DanglingMeeting{ID: uuid.New(), FacilityID: h.facility, ExternalID: "own"},
		&DanglingMeeting{ID: uuid.New(), FacilityID: uuid.New(), ExternalID: "other"},
	)

	list := func(req *http.Request) (int, []DanglingMeeting) {
		rec := httptest.NewRecorder()
		if err := hd.ListDanglingMeetings(e.NewContext(req, rec)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var body struct {
			Data  []DanglingMeeting `json:"data"`
			Total int               `json:"total"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body.Total, body.Data
	}

	total, items := list(scopedRequest(http.MethodGet, "/", "", h.facility))
	if total != 1 || items[0].ExternalID != "own" {
		t.Errorf("expected only the caller's facility, got %d %+v", total, items)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "ops-1", []string{auth.RoleAdmin}))
	if total, _ := list(req); total != 2 {
		t.Errorf("expected admin without facility to see all, got %d", total)
	}
}
