package consultation

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/teleconsult/internal/platform/auth"
	"github.com/ehr/teleconsult/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	scoped := api.Group("/reservations", auth.RequireFacility())

	// Read endpoints – admin, facility staff, facility viewer
	readGroup := scoped.Group("", auth.RequireRole(auth.RoleFacilityStaff, auth.RoleFacilityViewer))
	readGroup.GET("", h.ListReservations)
	readGroup.GET("/:id", h.GetReservation)
	readGroup.GET("/:id/transitions", h.ListTransitions)

	// Write endpoints – admin, facility staff
	writeGroup := scoped.Group("", auth.RequireRole(auth.RoleFacilityStaff))
	writeGroup.POST("", h.CreateReservation)
	writeGroup.POST("/:id/transitions", h.Transition)
}

// statusFor maps an orchestrator error kind to an HTTP status.
func statusFor(kind ErrorKind) int {
	switch kind {
	case ErrKindNotFound:
		return http.StatusNotFound
	case ErrKindInvalidTransition, ErrKindConflict:
		return http.StatusConflict
	case ErrKindValidation:
		return http.StatusBadRequest
	case ErrKindProviderCreateFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func facilityID(c echo.Context) (uuid.UUID, error) {
	fid, ok := auth.FacilityFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "facility scope required")
	}
	return fid, nil
}

func reservationID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func errorResponse(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return echo.NewHTTPError(statusFor(e.Kind), e.Message)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) Transition(c echo.Context) error {
	fid, err := facilityID(c)
	if err != nil {
		return err
	}
	id, err := reservationID(c)
	if err != nil {
		return err
	}

	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, &Outcome{
			Success: false, Message: "invalid request body", ErrorKind: ErrKindValidation,
		})
	}
	if _, err := ParseAction(string(req.Action)); err != nil {
		return c.JSON(http.StatusBadRequest, &Outcome{
			Success: false, Message: err.Error(), ErrorKind: ErrKindValidation,
		})
	}
	req.Actor = auth.UserIDFromContext(c.Request().Context())

	out, err := h.svc.Transition(c.Request().Context(), fid, id, req)
	if err != nil {
		return c.JSON(statusFor(KindOf(err)), FailureOutcome(err))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetReservation(c echo.Context) error {
	fid, err := facilityID(c)
	if err != nil {
		return err
	}
	id, err := reservationID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetReservation(c.Request().Context(), fid, id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ListReservations(c echo.Context) error {
	fid, err := facilityID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListReservations(c.Request().Context(), fid, Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	return pagination.Write(c, pg, items, total)
}

func (h *Handler) ListTransitions(c echo.Context) error {
	fid, err := facilityID(c)
	if err != nil {
		return err
	}
	id, err := reservationID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListTransitions(c.Request().Context(), fid, id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, items)
}

type createReservationRequest struct {
	MemberID       uuid.UUID `json:"member_id" validate:"required"`
	SubmissionID   uuid.UUID `json:"submission_id"`
	RequestedSlots []Slot    `json:"requested_slots" validate:"required,min=1,max=20,dive"`
	UserTimezone   string    `json:"user_timezone" validate:"omitempty,max=64"`
}

func (h *Handler) CreateReservation(c echo.Context) error {
	fid, err := facilityID(c)
	if err != nil {
		return err
	}
	var req createReservationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, validationMessage(err))
	}

	r := &Reservation{
		FacilityID:     fid,
		MemberID:       req.MemberID,
		SubmissionID:   req.SubmissionID,
		RequestedSlots: req.RequestedSlots,
		UserTimezone:   req.UserTimezone,
	}
	if err := h.svc.CreateReservation(c.Request().Context(), r); err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, r.ToView())
}

// ListDanglingMeetings serves the operator view of meetings awaiting manual
// cleanup. It is mounted under the admin group. Callers scoped to a facility
// see only that facility; an admin without a facility claim sees all.
func (h *Handler) ListDanglingMeetings(c echo.Context) error {
	fid, _ := auth.FacilityFromContext(c.Request().Context())
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListDanglingMeetings(c.Request().Context(), fid, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return pagination.Write(c, pg, items, total)
}

// RegisterAdminRoutes mounts operator endpoints.
func (h *Handler) RegisterAdminRoutes(api *echo.Group) {
	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/dangling-meetings", h.ListDanglingMeetings)
}
