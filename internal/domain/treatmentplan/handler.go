package treatmentplan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dentalcare/txplan/internal/platform/auth"
	"github.com/dentalcare/txplan/pkg/pagination"
)

const DefaultHistoryLimit = 500

type Handler struct {
	svc          *Service
	renderer     Renderer
	historyLimit int
}

// NewHandler wires the HTTP surface. renderer may be nil, in which case the
// pdf endpoint answers 501.
func NewHandler(svc *Service, renderer Renderer, historyLimit int) *Handler {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Handler{svc: svc, renderer: renderer, historyLimit: historyLimit}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := auth.RequireRole(auth.RoleDentist, auth.RoleHygienist, auth.RoleTreatmentCoordinator)
	dentist := auth.RequireRole(auth.RoleDentist)

	read := api.Group("", staff)
	read.GET("/plans", h.ListPlans)
	read.GET("/plans/:id", h.GetPlan)
	read.GET("/plans/:id/procedures", h.ListProcedures)
	read.GET("/plans/:id/summary", h.GetSummary)
	read.GET("/plans/:id/versions", h.ListVersions)
	read.GET("/plans/:id/versions/:version", h.GetVersion)
	read.GET("/plans/:id/history", h.GetHistory)
	read.GET("/plans/:id/pdf", h.RenderPDF)

	write := api.Group("", staff)
	write.POST("/plans", h.CreatePlan)
	write.PUT("/plans/:id", h.UpdatePlan)
	write.POST("/plans/:id/versions", h.Checkpoint)
	write.POST("/plans/:id/submit", h.Submit)
	write.POST("/plans/:id/request-revision", h.RequestRevision)
	write.POST("/procedures", h.AddProcedure)
	write.PUT("/procedures/:id", h.UpdateProcedure)
	write.DELETE("/procedures/:id", h.DeleteProcedure)

	clinical := api.Group("", dentist)
	clinical.POST("/plans/:id/approve", h.Approve)
	clinical.POST("/plans/:id/consent", h.SignConsent)
	clinical.POST("/plans/:id/complete", h.Complete)
	clinical.POST("/plans/:id/cancel", h.Cancel)
}

// -- request and response bodies --

type planResponse struct {
	*TreatmentPlan
	Procedures    []*Procedure `json:"procedures,omitempty"`
	AllowedEvents []Event      `json:"allowed_events"`
}

type createPlanRequest struct {
	PatientID   string  `json:"patient_id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Notes       *string `json:"notes"`
	Actor       string  `json:"actor"`
}

type updatePlanRequest struct {
	PlanPatch
	Actor            string `json:"actor"`
	ExpectedRevision *int   `json:"expected_revision"`
}

type transitionRequest struct {
	Actor            string `json:"actor"`
	Note             string `json:"note"`
	SignedBy         string `json:"signed_by"`
	ExpectedRevision *int   `json:"expected_revision"`
}

type checkpointRequest struct {
	Actor            string  `json:"actor"`
	Note             *string `json:"note"`
	ExpectedRevision *int    `json:"expected_revision"`
}

type addProcedureRequest struct {
	ProcedureInput
	Actor            string `json:"actor"`
	ExpectedRevision *int   `json:"expected_revision"`
}

type updateProcedureRequest struct {
	ProcedurePatch
	Actor            string `json:"actor"`
	ExpectedRevision *int   `json:"expected_revision"`
}

// -- Plans --

func (h *Handler) CreatePlan(c echo.Context) error {
	var req createPlanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	plan, err := h.svc.CreatePlan(c.Request().Context(), CreatePlanInput{
		PatientID:   req.PatientID,
		Title:       req.Title,
		Description: req.Description,
		Notes:       req.Notes,
		Actor:       actorOf(c, req.Actor),
	})
	if err != nil {
		return httpError(err)
	}
	return respondPlan(c, http.StatusCreated, plan, nil)
}

func (h *Handler) GetPlan(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if include, _ := strconv.ParseBool(c.QueryParam("include_procedures")); include {
		detail, err := h.svc.GetPlanDetail(ctx, id)
		if err != nil {
			return httpError(err)
		}
		return respondPlan(c, http.StatusOK, detail.TreatmentPlan, detail.Procedures)
	}
	plan, err := h.svc.GetPlan(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return respondPlan(c, http.StatusOK, plan, nil)
}

func (h *Handler) ListPlans(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPlans(c.Request().Context(), c.QueryParam("patient_id"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdatePlan(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req updatePlanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := mutationOf(c, req.Actor, req.ExpectedRevision)
	if err != nil {
		return err
	}
	plan, err := h.svc.UpdatePlan(c.Request().Context(), id, req.PlanPatch, m)
	if err != nil {
		return httpError(err)
	}
	return respondPlan(c, http.StatusOK, plan, nil)
}

// -- Lifecycle --

func (h *Handler) Submit(c echo.Context) error {
	return h.transition(c, h.svc.SubmitForApproval)
}

func (h *Handler) Approve(c echo.Context) error {
	return h.transition(c, h.svc.Approve)
}

func (h *Handler) RequestRevision(c echo.Context) error {
	return h.transition(c, h.svc.RequestRevision)
}

func (h *Handler) SignConsent(c echo.Context) error {
	return h.transition(c, h.svc.SignConsent)
}

func (h *Handler) Complete(c echo.Context) error {
	return h.transition(c, h.svc.Complete)
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.transition(c, h.svc.Cancel)
}

type transitionFunc func(ctx context.Context, id uuid.UUID, req TransitionRequest) (*TreatmentPlan, error)

func (h *Handler) transition(c echo.Context, fn transitionFunc) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := mutationOf(c, req.Actor, req.ExpectedRevision)
	if err != nil {
		return err
	}
	plan, err := fn(c.Request().Context(), id, TransitionRequest{
		Actor:            m.Actor,
		Note:             req.Note,
		Signer:           req.SignedBy,
		ExpectedRevision: m.ExpectedRevision,
	})
	if err != nil {
		return httpError(err)
	}
	return respondPlan(c, http.StatusOK, plan, nil)
}

// -- Versions --

func (h *Handler) Checkpoint(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req checkpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := mutationOf(c, req.Actor, req.ExpectedRevision)
	if err != nil {
		return err
	}
	v, err := h.svc.Checkpoint(c.Request().Context(), id, req.Note, m)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) ListVersions(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	versions, err := h.svc.GetVersions(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handler) GetVersion(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(c.Param("version"))
	if err != nil || n < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	v, err := h.svc.GetVersion(c.Request().Context(), id, n)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) RenderPDF(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if h.renderer == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "no document renderer configured")
	}
	ctx := c.Request().Context()
	v, err := h.svc.LatestApprovedVersion(ctx, id)
	if err != nil {
		return httpError(err)
	}
	contentType, body, err := h.renderer.Render(ctx, v)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf(`inline; filename="treatment-plan-%s-v%d.pdf"`, id, v.Version))
	return c.Blob(http.StatusOK, contentType, body)
}

// -- Procedures --

func (h *Handler) AddProcedure(c echo.Context) error {
	var req addProcedureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := mutationOf(c, req.Actor, req.ExpectedRevision)
	if err != nil {
		return err
	}
	proc, err := h.svc.AddProcedure(c.Request().Context(), req.ProcedureInput, m)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, proc)
}

func (h *Handler) UpdateProcedure(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req updateProcedureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := mutationOf(c, req.Actor, req.ExpectedRevision)
	if err != nil {
		return err
	}
	proc, err := h.svc.UpdateProcedure(c.Request().Context(), id, req.ProcedurePatch, m)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, proc)
}

func (h *Handler) DeleteProcedure(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var expected *int
	if raw := c.QueryParam("expected_revision"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid expected_revision")
		}
		expected = &n
	}
	m, err := mutationOf(c, c.QueryParam("actor"), expected)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteProcedure(c.Request().Context(), id, m); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListProcedures(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	procs, err := h.svc.ListProcedures(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, procs)
}

func (h *Handler) GetSummary(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	summary, err := h.svc.GetSummary(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

// -- History --

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	limit := h.historyLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		if n < limit {
			limit = n
		}
	}
	entries, err := h.svc.GetHistory(c.Request().Context(), id, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

// -- helpers --

func respondPlan(c echo.Context, status int, plan *TreatmentPlan, procs []*Procedure) error {
	c.Response().Header().Set("ETag", etag(plan.Revision))
	return c.JSON(status, planResponse{
		TreatmentPlan: plan,
		Procedures:    procs,
		AllowedEvents: AllowedEvents(plan.Status),
	})
}

func etag(revision int) string {
	return strconv.Quote(strconv.Itoa(revision))
}

// mutationOf resolves the actor and the expected revision. The If-Match
// header wins over a body field.
func mutationOf(c echo.Context, actor string, bodyRevision *int) (Mutation, error) {
	m := Mutation{Actor: actorOf(c, actor), ExpectedRevision: bodyRevision}
	if raw := c.Request().Header.Get("If-Match"); raw != "" && raw != "*" {
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "W/")
		n, err := strconv.Atoi(strings.Trim(raw, `"`))
		if err != nil {
			return m, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header")
		}
		m.ExpectedRevision = &n
	}
	return m, nil
}

func actorOf(c echo.Context, actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return auth.UserIDFromContext(c.Request().Context())
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// httpError renders a service error as {"error": {"kind", "message", ...}}.
func httpError(err error) *echo.HTTPError {
	kind := ErrorKind(err)
	body := map[string]interface{}{
		"kind":    kind,
		"message": err.Error(),
	}

	var (
		ve  *ValidationError
		ipe *IncompleteProceduresError
		ite *IllegalTransitionError
		se  *StaleVersionError
		nfe *NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		if ve.Field != "" {
			body["field"] = ve.Field
		}
	case errors.As(err, &ipe):
		body["procedure_ids"] = ipe.ProcedureIDs
	case errors.As(err, &ite):
		body["from"] = ite.From
		if ite.Event != "" {
			body["event"] = ite.Event
		}
	case errors.As(err, &se):
		body["plan_id"] = se.PlanID
		body["expected_revision"] = se.Expected
		if se.Actual != 0 {
			body["actual_revision"] = se.Actual
		}
	case errors.As(err, &nfe):
		body["resource"] = nfe.Resource
	}
	if kind == "persistence" || kind == "internal" {
		body["message"] = "internal storage error"
	}

	return echo.NewHTTPError(statusFor(kind), map[string]interface{}{"error": body}).SetInternal(err)
}

func statusFor(kind string) int {
	switch kind {
	case "validation":
		return http.StatusUnprocessableEntity
	case "illegal_transition", "incomplete_procedures", "stale_version":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	case "canceled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
