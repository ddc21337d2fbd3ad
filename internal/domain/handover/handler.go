package handover

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/wardhandover/handover/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/beds/:bed", h.GetBed)
	api.POST("/beds/:bed", h.SaveBed)
	api.DELETE("/beds/:bed", h.ClearBed)
	api.GET("/beds/:bed/versions", h.ListVersions)
	api.GET("/beds/:bed/handover-versions", h.ListHandoverVersions)

	api.GET("/teams", h.ListTeams)
	api.GET("/teams/:team", h.GetTeam)
	api.GET("/teams/:team/summary", h.GetTeamSummary)
}

type saveBedRequest struct {
	Data             *BedView `json:"data"`
	NurseName        string   `json:"nurseName"`
	Shift            string   `json:"shift"`
	ExpectedRevision *int     `json:"expectedRevision,omitempty"`
}

type saveBedResponse struct {
	Success bool       `json:"success"`
	Patient *BedRecord `json:"patient,omitempty"`
	Error   string     `json:"error,omitempty"`
}

type clearBedRequest struct {
	NurseName string `json:"nurseName"`
	Shift     string `json:"shift"`
}

// -- Bed Handlers --

func (h *Handler) GetBed(c echo.Context) error {
	view, err := h.svc.ReadBed(c.Request().Context(), c.Param("bed"))
	if errors.Is(err, ErrInvalidBed) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		h.degraded(c, err, "read bed")
		return c.JSON(http.StatusOK, nil)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) SaveBed(c echo.Context) error {
	var req saveBedRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, saveBedResponse{Error: "invalid request body"})
	}
	h.annotate(c, resolveActor(req.NurseName, defaultActor))
	rec, err := h.svc.WriteBed(c.Request().Context(), SaveRequest{
		Bed:              c.Param("bed"),
		View:             req.Data,
		Actor:            req.NurseName,
		Shift:            req.Shift,
		ExpectedRevision: req.ExpectedRevision,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.degraded(c, err, "save bed")
		}
		return c.JSON(status, saveBedResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, saveBedResponse{Success: true, Patient: rec})
}

func (h *Handler) ClearBed(c echo.Context) error {
	var req clearBedRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, saveBedResponse{Error: "invalid request body"})
		}
	}
	h.annotate(c, resolveActor(req.NurseName, systemActor))
	if err := h.svc.ClearBed(c.Request().Context(), c.Param("bed"), req.NurseName, req.Shift); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.degraded(c, err, "clear bed")
		}
		return c.JSON(status, saveBedResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, saveBedResponse{Success: true})
}

// annotate records who is mutating the bed, and the team it belongs to, for
// the audit log.
func (h *Handler) annotate(c echo.Context, actor string) {
	c.Set("actor", actor)
	bed, err := strconv.Atoi(strings.TrimSpace(c.Param("bed")))
	if err != nil {
		return
	}
	if team, ok := h.svc.Directory().TeamOf(bed); ok {
		c.Set("team", team)
	}
}

func (h *Handler) ListVersions(c echo.Context) error {
	limit := pagination.Limit(c, MaxVersions, MaxVersions)
	versions, err := h.svc.ListVersions(c.Request().Context(), c.Param("bed"), limit)
	if errors.Is(err, ErrInvalidBed) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		h.degraded(c, err, "list versions")
		return c.JSON(http.StatusOK, []*PatientVersion{})
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handler) ListHandoverVersions(c echo.Context) error {
	limit := pagination.Limit(c, MaxVersions, MaxVersions)
	versions, err := h.svc.ListHandoverVersions(c.Request().Context(), c.Param("bed"), limit)
	if errors.Is(err, ErrInvalidBed) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		h.degraded(c, err, "list handover versions")
		return c.JSON(http.StatusOK, []*HandoverVersion{})
	}
	return c.JSON(http.StatusOK, versions)
}

// -- Team Handlers --

func (h *Handler) ListTeams(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Teams())
}

func (h *Handler) GetTeam(c echo.Context) error {
	team, err := strconv.Atoi(c.Param("team"))
	if err != nil {
		return c.JSON(http.StatusOK, map[string]*BedView{})
	}
	views, err := h.svc.ReadTeam(c.Request().Context(), team)
	if err != nil {
		h.degraded(c, err, "read team")
		return c.JSON(http.StatusOK, map[string]*BedView{})
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) GetTeamSummary(c echo.Context) error {
	team, err := strconv.Atoi(c.Param("team"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid team id")
	}
	sum, err := h.svc.SummarizeTeam(c.Request().Context(), team)
	if err != nil {
		h.degraded(c, err, "summarize team")
		return c.JSON(http.StatusOK, &TeamSummary{Team: team})
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) degraded(c echo.Context, err error, op string) {
	rid, _ := c.Get("request_id").(string)
	h.logger.Error().Err(err).
		Str("request_id", rid).
		Str("op", op).
		Str("bed", c.Param("bed")).
		Msg("request degraded to safe default")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidBed), errors.Is(err, ErrInvalidShift):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
