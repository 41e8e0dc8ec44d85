// Package opsapi exposes projection status and operator actions over HTTP
package opsapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/aneshas/eventsourced"
)

var _ Projector = (*eventsourced.Projector)(nil)

// Projector is the part of eventsourced.Projector operators act on
type Projector interface {
	Statuses() []eventsourced.Status
	Status(name string) (eventsourced.Status, error)
	Rewind(ctx context.Context, name string, pos uint64) error
	Resume(name string) error
}

// Status is the json representation of a projection status
type Status struct {
	Name       string    `json:"name"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id,omitempty"`
	State      string    `json:"state"`
	Position   uint64    `json:"position"`
	Committed  uint64    `json:"committed"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RewindReq is the rewind request body
type RewindReq struct {
	Position uint64 `json:"position"`
}

// New constructs an echo instance serving the operator api
func New(p Projector) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true

	Register(e.Group(""), p)

	return e
}

// Register adds the operator routes to g
func Register(g *echo.Group, p Projector) {
	g.GET("/healthz", health(p))
	g.GET("/projections", list(p))
	g.GET("/projections/:name", get(p))
	g.POST("/projections/:name/rewind", rewind(p))
	g.POST("/projections/:name/resume", resume(p))
}

func health(p Projector) echo.HandlerFunc {
	return func(c echo.Context) error {
		var faulted []string

		for _, st := range p.Statuses() {
			if st.State == eventsourced.StateFaulted {
				faulted = append(faulted, st.Name)
			}
		}

		if len(faulted) > 0 {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":  "degraded",
				"faulted": faulted,
			})
		}

		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	}
}

func list(p Projector) echo.HandlerFunc {
	return func(c echo.Context) error {
		statuses := p.Statuses()

		out := make([]Status, len(statuses))

		for i, st := range statuses {
			out[i] = toStatus(st)
		}

		return c.JSON(http.StatusOK, out)
	}
}

func get(p Projector) echo.HandlerFunc {
	return func(c echo.Context) error {
		st, err := p.Status(c.Param("name"))
		if err != nil {
			return httpErr(err)
		}

		return c.JSON(http.StatusOK, toStatus(st))
	}
}

func rewind(p Projector) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req RewindReq

		if err := c.Bind(&req); err != nil {
			return err
		}

		name := c.Param("name")

		if err := p.Rewind(c.Request().Context(), name, req.Position); err != nil {
			return httpErr(err)
		}

		st, err := p.Status(name)
		if err != nil {
			return httpErr(err)
		}

		return c.JSON(http.StatusOK, toStatus(st))
	}
}

func resume(p Projector) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := p.Resume(c.Param("name")); err != nil {
			return httpErr(err)
		}

		return c.NoContent(http.StatusAccepted)
	}
}

func toStatus(st eventsourced.Status) Status {
	out := Status{
		Name:       st.Name,
		EntityType: st.EntityType,
		EntityID:   st.EntityID,
		State:      st.State.String(),
		Position:   st.Position,
		Committed:  st.Committed,
		UpdatedAt:  st.UpdatedAt,
	}

	if st.Err != nil {
		out.Error = st.Err.Error()
	}

	return out
}

func httpErr(err error) error {
	switch {
	case errors.Is(err, eventsourced.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, eventsourced.ErrProjectionRunning):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, eventsourced.ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case eventsourced.Retryable(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}
