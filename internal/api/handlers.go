package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/roach88/relaysync/internal/conflict"
	"github.com/roach88/relaysync/internal/race"
)

type timeRequest struct {
	// At is Unix milliseconds; omitted means now.
	At *race.Timestamp `json:"at"`
}

type errorResponse struct {
	Message string       `json:"message"`
	Issues  []race.Issue `json:"issues,omitempty"`
}

type conflictSlot struct {
	State   conflict.State      `json:"state"`
	Current *conflict.Conflict  `json:"current,omitempty"`
	Pending []conflict.Conflict `json:"pending"`
}

var conflictKinds = []conflict.Kind{conflict.KindTiming, conflict.KindMissingTime}

// Health reports liveness.
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// GetRace returns the full race snapshot.
func (s *Server) GetRace(c echo.Context) error {
	return c.JSON(http.StatusOK, s.race.Get())
}

// GetStatus returns the sync summary.
func (s *Server) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sync.Status())
}

// StartLeg records a leg's actual start.
func (s *Server) StartLeg(c echo.Context) error {
	return s.recordTime(c, race.FieldActualStart)
}

// FinishLeg records a leg's actual finish.
func (s *Server) FinishLeg(c echo.Context) error {
	return s.recordTime(c, race.FieldActualFinish)
}

func (s *Server) recordTime(c echo.Context, field race.TimeField) error {
	legID, at, err := s.legRequest(c)
	if err != nil {
		return err
	}
	if err := s.race.UpdateLegActualTime(legID, field, &at); err != nil {
		return mutationError(c, err)
	}
	return s.respondLeg(c, legID)
}

// Handoff finishes a leg and starts the next one at the same instant.
func (s *Server) Handoff(c echo.Context) error {
	legID, at, err := s.legRequest(c)
	if err != nil {
		return err
	}
	if err := s.race.RecordHandoff(legID, at); err != nil {
		return mutationError(c, err)
	}
	return s.respondLeg(c, legID)
}

// GetConflicts returns every conflict kind with its shown and queued entries.
func (s *Server) GetConflicts(c echo.Context) error {
	out := make(map[conflict.Kind]conflictSlot, len(conflictKinds))
	for _, k := range conflictKinds {
		slot := conflictSlot{State: s.conflicts.State(k), Pending: s.conflicts.Pending(k)}
		if cur, ok := s.conflicts.Current(k); ok {
			slot.Current = &cur
		}
		if slot.Pending == nil {
			slot.Pending = []conflict.Conflict{}
		}
		out[k] = slot
	}
	return c.JSON(http.StatusOK, out)
}

// ResolveConflict applies a choice to the shown conflict of a kind.
func (s *Server) ResolveConflict(c echo.Context) error {
	kind, err := conflictKind(c)
	if err != nil {
		return err
	}
	var choice conflict.Choice
	if err := c.Bind(&choice); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.conflicts.Resolve(c.Request().Context(), kind, choice); err != nil {
		return conflictError(c, err)
	}
	return s.GetConflicts(c)
}

// DismissConflict drops the shown conflict of a kind.
func (s *Server) DismissConflict(c echo.Context) error {
	kind, err := conflictKind(c)
	if err != nil {
		return err
	}
	if err := s.conflicts.Dismiss(kind); err != nil {
		return conflictError(c, err)
	}
	return s.GetConflicts(c)
}

func (s *Server) legRequest(c echo.Context) (int, race.Timestamp, error) {
	legID, err := strconv.Atoi(c.Param("id"))
	if err != nil || legID < 1 {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "leg id must be a positive integer")
	}
	var req timeRequest
	if err := c.Bind(&req); err != nil {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	at := race.NowMillis(s.clock)
	if req.At != nil {
		at = *req.At
	}
	return legID, at, nil
}

func (s *Server) respondLeg(c echo.Context, legID int) error {
	leg, ok := s.race.Get().Leg(legID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown leg")
	}
	return c.JSON(http.StatusOK, leg)
}

func conflictKind(c echo.Context) (conflict.Kind, error) {
	kind := conflict.Kind(c.Param("kind"))
	if !kind.Valid() {
		return "", echo.NewHTTPError(http.StatusNotFound, "unknown conflict kind")
	}
	return kind, nil
}

// mutationError maps a rejected edit onto a status code.
func mutationError(c echo.Context, err error) error {
	var ve *race.ValidationError
	switch {
	case errors.As(err, &ve) && ve.HasCode(race.ErrCodeUnknownEntity):
		return c.JSON(http.StatusNotFound, errorResponse{Message: err.Error(), Issues: ve.Issues})
	case errors.As(err, &ve):
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Message: err.Error(), Issues: ve.Issues})
	case race.IsConflict(err):
		return c.JSON(http.StatusConflict, errorResponse{Message: err.Error()})
	case race.IsStructural(err):
		return c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
	}
	return err
}

func conflictError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, conflict.ErrNothingShown):
		return c.JSON(http.StatusNotFound, errorResponse{Message: err.Error()})
	case errors.Is(err, conflict.ErrBusy):
		return c.JSON(http.StatusConflict, errorResponse{Message: err.Error()})
	case errors.Is(err, conflict.ErrInvalidChoice):
		return c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
	case errors.Is(err, conflict.ErrNoResolver):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Message: err.Error()})
	}
	return mutationError(c, err)
}
