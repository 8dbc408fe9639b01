package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/engine"
)

// CreateRunRequest is the body of POST /v1/runs.
type CreateRunRequest struct {
	Definition core.PipelineDefinition `json:"definition"`
	Input      any                     `json:"input"`
	// Wait blocks the request until the run finished.
	Wait bool `json:"wait"`
}

// RunView is the representation of a run returned by the API.
type RunView struct {
	RunID      string                `json:"runId"`
	PipelineID string                `json:"pipelineId"`
	Pattern    core.Pattern          `json:"pattern"`
	Status     string                `json:"status"`
	StartedAt  time.Time             `json:"startedAt"`
	Events     []core.StepEvent      `json:"events"`
	Result     *core.ExecutionResult `json:"result,omitempty"`
}

// ValidationResponse is the body returned by POST /v1/definitions/validate.
type ValidationResponse struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

// ErrorResponse is returned for failed requests.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

const statusRunning = "running"

func viewOf(run *engine.Run) RunView {
	def := run.Definition()
	view := RunView{
		RunID:      run.ID(),
		PipelineID: def.ID,
		Pattern:    def.Pattern,
		Status:     statusRunning,
		StartedAt:  run.StartedAt(),
		Events:     run.Trace().Events(),
	}

	if run.Finished() {
		if res, _ := run.Result(); res != nil {
			view.Status = string(res.Status)
			view.Result = res
			view.Events = res.Trace
		}
	}

	return view
}

// CreateRun handles POST /v1/runs.
func (s *Server) CreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	run, err := s.engine.Start(s.baseCtx, req.Definition, req.Input)
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid definition", Problems: verr.Problems})
		}

		s.opts.Logger.Warn("run rejected", "pipeline_id", req.Definition.ID, "error", err)

		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
	}

	s.track(run)
	s.opts.Logger.Info("run started", "run_id", run.ID(), "pipeline_id", req.Definition.ID)

	if !req.Wait {
		return c.JSON(http.StatusAccepted, viewOf(run))
	}

	select {
	case <-run.Done():
		return c.JSON(http.StatusOK, viewOf(run))
	case <-c.Request().Context().Done():
		// The client went away; the run keeps going.
		return nil
	}
}

// GetRun handles GET /v1/runs/:run_id.
func (s *Server) GetRun(c echo.Context) error {
	run, ok := s.run(c.Param("run_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "run not found"})
	}

	return c.JSON(http.StatusOK, viewOf(run))
}

// CancelRun handles DELETE /v1/runs/:run_id.
func (s *Server) CancelRun(c echo.Context) error {
	run, ok := s.run(c.Param("run_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "run not found"})
	}

	if run.Finished() {
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "run already finished"})
	}

	run.Cancel()
	s.opts.Logger.Info("run cancelled", "run_id", run.ID())

	return c.JSON(http.StatusAccepted, map[string]any{"runId": run.ID(), "cancelled": true})
}

// ValidateDefinition handles POST /v1/definitions/validate.
func (s *Server) ValidateDefinition(c echo.Context) error {
	var def core.PipelineDefinition
	if err := c.Bind(&def); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	if err := core.Validate(def); err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusOK, ValidationResponse{Valid: false, Problems: verr.Problems})
		}

		return c.JSON(http.StatusOK, ValidationResponse{Valid: false, Problems: []string{err.Error()}})
	}

	return c.JSON(http.StatusOK, ValidationResponse{Valid: true})
}

// Health handles GET /health.
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "healthy",
		"activeRuns": len(s.engine.ActiveRuns()),
	})
}

// StreamEvents handles GET /v1/runs/:run_id/events. Every step event of the
// run is written as a JSON text message, starting with the first one. The
// server closes the socket with a normal closure once the run finished.
func (s *Server) StreamEvents(c echo.Context) error {
	run, ok := s.run(c.Param("run_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "run not found"})
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.opts.Logger.Warn("websocket upgrade failed", "run_id", run.ID(), "error", err)
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	// The read loop only detects the client going away.
	go func() {
		defer cancel()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := run.Subscribe(ctx)

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))

			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))

				return nil
			}

			data, err := json.Marshal(ev)
			if err != nil {
				s.opts.Logger.Error("encode step event", "run_id", run.ID(), "error", err)
				continue
			}

			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return nil
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
