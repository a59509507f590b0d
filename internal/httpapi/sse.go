package httpapi

import (
	"log/slog"

	"github.com/jkaninda/okapi"
)

// SSEEvent represents a server-sent event for streaming responses.
type SSEEvent struct {
	Type     string `json:"type"`                // "started", "output", "done", "error"
	ID       string `json:"id,omitempty"`        // Execution ID.
	Status   string `json:"status,omitempty"`    // Terminal outcome status.
	Content  string `json:"content,omitempty"`   // Captured stdout/stderr or error detail.
	WorkerID string `json:"worker_id,omitempty"` // Worker that ran the script.
}

// handleExecuteStream handles POST /v1/execute/stream with SSE responses.
// Runs the execution and streams its lifecycle as server-sent events.
func (g *Gateway) handleExecuteStream(c *okapi.Context) error {
	req, err := g.bindExecute(c)
	if err != nil {
		return err
	}

	c.SSEvent("started", SSEEvent{Type: "started"})

	ex, prepErr := g.runExecute(c.Context(), req)
	if prepErr != nil {
		g.logger.Error("task preparation failed", slog.String("error", prepErr.Error()))
		c.SSEvent("error", SSEEvent{Type: "error", Content: "task preparation failed"})
		return nil
	}

	if ex.Outcome.Output != "" {
		c.SSEvent("output", SSEEvent{Type: "output", ID: ex.ID, Content: ex.Outcome.Output})
	}
	done := SSEEvent{
		Type:     "done",
		ID:       ex.ID,
		Status:   ex.Outcome.Status.String(),
		WorkerID: ex.Outcome.WorkerID,
	}
	if ex.Outcome.Err != nil {
		done.Content = ex.Outcome.Err.Error()
	}
	c.SSEvent("done", done)
	return nil
}
