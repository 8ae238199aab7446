package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/api/response"
	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/internal/reconcile"
)

// JobWatcher follows one job until a terminal state, satisfied by
// *reconcile.Watcher.
type JobWatcher interface {
	Watch(ctx context.Context, jobID uuid.UUID, cb reconcile.Callbacks) error
}

// watchEvent is one data frame on the watch stream.
type watchEvent struct {
	JobID       uuid.UUID `json:"job_id"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	CurrentStep *string   `json:"current_step,omitempty"`
	Error       *string   `json:"error,omitempty"`
	Live        bool      `json:"live"`
}

// NewWatchJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/watch.
// The response is a server-sent event stream of merged poll/live updates that
// ends when the job reaches a terminal state or the client disconnects.
func NewWatchJobHandler(svc JobService, watcher JobWatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := authorizeJobAccess(w, r, svc)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Streaming not supported", nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		send := func(event string, v reconcile.View) {
			data, err := json.Marshal(watchEvent{
				JobID:       v.JobID,
				Status:      v.Status,
				Progress:    v.Progress,
				CurrentStep: v.CurrentStep,
				Error:       v.Error,
				Live:        v.Live,
			})
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
			flusher.Flush()
		}

		// The error path here is a cancelled request context; headers are
		// already out, so there is nothing useful left to write.
		_ = watcher.Watch(r.Context(), jobID, reconcile.Callbacks{
			OnUpdate:   func(v reconcile.View) { send("update", v) },
			OnComplete: func(v reconcile.View) { send("complete", v) },
			OnError:    func(v reconcile.View) { send("failed", v) },
		})
	}
}
