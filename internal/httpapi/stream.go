package httpapi

import (
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/qrsouther/blueprintsync/internal/blueprint"
)

const defaultStreamInterval = 500 * time.Millisecond

// handleJobStream upgrades to a websocket and pushes progress snapshots on
// an interval until the job reaches a terminal phase or the client hangs up.
// Each snapshot is a full Progress record; the client never has to merge.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID, correlationID string) {
	ctx := r.Context()
	if _, err := s.engine.GetProgress(ctx, jobID); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written its own failure response.
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	interval := s.cfg.StreamInterval
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	var lastUpdated time.Time
	first := true
	for {
		progress, err := s.engine.GetProgress(ctx, jobID)
		if err != nil {
			if errors.Is(err, blueprint.ErrNotFound) {
				conn.Close(websocket.StatusNormalClosure, "progress record gone")
				return
			}
			conn.Close(websocket.StatusInternalError, "progress read failed")
			return
		}
		if first || progress.UpdatedAt.After(lastUpdated) || progress.Phase.Terminal() {
			if err := wsjson.Write(ctx, conn, progress); err != nil {
				return
			}
			lastUpdated = progress.UpdatedAt
			first = false
		}
		if progress.Phase.Terminal() {
			conn.Close(websocket.StatusNormalClosure, "job finished")
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-time.After(interval):
		}
	}
}
