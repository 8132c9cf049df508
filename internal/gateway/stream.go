package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/basket/taskpilot/internal/bus"
	"github.com/basket/taskpilot/internal/persistence"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamClient tracks the replay high-water mark of one /events connection.
type streamClient struct {
	conn    *websocket.Conn
	runID   string
	lastSeq int64
}

// handleEvents implements GET /events?run_id=X&from=N.
// It replays persisted events with seq > from, then forwards live bus
// events for the run. Delivery is at-least-once: a client reconnecting with
// the last seq it saw gets everything after it. The connection is closed
// normally once run.finished has been sent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id query parameter is required", http.StatusBadRequest)
		return
	}
	var from int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
		from = n
	}
	if s.cfg.Store == nil {
		http.Error(w, "streaming not available: store not configured", http.StatusServiceUnavailable)
		return
	}
	if _, err := s.cfg.Store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "stream ended") }()

	// Subscribe before replaying so nothing published in between is lost.
	var sub *bus.Subscription
	if s.cfg.Bus != nil {
		sub = s.cfg.Bus.SubscribeBuffered("", liveBufferSize)
		defer func() {
			if n := sub.Dropped(); n > 0 {
				s.logger.Debug("events: live buffer overflowed", "run_id", runID, "dropped", n)
			}
			s.cfg.Bus.Unsubscribe(sub)
		}()
	}

	// Clients only listen; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	c := &streamClient{conn: conn, runID: runID, lastSeq: from}
	s.logger.Info("events: client connected", "run_id", runID, "from", from)

	finished, err := s.replay(ctx, c)
	if err != nil {
		s.logger.Debug("events: replay ended", "run_id", runID, "error", err)
		return
	}
	if finished {
		s.closeFinished(c)
		return
	}
	if sub == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "replay only")
		return
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("events: client disconnected", "run_id", runID)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			runEv, isRun := ev.Payload.(bus.RunEvent)
			if !isRun || runEv.RunID != runID || runEv.Seq <= c.lastSeq {
				continue
			}
			if runEv.Seq > c.lastSeq+1 {
				// Overflowed the live buffer; the store has the gap.
				finished, err := s.replay(ctx, c)
				if err != nil {
					return
				}
				if finished {
					s.closeFinished(c)
					return
				}
				if runEv.Seq <= c.lastSeq {
					continue
				}
			}
			if err := s.send(ctx, c, runEv); err != nil {
				s.logger.Debug("events: write failed", "run_id", runID, "error", err)
				return
			}
			if runEv.Type == bus.TopicRunFinished {
				s.closeFinished(c)
				return
			}
		}
	}
}

// replay sends persisted events after c.lastSeq. It reports whether the
// last event of the run is run.finished, i.e. the stream is complete. A
// resumed run continues after its earlier run.finished, so only the tail
// counts.
func (s *Server) replay(ctx context.Context, c *streamClient) (bool, error) {
	finished := false
	for {
		events, err := s.cfg.Store.ListEventsFrom(ctx, c.runID, c.lastSeq, replayPageSize)
		if err != nil {
			return false, err
		}
		for _, ev := range events {
			if err := s.send(ctx, c, ev); err != nil {
				return false, err
			}
			finished = ev.Type == bus.TopicRunFinished
		}
		if len(events) < replayPageSize {
			return finished, nil
		}
	}
}

func (s *Server) send(ctx context.Context, c *streamClient, ev bus.RunEvent) error {
	if err := wsjson.Write(ctx, c.conn, ev); err != nil {
		return err
	}
	c.lastSeq = ev.Seq
	return nil
}

func (s *Server) closeFinished(c *streamClient) {
	s.logger.Info("events: run finished, closing stream", "run_id", c.runID, "last_seq", c.lastSeq)
	_ = c.conn.Close(websocket.StatusNormalClosure, "run finished")
}
