package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

// errClientGone ends a run when the client hangs up.
var errClientGone = errors.New("client disconnected")

// handleStream upgrades to a websocket and replays the script for the
// requested topic.
func (s *server) handleStream(c *gin.Context) {
	topic := strings.TrimSpace(c.Query("user_topic"))
	principal := c.Query("user_id")
	model := c.Query("provider") + "/" + c.Query("model")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client never sends anything; reading only detects the hang-up.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	r := &run{
		server:    s,
		conn:      conn,
		holder:    uuid.NewString(),
		principal: principal,
		log:       s.log.With(zap.String("topic", topic), zap.String("principal", principal), zap.String("model", model)),
	}
	defer r.release()

	r.log.Info("stream opened")
	if err := r.play(ctx, s.script.StepsFor(topic)); err != nil {
		if errors.Is(err, errClientGone) {
			r.log.Info("stream abandoned by client")
			return
		}
		r.log.Warn("stream failed", zap.Error(err))
		r.send(map[string]any{"event": "error", "message": err.Error()})
		return
	}
	r.log.Info("stream finished")
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// run is one client's pass through a script.
type run struct {
	*server
	conn      *websocket.Conn
	holder    string
	principal string
	queued    bool
	log       *zap.Logger
}

func (r *run) play(ctx context.Context, steps []Step) error {
	for _, st := range steps {
		if st.Delay > 0 {
			if err := r.sleep(ctx, st.Delay); err != nil {
				return err
			}
		}
		if st.Quota {
			if err := r.acquire(ctx); err != nil {
				return err
			}
			continue
		}
		if err := r.send(st.Frame); err != nil {
			return errClientGone
		}
		if r.queued {
			if err := HeartbeatLease(r.db, r.holder); err != nil {
				r.log.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
	return nil
}

// acquire waits in the quota queue, telling the client its position each
// time it changes.
func (r *run) acquire(ctx context.Context) error {
	if _, err := Enqueue(r.db, r.holder, r.principal); err != nil {
		return err
	}
	r.queued = true
	last := 0
	for {
		st, err := TryAcquire(r.db, r.holder, r.ttl)
		if err != nil {
			return err
		}
		if st.Acquired {
			r.log.Info("quota acquired")
			if err := r.send(map[string]any{"event": "semrush_acquired", "message": "Keyword research quota acquired."}); err != nil {
				return errClientGone
			}
			return nil
		}
		if st.Position != last {
			last = st.Position
			frame := map[string]any{
				"event":          "semrush_waiting",
				"queue_position": st.Position,
				"message":        fmt.Sprintf("Waiting for keyword research quota, position %d.", st.Position),
			}
			if st.ActivePrincipal != "" {
				frame["active_user_id"] = st.ActivePrincipal
			}
			if err := r.send(frame); err != nil {
				return errClientGone
			}
		}
		if err := HeartbeatLease(r.db, r.holder); err != nil {
			return err
		}
		if err := r.sleep(ctx, r.poll); err != nil {
			return err
		}
	}
}

func (r *run) release() {
	if !r.queued {
		return
	}
	if err := ReleaseLease(r.db, r.holder); err != nil {
		r.log.Warn("lease release failed", zap.Error(err))
	}
}

func (r *run) send(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *run) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errClientGone
	case <-t.C:
		return nil
	}
}
