package mockapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/backupdesk/backupdesk/internal/model"
)

const (
	fleetTopic = "fleet"
	writeWait  = 5 * time.Second
)

var connectedEvent = []byte(`{"event":"connected"}`)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func backupTopic(siteID int) string {
	return fmt.Sprintf("backup:%d", siteID)
}

func nodeTopic(nodeID int) string {
	return fmt.Sprintf("node:%d", nodeID)
}

// nodePayload wraps one node the way the node stream sends it
func nodePayload(n model.NodeStats) model.FleetStats {
	return model.FleetStats{Timestamp: time.Now().UTC().Format(time.RFC3339), Nodes: []model.NodeStats{n}}
}

// sink writes stream payloads over SSE or websocket
type sink interface {
	send(data []byte) error
	close()
}

type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseSink) send(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseSink) close() {}

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) send(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) close() {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = s.conn.Close()
}

// openStream upgrades the request to a websocket when asked, otherwise starts
// an event stream. The returned context ends when the peer goes away, the
// stream is dropped, or the server closes.
func (s *Server) openStream(w http.ResponseWriter, r *http.Request) (context.Context, sink, func(), bool) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1")
	ctx, release := s.trackStream(r.Context(), path)

	if websocket.IsWebSocketUpgrade(r) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			release()
			s.logger.Warn("failed to upgrade websocket", zap.Error(err))
			return nil, nil, nil, false
		}

		// Nothing is expected from the client, but reading processes close frames
		wctx, cancel := context.WithCancel(ctx)
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						s.logger.Debug("websocket client closed unexpectedly", zap.Error(err))
					}
					return
				}
			}
		}()
		snk := &wsSink{conn: conn}
		return wctx, snk, func() { snk.close(); cancel(); release() }, true
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snk := &sseSink{w: w, rc: http.NewResponseController(w)}
	if err := snk.rc.Flush(); err != nil {
		release()
		return nil, nil, nil, false
	}
	return ctx, snk, release, true
}

// backupStream pushes a site's status on every change and ends after a
// terminal one
func (s *Server) backupStream(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	sub := s.hub.Subscribe(backupTopic(id))
	if sub == nil {
		sendDetail(w, http.StatusServiceUnavailable, "Server shutting down")
		return
	}
	defer s.hub.Unsubscribe(sub)

	// Read after subscribing so no change slips between the two
	status, found := s.store.SiteStatus(id)
	if !found {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Site not found")
		return
	}

	ctx, snk, done, ok := s.openStream(w, r)
	if !ok {
		return
	}
	defer done()

	initial, err := json.Marshal(status)
	if err != nil {
		return
	}
	if snk.send(connectedEvent) != nil || snk.send(initial) != nil {
		return
	}
	if status.Status.Terminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, open := <-sub.send:
			if !open {
				return
			}
			if err := snk.send(data); err != nil {
				return
			}
			var next model.BackupStatus
			if json.Unmarshal(data, &next) == nil && next.Status.Terminal() {
				return
			}
		}
	}
}

func (s *Server) fleetStream(w http.ResponseWriter, r *http.Request) {
	s.statsStream(w, r, fleetTopic, func() (any, bool) {
		return s.store.Fleet(), true
	})
}

func (s *Server) nodeStream(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if _, found := s.store.Node(id); !found {
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", "Node not found")
		return
	}
	s.statsStream(w, r, nodeTopic(id), func() (any, bool) {
		n, found := s.store.Node(id)
		if !found {
			return nil, false
		}
		return nodePayload(*n), true
	})
}

// statsStream sends a sample right away, then one every interval seconds,
// plus whatever is published on topic in between
func (s *Server) statsStream(w http.ResponseWriter, r *http.Request, topic string, sample func() (any, bool)) {
	interval := 5
	if v, err := strconv.Atoi(r.URL.Query().Get("interval")); err == nil && v > 0 {
		interval = v
	}

	sub := s.hub.Subscribe(topic)
	if sub == nil {
		sendDetail(w, http.StatusServiceUnavailable, "Server shutting down")
		return
	}
	defer s.hub.Unsubscribe(sub)

	ctx, snk, done, ok := s.openStream(w, r)
	if !ok {
		return
	}
	defer done()

	push := func() bool {
		payload, found := sample()
		if !found {
			return false
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		return snk.send(data) == nil
	}

	if snk.send(connectedEvent) != nil || !push() {
		return
	}

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !push() {
				return
			}
		case data, open := <-sub.send:
			if !open {
				return
			}
			if err := snk.send(data); err != nil {
				return
			}
		}
	}
}
