package webstream

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"

	"nuha.dev/gpsfeed/internal/hub"
	"nuha.dev/gpsfeed/internal/util"
)

type WebstreamConfig struct {
	// QueueSize bounds the per-viewer frame queue; a viewer that cannot
	// drain it skips frames instead of stalling the publish path.
	QueueSize    int
	WriteTimeout time.Duration
}

func DefaultWebstreamConfig() WebstreamConfig {
	return WebstreamConfig{QueueSize: 64, WriteTimeout: 10 * time.Second}
}

// Server upgrades viewer connections and bridges them onto the hub.
type Server struct {
	hub    *hub.Hub
	config WebstreamConfig
	log    log.Logger
}

func NewServer(h *hub.Hub, config WebstreamConfig) *Server {
	s := &Server{}
	s.hub = h
	s.config = config
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "webstream").Value()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("error while upgrading websocket")
		return
	}

	v := &Viewer{
		sid: util.GenUUID(),
		c:   c,
		loc: make(chan []byte, s.config.QueueSize),
		srv: s,
		log: s.log,
	}
	v.log.Context = log.NewContext(v.log.Context).Str("sid", v.sid).Value()
	v.log.Info().Str("event", "viewer_connected").Msg("")

	ctx, cancel := context.WithCancel(r.Context())
	v.cancel = cancel
	s.hub.Subscribe(v)
	go v.writeLoop(ctx)
	v.readLoop(ctx)

	s.hub.Unsubscribe(v)
	v.markClosed()
	cancel()
	v.log.Info().Str("event", "viewer_disconnected").Uint64("pushed", atomic.LoadUint64(&v.pushed)).Uint64("skipped", atomic.LoadUint64(&v.skipped)).Msg("")
	c.Close(websocket.StatusNormalClosure, "")
}

// Viewer is one live websocket session. It holds no GPS state of its own,
// only the outbound frame queue.
type Viewer struct {
	sid     string
	c       *websocket.Conn
	loc     chan []byte
	srv     *Server
	log     log.Logger
	cancel  context.CancelFunc
	closed  int32
	pushed  uint64
	skipped uint64
}

func (v *Viewer) markClosed() {
	atomic.StoreInt32(&v.closed, 1)
}

// Push implements hub.Subscriber. It never blocks: when the queue is full
// the frame is skipped and the viewer resynchronizes from a later update.
func (v *Viewer) Push(d []byte) bool {
	if atomic.LoadInt32(&v.closed) == 1 {
		return true
	}
	select {
	case v.loc <- d:
		atomic.AddUint64(&v.pushed, 1)
	default:
		atomic.AddUint64(&v.skipped, 1)
	}
	return false
}

func (v *Viewer) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-v.loc:
			wctx, wcancel := context.WithTimeout(ctx, v.srv.config.WriteTimeout)
			err := v.c.Write(wctx, websocket.MessageText, d)
			wcancel()
			if err != nil {
				v.log.Error().Err(err).Msg("error while writing to viewer")
				v.markClosed()
				v.cancel()
				return
			}
		}
	}
}

// readLoop drains inbound frames; viewers send nothing meaningful, reading
// only detects disconnects.
func (v *Viewer) readLoop(ctx context.Context) {
	for {
		_, _, err := v.c.Read(ctx)
		if err != nil {
			v.markClosed()
			return
		}
	}
}
