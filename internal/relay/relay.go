package relay

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Relay re-broadcasts location frames over plain TCP. Frames are batched
// into a net.Buffers and flushed either when the batch is full or by the
// timer flusher, so slow downstream consumers amortize syscalls.
type Relay struct {
	logger zerolog.Logger
	config RelayConfig
	rbuf   buffer
	wbuf   buffer
	wlock  *sync.Mutex

	cond  *sync.Cond
	rlock *sync.RWMutex
}

type RelayConfig struct {
	Addr     string
	BufSize  int
	TimerDur time.Duration
}

type buffer struct {
	seq uint64
	t1  time.Time
	t2  time.Time
	buf net.Buffers
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make(net.Buffers, 0, len)}
}

func NewRelay(config *RelayConfig) *Relay {
	rl := &Relay{}
	rl.config = *config
	if rl.config.TimerDur == 0 {
		rl.config.TimerDur = 5 * time.Second
	}
	rl.logger = log.With().Str("module", "relay").Logger()
	rl.rlock = &sync.RWMutex{}
	rl.cond = sync.NewCond(rl.rlock.RLocker())
	rl.wbuf = new_buffer(0, config.BufSize)
	rl.wlock = &sync.Mutex{}
	return rl
}

func (rl *Relay) Run() {
	go rl.timer_flusher()
	ln, err := net.Listen("tcp", rl.config.Addr)
	if err != nil {
		rl.logger.Err(err).Msg("unable to listen")
		return
	}
	for {
		rl.logger.Info().Msg("accepting new connection ...")
		conn, err := ln.Accept()
		if err != nil {
			rl.logger.Err(err).Msg("failed to accept new connection")
			ln.Close()
			return
		}
		rconn := relayConn{rl: rl, c: conn, logger: rl.logger}
		go func() {
			rconn.handle()
		}()
	}
}

func (rl *Relay) timer_flusher() {
	ticker := time.NewTicker(rl.config.TimerDur)
	for t := range ticker.C {
		rl.wlock.Lock()
		if len(rl.wbuf.buf) != 0 && t.Sub(rl.wbuf.t1) > rl.config.TimerDur {
			rl.flush()
		}
		rl.wlock.Unlock()
	}
}

// Push implements the hub subscriber contract. A frame is newline framed
// and queued for the next flush. The relay itself never closes, so Push
// always reports the subscriber as live.
func (rl *Relay) Push(data []byte) bool {
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	rl.wlock.Lock()
	if len(rl.wbuf.buf) == 0 {
		rl.wbuf.t1 = time.Now()
	}
	rl.wbuf.buf = append(rl.wbuf.buf, line)
	if len(rl.wbuf.buf) == rl.config.BufSize {
		rl.flush()
	}
	rl.wlock.Unlock()
	return false
}

func (rl *Relay) flush() {
	next := rl.wbuf.seq + 1
	rl.wbuf.t2 = time.Now()
	rl.rlock.Lock()
	rl.rbuf = rl.wbuf
	rl.rlock.Unlock()
	rl.cond.Broadcast()
	//allocate new buffer
	rl.wbuf = new_buffer(next, rl.config.BufSize)
}

type relayConn struct {
	rl     *Relay
	c      net.Conn
	logger zerolog.Logger
}

func (rc *relayConn) handle() {
	var err error
	for {
		rc.rl.cond.L.Lock()
		rc.rl.cond.Wait()
		// WriteTo consumes the slice header elements, each connection works
		// on its own copy of the batch
		buf := make(net.Buffers, len(rc.rl.rbuf.buf))
		copy(buf, rc.rl.rbuf.buf)
		rc.rl.cond.L.Unlock()
		_ = rc.c.SetWriteDeadline(time.Now().Add(time.Second))
		_, err = buf.WriteTo(rc.c)
		if err != nil {
			rc.logger.Err(err).Msg("error writing buffer")
			rc.c.Close()
			return
		}
	}
}
