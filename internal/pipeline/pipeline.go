package pipeline

import (
	"sync"

	"github.com/phuslu/log"

	"nuha.dev/gpsfeed/internal/fix"
	"nuha.dev/gpsfeed/internal/session"
	"nuha.dev/gpsfeed/internal/store"
)

// Publisher receives every accepted+smoothed fix, paired with a
// read-consistent session summary.
type Publisher interface {
	Publish(sp fix.SmoothedPosition, sum session.Summary)
}

type Result struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason,omitempty"`
}

// Pipeline ties validator, smoother, session registry, broadcast and
// persistence together: raw fix in, validated/smoothed fix out to the hub
// and the history store. Fixes for the same device are serialized because
// validator and smoother state is read-then-written non-atomically; fixes
// for different devices proceed concurrently.
type Pipeline struct {
	mu        sync.Mutex
	devlocks  map[string]*sync.Mutex
	validator *Validator
	smoother  *Smoother
	reg       *session.Registry
	pub       Publisher
	store     store.HistoryStore
	log       log.Logger
}

func New(validator *Validator, smoother *Smoother, reg *session.Registry, pub Publisher, st store.HistoryStore) *Pipeline {
	p := &Pipeline{}
	p.devlocks = make(map[string]*sync.Mutex)
	p.validator = validator
	p.smoother = smoother
	p.reg = reg
	p.pub = pub
	p.store = st
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "pipeline").Value()
	return p
}

func (p *Pipeline) devlock(deviceId string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.devlocks[deviceId]
	if !ok {
		l = &sync.Mutex{}
		p.devlocks[deviceId] = l
	}
	return l
}

// ReportFix runs one raw fix through the full pipeline. A rejection is an
// expected, non-fatal outcome: the fix is dropped with its reason logged at
// low severity and the caller waits for the next reading. Persistence runs
// on the store's own flusher; a slow store never holds up the publish.
func (p *Pipeline) ReportFix(f fix.RawFix) Result {
	l := p.devlock(f.DeviceId)
	l.Lock()
	defer l.Unlock()

	vf, reason := p.validator.Validate(f)
	if reason != ReasonNone {
		p.log.Debug().Str("event", "fix_rejected").Str("reason", string(reason)).EmbedObject(&f).Msg("")
		return Result{Accepted: false, Reason: reason}
	}

	sp := p.smoother.Smooth(vf)
	sum := p.reg.RecordFix(f.DeviceId, vf, sp)

	if p.pub != nil {
		p.pub.Publish(sp, sum)
	}
	if p.store != nil {
		p.store.Append(vf)
	}
	p.log.Trace().Str("event", "fix_accepted").EmbedObject(&f).Msg("")
	return Result{Accepted: true}
}
