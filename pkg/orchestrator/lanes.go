package orchestrator

import (
	"context"
	"sync"

	"github.com/builderjer/ovos-core/pkg/dispatch"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

type job struct {
	ctx   context.Context
	u     utterance.Utterance
	sid   string
	stop  bool
	entry *dedupEntry
}

type lane struct {
	queue   []*job
	running *job
	cancel  context.CancelFunc
}

// lanes runs one FIFO worker per session with queued work.
type lanes struct {
	o *Orchestrator

	mu     sync.Mutex
	bySess map[string]*lane
}

func newLanes(o *Orchestrator) *lanes {
	return &lanes{o: o, bySess: make(map[string]*lane)}
}

func (ls *lanes) enqueue(j *job) {
	ls.mu.Lock()

	l, ok := ls.bySess[j.sid]
	if !ok {
		l = &lane{}
		ls.bySess[j.sid] = l
	}

	var dropped []*job
	if j.stop {
		if l.cancel != nil {
			l.cancel()
		}
		dropped = l.queue
		l.queue = nil
	}

	l.queue = append(l.queue, j)
	for depth := ls.o.opts.QueueDepth; depth > 0 && len(l.queue) > depth; {
		dropped = append(dropped, l.queue[0])
		l.queue = l.queue[1:]
	}

	ls.mu.Unlock()

	for _, d := range dropped {
		ls.o.supersede(d)
	}

	if !ok {
		go ls.run(j.sid, l)
	}
}

func (ls *lanes) run(sid string, l *lane) {
	for {
		ls.mu.Lock()
		if len(l.queue) == 0 {
			delete(ls.bySess, sid)
			ls.mu.Unlock()
			return
		}

		j := l.queue[0]
		l.queue = l.queue[1:]

		ctx, cancel := context.WithCancel(j.ctx)
		l.running, l.cancel = j, cancel
		ls.mu.Unlock()

		res := ls.o.process(ctx, j)
		cancel()

		ls.mu.Lock()
		l.running, l.cancel = nil, nil
		ls.mu.Unlock()

		ls.o.dedup.complete(j.entry, res)
	}
}

// pending returns how many utterances of sid are queued or running.
func (ls *lanes) pending(sid string) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	l, ok := ls.bySess[sid]
	if !ok {
		return 0
	}
	n := len(l.queue)
	if l.running != nil {
		n++
	}
	return n
}

// supersede finishes a job that was dropped from its queue.
func (o *Orchestrator) supersede(j *job) {
	now := o.opts.Now()
	res := dispatch.Result{
		UtteranceID: j.u.ID,
		SessionID:   j.sid,
		State:       dispatch.StateCompleted,
		Err:         dispatch.ErrSuperseded,
		Started:     now,
		Finished:    now,
		Events: []dispatch.Event{{
			Topic:     dispatch.TopicSuperseded,
			SessionID: j.sid,
			Data:      map[string]any{"utterance_id": j.u.ID, "utterance": j.u.Text},
		}},
	}

	o.log.InfoContext(j.ctx, "utterance superseded", "session_id", j.sid, "utterance_id", j.u.ID)
	o.finish(j.ctx, j.u, &res)
	o.dedup.complete(j.entry, res)
}
