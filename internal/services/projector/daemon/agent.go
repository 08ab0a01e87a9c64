package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/louisbranch/projectiond/internal/platform/errors"
	"github.com/louisbranch/projectiond/internal/platform/retry"
	"github.com/louisbranch/projectiond/internal/services/projector/aggregation"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/loader"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

// ErrShardRebuilding is returned when starting a shard whose checkpoint is
// still in rebuilding mode.
var ErrShardRebuilding = apperrors.New(apperrors.CodeProgressConflict, "shard is rebuilding")

// State is the lifecycle state of a shard.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateDraining State = "draining"
)

// ShardStatus is a point-in-time view of one shard.
type ShardStatus struct {
	Shard         string       `json:"shard"`
	Projection    string       `json:"projection"`
	State         State        `json:"state"`
	Mode          storage.Mode `json:"mode"`
	LastCommitted uint64       `json:"last_committed"`
	LastEnqueued  uint64       `json:"last_enqueued"`
	HighWater     uint64       `json:"high_water"`
	Error         string       `json:"error,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type commandKind int

const (
	cmdHighWater commandKind = iota
	cmdPageEnqueued
	cmdFetchFailed
	cmdCommitted
	cmdPipelineFailed
	cmdDrain
	cmdDrained
	cmdResume
)

type command struct {
	kind commandKind
	// gen ties pipeline messages to the generation that produced them.
	gen    int
	seq    uint64
	events int
	err    error
	reply  chan error
}

type agentConfig struct {
	Shard      string
	Aggregator aggregation.Aggregator
	Store      storage.Store
	Registry   *event.Registry
	Hub        *Hub
	Options    Options
	Now        func() time.Time
}

// Agent drives one shard. All bookkeeping happens on a single command
// goroutine; loading and committing run on helper goroutines that report
// back through the command channel.
//
// An Agent runs once. After it stops, the daemon creates a new one to
// restart the shard.
type Agent struct {
	shard  string
	agg    aggregation.Aggregator
	store  storage.Store
	loader loader.PageLoader
	hub    *Hub
	opts   Options
	now    func() time.Time
	types  []event.Type

	commands chan command
	quit     chan struct{}
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	helpers  sync.WaitGroup

	statusMu sync.Mutex
	status   ShardStatus

	// Owned by the command goroutine.
	state         State
	highWater     uint64
	lastCommitted uint64
	lastEnqueued  uint64
	gen           int
	exec          *Execution
	fetching      bool
	fetchCancel   context.CancelFunc
	fetchDone     chan struct{}
	drainReplies  []chan error
	err           error
}

func newAgent(cfg agentConfig) (*Agent, error) {
	opts := cfg.Options.normalized()
	inner, err := loader.New(loader.Config{
		Store:         cfg.Store,
		Registry:      cfg.Registry,
		ErrorHandling: opts.ErrorHandling.loader(),
		Logf:          opts.Logf,
	})
	if err != nil {
		return nil, err
	}
	resilient, err := loader.NewResilient(inner, opts.Retry, opts.Logf)
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Agent{
		shard:    cfg.Shard,
		agg:      cfg.Aggregator,
		store:    cfg.Store,
		loader:   resilient,
		hub:      cfg.Hub,
		opts:     opts,
		now:      now,
		types:    cfg.Aggregator.EventTypes(),
		commands: make(chan command, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateStopped,
		status: ShardStatus{
			Shard:      cfg.Shard,
			Projection: cfg.Aggregator.Name(),
			State:      StateStopped,
			Mode:       storage.ModeContinuous,
		},
	}, nil
}

// Start loads the shard checkpoint and begins processing up to highWater.
// The checkpoint must not be ahead of highWater.
func (a *Agent) Start(ctx context.Context, highWater uint64) error {
	a.setStatus(func(s *ShardStatus) { s.State = StateStarting })

	progress, err := retry.Do(ctx, a.opts.Retry, func(ctx context.Context) (storage.Progress, error) {
		return a.store.GetProgress(ctx, a.shard)
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		progress = storage.Progress{Name: a.shard, Mode: storage.ModeContinuous}
	case err != nil:
		a.setStatus(func(s *ShardStatus) { s.State = StateStopped; s.Error = err.Error() })
		return fmt.Errorf("load progress of %s: %w", a.shard, err)
	}
	if progress.Mode == storage.ModeRebuilding {
		a.setStatus(func(s *ShardStatus) { s.State = StateStopped; s.Mode = storage.ModeRebuilding })
		return fmt.Errorf("start %s: %w", a.shard, ErrShardRebuilding)
	}
	if progress.LastSeq > highWater {
		err := apperrors.WithMetadata(apperrors.CodeInvariantViolation,
			fmt.Sprintf("shard %s checkpoint %d is ahead of high water %d", a.shard, progress.LastSeq, highWater),
			map[string]string{"shard": a.shard})
		a.setStatus(func(s *ShardStatus) { s.State = StateStopped; s.Error = err.Error() })
		return err
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.highWater = highWater
	a.lastCommitted = progress.LastSeq
	a.state = StateRunning
	a.startPipeline()
	a.snapshot()
	a.publish(ActionStarted, nil)
	a.opts.Logf("shard %s: started at %d, high water %d", a.shard, a.lastCommitted, a.highWater)

	a.evaluate()
	go a.run()
	return nil
}

// MarkHighWater reports a new high-water mark. Lower or equal marks are
// ignored.
func (a *Agent) MarkHighWater(seq uint64) {
	a.send(command{kind: cmdHighWater, seq: seq})
}

// StopAndDrain stops fetching and waits until every enqueued page has been
// committed. When ctx ends first the shard is hard stopped.
func (a *Agent) StopAndDrain(ctx context.Context) error {
	reply := make(chan error, 1)
	if !a.send(command{kind: cmdDrain, reply: reply}) {
		<-a.done
		return nil
	}
	select {
	case err := <-reply:
		<-a.done
		return err
	case <-a.done:
		select {
		case err := <-reply:
			return err
		default:
			return nil
		}
	case <-ctx.Done():
		a.HardStop()
		return ctx.Err()
	}
}

// HardStop cancels all in-flight work without waiting for it to commit.
func (a *Agent) HardStop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

// Done is closed once the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Status returns the latest shard status.
func (a *Agent) Status() ShardStatus {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.status
}

func (a *Agent) send(cmd command) bool {
	select {
	case <-a.quit:
		return false
	default:
	}
	select {
	case a.commands <- cmd:
		return true
	case <-a.quit:
		return false
	}
}

func (a *Agent) run() {
	defer a.terminate()
	for {
		select {
		case <-a.ctx.Done():
			if a.err == nil && len(a.drainReplies) > 0 {
				a.err = a.ctx.Err()
			}
			return
		case cmd := <-a.commands:
			if a.handle(cmd) {
				return
			}
			a.snapshot()
		}
	}
}

// handle applies one command and reports whether the agent is finished.
func (a *Agent) handle(cmd command) bool {
	switch cmd.kind {
	case cmdHighWater:
		if cmd.seq <= a.highWater {
			return false
		}
		a.highWater = cmd.seq
		a.evaluate()

	case cmdPageEnqueued:
		if cmd.gen != a.gen {
			return false
		}
		a.fetching = false
		a.lastEnqueued = max(a.lastEnqueued, cmd.seq)
		a.evaluate()

	case cmdCommitted:
		if cmd.gen != a.gen {
			return false
		}
		a.lastCommitted = cmd.seq
		a.lastEnqueued = max(a.lastEnqueued, cmd.seq)
		a.snapshot()
		a.publish(ActionUpdated, nil)
		a.evaluate()

	case cmdFetchFailed, cmdPipelineFailed:
		if cmd.gen != a.gen {
			return false
		}
		return a.fail(cmd.err)

	case cmdDrain:
		return a.drain(cmd.reply)

	case cmdDrained:
		if a.state != StateDraining {
			return false
		}
		if cmd.err != nil && a.err == nil {
			a.err = cmd.err
		}
		return true

	case cmdResume:
		if a.state != StatePaused || cmd.gen != a.gen {
			return false
		}
		if cmd.err != nil {
			return a.fail(cmd.err)
		}
		a.lastCommitted = cmd.seq
		a.highWater = max(a.highWater, cmd.seq)
		a.state = StateRunning
		a.err = nil
		a.startPipeline()
		a.snapshot()
		a.publish(ActionStarted, nil)
		a.opts.Logf("shard %s: resumed at %d", a.shard, a.lastCommitted)
		a.evaluate()
	}
	return false
}

// evaluate starts a fetch when the shard is running, nothing is being
// fetched, the high-water mark is ahead and the hopper has room.
func (a *Agent) evaluate() {
	if a.state != StateRunning || a.fetching {
		return
	}
	if a.lastEnqueued >= a.highWater {
		return
	}
	if a.lastEnqueued-a.lastCommitted >= uint64(a.opts.HopperSize) {
		return
	}

	req := loader.Request{
		Floor:     a.lastEnqueued,
		HighWater: a.highWater,
		BatchSize: a.opts.BatchSize,
		Types:     a.types,
	}
	gen, exec := a.gen, a.exec
	ctx, cancel := context.WithCancel(a.ctx)
	done := make(chan struct{})
	a.fetching = true
	a.fetchCancel, a.fetchDone = cancel, done

	go func() {
		defer close(done)
		defer cancel()
		page, err := a.loader.Load(ctx, req)
		if err == nil {
			err = exec.Enqueue(ctx, page)
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, errExecutionClosed) {
				a.opts.Logf("shard %s range (%d,%d]: fetch failed: %v", a.shard, req.Floor, req.HighWater, err)
				a.send(command{kind: cmdFetchFailed, gen: gen, err: err})
			}
			return
		}
		a.send(command{kind: cmdPageEnqueued, gen: gen, seq: page.Ceiling})
	}()
}

func (a *Agent) startPipeline() {
	a.gen++
	gen := a.gen
	a.lastEnqueued = a.lastCommitted
	a.fetching = false
	a.exec = newExecution(a.ctx, executionConfig{
		Shard:      a.shard,
		Aggregator: a.agg,
		Store:      a.store,
		Options:    a.opts,
		Committed:  a.lastCommitted,
		OnCommitted: func(ceiling uint64, events int) {
			a.send(command{kind: cmdCommitted, gen: gen, seq: ceiling, events: events})
		},
		OnFailed: func(err error) {
			a.send(command{kind: cmdPipelineFailed, gen: gen, err: err})
		},
	})
}

// detachPipeline cancels the current fetch and hands back the execution
// and the fetch completion channel so they can be waited on off the
// command goroutine.
func (a *Agent) detachPipeline() (*Execution, chan struct{}) {
	if a.fetchCancel != nil {
		a.fetchCancel()
	}
	exec, fetchDone := a.exec, a.fetchDone
	a.exec, a.fetchDone, a.fetchCancel = nil, nil, nil
	a.fetching = false
	return exec, fetchDone
}

func (a *Agent) fail(err error) bool {
	if a.state == StateDraining {
		if a.err == nil {
			a.err = err
		}
		return false
	}
	if !shouldPause(err) {
		a.err = err
		a.opts.Logf("shard %s: stopped at %d: %v", a.shard, a.lastCommitted, err)
		return true
	}

	a.state = StatePaused
	a.err = err
	a.snapshot()
	a.publish(ActionPaused, err)
	a.opts.Logf("shard %s: paused at %d for %s: %v", a.shard, a.lastCommitted, a.opts.PauseTime, err)

	exec, fetchDone := a.detachPipeline()
	gen := a.gen
	a.helpers.Add(1)
	go func() {
		defer a.helpers.Done()
		waitPipeline(exec, fetchDone)
		timer := time.NewTimer(a.opts.PauseTime)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-a.quit:
			return
		case <-a.ctx.Done():
			return
		}
		progress, err := retry.Do(a.ctx, a.opts.Retry, func(ctx context.Context) (storage.Progress, error) {
			return a.store.GetProgress(ctx, a.shard)
		})
		if errors.Is(err, storage.ErrNotFound) {
			progress, err = storage.Progress{}, nil
		}
		a.send(command{kind: cmdResume, gen: gen, seq: progress.LastSeq, err: err})
	}()
	return false
}

func (a *Agent) drain(reply chan error) bool {
	switch a.state {
	case StateDraining:
		a.drainReplies = append(a.drainReplies, reply)
		return false
	case StatePaused:
		a.drainReplies = append(a.drainReplies, reply)
		a.err = nil
		return true
	}
	a.drainReplies = append(a.drainReplies, reply)
	a.state = StateDraining
	a.snapshot()
	a.opts.Logf("shard %s: draining at %d", a.shard, a.lastCommitted)

	if a.fetchCancel != nil {
		a.fetchCancel()
	}
	exec, fetchDone := a.exec, a.fetchDone
	gen := a.gen
	a.helpers.Add(1)
	go func() {
		defer a.helpers.Done()
		if fetchDone != nil {
			<-fetchDone
		}
		err := exec.Drain()
		a.send(command{kind: cmdDrained, gen: gen, err: err})
	}()
	return false
}

// terminate runs on the command goroutine when the agent finishes.
func (a *Agent) terminate() {
	close(a.quit)
	exec, fetchDone := a.detachPipeline()
	waitPipeline(exec, fetchDone)
	a.cancel()
	a.helpers.Wait()

	a.state = StateStopped
	a.snapshot()
	if a.err != nil && !errors.Is(a.err, context.Canceled) {
		a.publish(ActionErrored, a.err)
	}
	a.publish(ActionStopped, nil)
	for _, reply := range a.drainReplies {
		reply <- a.err
	}
	a.drainReplies = nil
	close(a.done)
}

func waitPipeline(exec *Execution, fetchDone chan struct{}) {
	if fetchDone != nil {
		<-fetchDone
	}
	if exec != nil {
		exec.Stop()
	}
}

func (a *Agent) snapshot() {
	a.setStatus(func(s *ShardStatus) {
		s.State = a.state
		s.Mode = storage.ModeContinuous
		s.LastCommitted = a.lastCommitted
		s.LastEnqueued = a.lastEnqueued
		s.HighWater = a.highWater
		s.Error = ""
		if a.err != nil {
			s.Error = a.err.Error()
		}
	})
}

func (a *Agent) setStatus(update func(s *ShardStatus)) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	update(&a.status)
	a.status.UpdatedAt = a.now().UTC()
}

func (a *Agent) publish(action Action, err error) {
	if a.hub == nil {
		return
	}
	state := ShardState{
		Shard:     a.shard,
		Action:    action,
		Sequence:  a.lastCommitted,
		HighWater: a.highWater,
	}
	if err != nil {
		state.Error = err.Error()
	}
	a.hub.Publish(state)
}
