// Package turns runs chat turns against an upstream adapter and implements
// the start-or-poll protocol on top of the progress store.
package turns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawinfra/bingrelay/internal/credentials"
	"github.com/clawinfra/bingrelay/internal/progress"
	"github.com/clawinfra/bingrelay/internal/upstream"
)

// ErrNotFound is wrapped by poll errors for ids the store does not hold.
var ErrNotFound = errors.New("not found")

const (
	defaultDeadline    = 60 * time.Second
	defaultTurnTimeout = 5 * time.Minute
)

// CredentialSelector picks the credential for a request.
type CredentialSelector interface {
	Select(explicit string) string
}

// Notifier is told about every turn that settles in the background.
type Notifier interface {
	TurnSettled(ctx context.Context, a upstream.Answer)
}

// Config bounds the waits of the coordinator. Zero values use defaults.
type Config struct {
	// Bound raced against a polled turn. When it elapses the turn is
	// reported as timed out but keeps running.
	Deadline time.Duration
	// Hard bound on a background turn; the upstream call is cancelled
	TurnTimeout time.Duration
}

// Reply is what a request gets back synchronously.
type Reply struct {
	Answer     upstream.Answer
	Credential string
}

// Coordinator is the sole writer of the progress store.
type Coordinator struct {
	adapter  upstream.Adapter
	store    *progress.Store
	creds    CredentialSelector
	notifier Notifier
	logger   *slog.Logger

	deadline    time.Duration
	turnTimeout time.Duration

	// Background turns outlive requests; they hang off this context instead.
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight atomic.Int64
}

// New creates a coordinator.
func New(adapter upstream.Adapter, store *progress.Store, creds CredentialSelector, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaultDeadline
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		adapter:     adapter,
		store:       store,
		creds:       creds,
		logger:      logger.With("component", "turns"),
		deadline:    cfg.Deadline,
		turnTimeout: cfg.TurnTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetNotifier wires a settlement notifier.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// Inflight reports the number of turns still running in the background.
func (c *Coordinator) Inflight() int64 {
	return c.inflight.Load()
}

// Query runs a single turn in a fresh conversation and waits for the final answer.
func (c *Coordinator) Query(ctx context.Context, prompt, credential string) (Reply, error) {
	return c.blocking(ctx, prompt, nil, credential)
}

// Continue runs a turn in the conversation described by prior and waits for
// the final answer. prior is passed to the adapter unchanged.
func (c *Coordinator) Continue(ctx context.Context, prompt string, prior *upstream.Turn, credential string) (Reply, error) {
	return c.blocking(ctx, prompt, prior, credential)
}

func (c *Coordinator) blocking(ctx context.Context, prompt string, prior *upstream.Turn, credential string) (Reply, error) {
	cred := c.creds.Select(credential)
	c.logger.Debug("blocking turn", "prompt", prompt, "credential", credentials.Fingerprint(cred))

	ans, err := c.send(ctx, upstream.Request{Prompt: prompt, Prior: prior, Credential: cred})
	if err != nil {
		c.logger.Error("turn failed", "credential", credentials.Fingerprint(cred), "error", err)
		return Reply{Credential: cred}, err
	}
	ans.Done = true
	return Reply{Answer: ans, Credential: cred}, nil
}

// StartOrResume backs the polling protocol. When prior carries an id it is
// a poll of that turn; otherwise a new turn starts and the call returns with
// its first fragment.
func (c *Coordinator) StartOrResume(ctx context.Context, prompt string, prior *upstream.Turn, credential string) (Reply, error) {
	cred := c.creds.Select(credential)
	if prior != nil && prior.ID != "" {
		ans, err := c.poll(prior.ID)
		return Reply{Answer: ans, Credential: cred}, err
	}
	ans, err := c.start(ctx, prompt, prior, cred)
	return Reply{Answer: ans, Credential: cred}, err
}

func (c *Coordinator) poll(id string) (upstream.Answer, error) {
	ans, ok := c.store.TakeIfDone(id)
	if !ok {
		return upstream.Answer{}, fmt.Errorf("qid %s %w", id, ErrNotFound)
	}
	if ans.Done {
		c.logger.Debug("final answer collected", "id", id)
	}
	return ans, nil
}

type outcome struct {
	answer upstream.Answer
	err    error
}

// turnState tracks the id a background turn has streamed under.
type turnState struct {
	mu       sync.Mutex
	id       string
	streamed bool
	settled  bool
}

// close stops further fragments from being recorded.
func (t *turnState) close() (id string, streamed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settled = true
	return t.id, t.streamed
}

// start launches a background turn and returns with whichever comes first:
// the first fragment, a failure with no fragment, an instant final answer,
// or the deadline. Exactly one of them becomes the reply.
func (c *Coordinator) start(ctx context.Context, prompt string, prior *upstream.Turn, cred string) (upstream.Answer, error) {
	release := newSignal[outcome]()
	state := &turnState{}

	onProgress := func(frag upstream.Answer) {
		if frag.ID == "" {
			c.logger.Warn("dropping fragment without id")
			return
		}
		frag.Done = false
		frag.Error = ""

		state.mu.Lock()
		if state.settled {
			state.mu.Unlock()
			return
		}
		state.id = frag.ID
		state.streamed = true
		c.store.Put(frag.ID, frag)
		state.mu.Unlock()

		if release.fire(outcome{answer: frag}) {
			c.logger.Info("first fragment", "id", frag.ID, "credential", credentials.Fingerprint(cred))
		}
	}

	c.logger.Info("starting turn", "credential", credentials.Fingerprint(cred))
	c.logger.Debug("turn prompt", "prompt", prompt)

	turnCtx, cancel := context.WithTimeout(c.ctx, c.turnTimeout)
	c.wg.Add(1)
	c.inflight.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.inflight.Add(-1)
		defer cancel()

		result := make(chan outcome, 1)
		go func() {
			final, err := c.send(turnCtx, upstream.Request{
				Prompt:     prompt,
				Prior:      prior,
				Credential: cred,
				OnProgress: onProgress,
			})
			result <- outcome{answer: final, err: err}
		}()

		out, err := Await(c.ctx, result, c.deadline)
		if err != nil {
			if errors.Is(err, ErrDeadline) {
				c.expire(state, release)
			}
			out = <-result
		}

		id, streamed := state.close()
		c.settle(out.answer, out.err, id, streamed, release)
	}()

	select {
	case out := <-release.C():
		return out.answer, out.err
	case <-ctx.Done():
		// Claim the reply so a late fragment cannot become a second one.
		if release.fire(outcome{err: ctx.Err()}) {
			c.logger.Warn("turn abandoned by caller, still running", "error", ctx.Err())
			return upstream.Answer{}, ctx.Err()
		}
		out := <-release.C()
		return out.answer, out.err
	}
}

// expire reports a turn that outlived the deadline. Without fragments the
// error becomes the reply; otherwise the streamed record is settled with it.
// The upstream call is left running and may still overwrite the record.
func (c *Coordinator) expire(state *turnState, release *signal[outcome]) {
	err := fmt.Errorf("no response within %v", c.deadline)

	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.streamed {
		if release.fire(outcome{err: err}) {
			c.logger.Warn("turn timed out before first fragment, still running", "error", err)
		}
		return
	}
	if _, ok := c.store.Update(state.id, func(a *upstream.Answer) {
		a.Done = true
		a.Error = err.Error()
	}); ok {
		c.logger.Warn("turn timed out while streaming, still running", "id", state.id, "error", err)
	}
}

// settle records the end of a background turn.
func (c *Coordinator) settle(final upstream.Answer, err error, streamedID string, streamed bool, release *signal[outcome]) {
	if err != nil {
		if !streamed {
			if !release.fire(outcome{err: err}) {
				c.logger.Warn("turn failed after caller gave up", "error", err)
			} else {
				c.logger.Warn("turn failed before first fragment", "error", err)
			}
			return
		}

		ans, ok := c.store.Update(streamedID, func(a *upstream.Answer) {
			a.Done = true
			a.Error = err.Error()
		})
		c.logger.Warn("turn failed after streaming", "id", streamedID, "error", err)
		if ok {
			c.notify(ans)
		}
		return
	}

	final.Done = true
	final.Error = ""
	if release.fire(outcome{answer: final}) {
		// Delivered as the reply itself; nothing is left for a poller.
		c.logger.Info("turn finished without fragments", "id", final.ID)
		c.notify(final)
		return
	}

	id := final.ID
	if streamed && streamedID != final.ID {
		c.logger.Warn("final answer id differs from streamed id", "streamed", streamedID, "final", final.ID)
		id = streamedID
	}
	c.store.Put(id, final)
	c.logger.Info("turn finished", "id", id)
	c.notify(final)
}

// send calls the adapter, turning a panic into an error for this turn only.
func (c *Coordinator) send(ctx context.Context, req upstream.Request) (ans upstream.Answer, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("upstream adapter panicked", "panic", r)
			err = fmt.Errorf("upstream panic: %v", r)
		}
	}()
	return c.adapter.SendTurn(ctx, req)
}

func (c *Coordinator) notify(a upstream.Answer) {
	if c.notifier == nil {
		return
	}
	c.notifier.TurnSettled(c.ctx, a)
}

// Close waits for background turns to finish. When ctx expires first the
// remaining turns are cancelled and ctx's error is returned.
func (c *Coordinator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
}
