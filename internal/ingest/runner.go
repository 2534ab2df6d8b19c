package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chatfuse/internal/chat"
	"chatfuse/internal/logger"
)

// Transport is the platform-specific half a Runner drives: establish the
// connection, block receiving until it drops, release resources. Receive
// returning nil means the context was canceled or the peer closed cleanly;
// any error means the transport failed and the Runner should reconnect.
type Transport interface {
	Dial(ctx context.Context) error
	Receive(ctx context.Context) error
	Close() error
}

// RetryPolicy bounds the reconnect backoff of a Runner.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      uint64
}

// DefaultRetryPolicy reconnects quickly at first and gives up after ten
// consecutive failed dials. Callers may Start again after that.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      10,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
}

// Runner implements the Ingestor lifecycle around a Transport: the
// Disconnected/Connecting/Connected/Reconnecting/Error machine, backoff
// between dials, and prompt exit on cancellation. Concrete ingestors
// provide the Transport and emit messages through the embedded Emitter.
type Runner struct {
	Emitter

	platform  chat.Platform
	transport Transport
	policy    RetryPolicy
	log       logger.Logger

	mu      sync.Mutex
	state   State
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRunner builds a stopped Runner for the given platform transport.
func NewRunner(platform chat.Platform, transport Transport, policy RetryPolicy, log logger.Logger) *Runner {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Runner{
		platform:  platform,
		transport: transport,
		policy:    policy,
		log:       log.Named(string(platform)),
		state:     StateDisconnected,
	}
}

func (r *Runner) Platform() chat.Platform {
	return r.platform
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Start begins connecting. Calling it while already running is a no-op.
// The Disconnected to Connecting transition happens before Start returns,
// so observers subscribed beforehand never miss it.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		select {
		case <-r.done:
			// Previous loop ended on its own (retries exhausted); a new
			// Start is a retry, not a duplicate.
			r.cancel()
			r.cancel = nil
			r.done = nil
		default:
			r.mu.Unlock()
			return nil
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	r.transition(StateConnecting, "start requested")

	go func() {
		defer close(done)
		r.run(runCtx)
	}()
	return nil
}

// Stop cancels the connection loop, waits for it to exit, and leaves the
// runner Disconnected. Safe in any state, safe to call repeatedly.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	r.transition(StateDisconnected, "stopped")
	return nil
}

func (r *Runner) run(ctx context.Context) {
	defer func() {
		if err := r.transport.Close(); err != nil {
			r.log.Debugw("transport close", "error", err)
		}
	}()

	bo := r.policy.backOff(ctx)
	for {
		err := r.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.setError(err)

			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				r.transition(StateError, "retries exhausted: "+err.Error())
				return
			}
			r.transition(StateReconnecting, "dial failed: "+err.Error())
			r.log.Warnw("dial failed, retrying", "error", err, "backoff", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		bo.Reset()
		r.transition(StateConnected, "")

		err = r.transport.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.setError(err)
			r.transition(StateReconnecting, "transport failed: "+err.Error())
			r.log.Warnw("receive loop ended, reconnecting", "error", err)
			continue
		}
		// Clean receive end without cancellation: treat as a drop and redial.
		r.transition(StateReconnecting, "connection closed")
	}
}

// transition mutates state under the lock, then notifies observers outside
// it so handlers may safely read the Runner back.
func (r *Runner) transition(next State, reason string) {
	r.mu.Lock()
	if r.state == next {
		r.mu.Unlock()
		return
	}
	change := StateChange{Old: r.state, New: next, Reason: reason}
	r.state = next
	r.mu.Unlock()

	r.log.Infow("state changed", "from", change.Old.String(), "to", change.New.String(), "reason", reason)
	r.EmitStateChange(change)
}

func (r *Runner) setError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}
