// Package bridge connects callers to a device. Callers dispatch commands,
// which a single consumer loop hands to a Handler, and subscribe to the
// events the device emits. Commands failing with a transient error are
// retried with exponential back-off.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
)

// ErrorCode is the code of Error events raised by the bridge.
const ErrorCode = "BRIDGE_ERROR"

var (
	// ErrClosed is returned once the bridge is closed.
	ErrClosed = errors.New("bridge closed")
	// ErrCommandTimeout is returned when a command outlives the command
	// timeout.
	ErrCommandTimeout = fmt.Errorf("%w: command timed out", journal.ErrTimeout)
)

// Config tunes a Bridge.
type Config struct {
	CommandBuffer  int
	EventBuffer    int
	CommandTimeout time.Duration
	AutoRetry      bool
	MaxRetries     uint64
	RetryBackoff   time.Duration
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		CommandBuffer:  256,
		EventBuffer:    1024,
		CommandTimeout: 30 * time.Second,
		AutoRetry:      true,
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// Request is a dispatched command and its correlation id.
type Request struct {
	ID      uuid.UUID
	Command Command
}

// Handler executes commands. It reports results by emitting events on the
// bridge it serves.
type Handler interface {
	Handle(ctx context.Context, req Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) error

func (f HandlerFunc) Handle(ctx context.Context, req Request) error { return f(ctx, req) }

var transientMarkers = []string{"timeout", "connection", "network", "unavailable", "busy"}

// IsTransient reports whether err is worth retrying: a timeout or network
// failure, or any error whose message names one.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, journal.ErrTimeout) || errors.Is(err, journal.ErrNetwork) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

type queuedCommand struct {
	req   Request
	reply chan error
}

// Bridge routes commands to a Handler and events to subscribers. It is
// safe for concurrent use.
type Bridge struct {
	cfg      Config
	handler  Handler
	log      zerolog.Logger
	commands chan queuedCommand
	done     chan struct{}
	closing  sync.Once
	pending  atomic.Int64

	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	connected bool
	lastError string
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge's logger.
func WithLogger(log zerolog.Logger) Option { return func(b *Bridge) { b.log = log } }

// New returns a bridge handing commands to h. Commands are processed once
// Run is called.
func New(cfg Config, h Handler, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:      cfg,
		handler:  h,
		log:      zerolog.Nop(),
		commands: make(chan queuedCommand, max(cfg.CommandBuffer, 1)),
		done:     make(chan struct{}),
		subs:     map[*Subscription]struct{}{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.Component(b.log, "bridge")
	return b
}

// Config returns the bridge configuration.
func (b *Bridge) Config() Config { return b.cfg }

// Run processes commands until ctx is done or the bridge is closed.
func (b *Bridge) Run(ctx context.Context) error {
	b.log.Info().Msg("command loop started")
	defer b.log.Info().Msg("command loop stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case qc := <-b.commands:
			err := b.process(ctx, qc.req)
			b.pending.Add(-1)
			if err != nil {
				b.mu.Lock()
				b.lastError = err.Error()
				b.mu.Unlock()
				if qc.reply == nil {
					b.Emit(Error{Code: ErrorCode, Message: err.Error()})
				}
			}
			if qc.reply != nil {
				qc.reply <- err
			}
		}
	}
}

// process runs req, retrying transient failures while AutoRetry is set.
func (b *Bridge) process(ctx context.Context, req Request) error {
	log := b.log.With().Str("command", req.Command.CommandName()).Str("command_id", req.ID.String()).Logger()
	log.Debug().Msg("executing command")
	if b.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CommandTimeout)
		defer cancel()
	}
	if !b.cfg.AutoRetry || b.cfg.MaxRetries == 0 {
		return b.handler.Handle(ctx, req)
	}

	expRetry, err := retry.NewExponential(b.cfg.RetryBackoff)
	if err != nil {
		return fmt.Errorf("retry back-off: %w", err)
	}
	attempt := uint64(0)
	return retry.Do(ctx, retry.WithMaxRetries(b.cfg.MaxRetries, expRetry), func(ctx context.Context) error {
		err := b.handler.Handle(ctx, req)
		if err == nil || !IsTransient(err) {
			return err
		}
		attempt++
		if attempt <= b.cfg.MaxRetries {
			log.Warn().Err(err).Uint64("attempt", attempt).Uint64("max_retries", b.cfg.MaxRetries).
				Msg("transient failure, retrying")
		}
		return retry.RetryableError(err)
	})
}

func (b *Bridge) enqueue(ctx context.Context, cmd Command, reply chan error) (uuid.UUID, error) {
	req := Request{ID: uuid.New(), Command: cmd}
	select {
	case <-b.done:
		return req.ID, ErrClosed
	default:
	}
	b.pending.Add(1)
	select {
	case <-b.done:
		b.pending.Add(-1)
		return req.ID, ErrClosed
	case <-ctx.Done():
		b.pending.Add(-1)
		return req.ID, ctx.Err()
	case b.commands <- queuedCommand{req: req, reply: reply}:
		return req.ID, nil
	}
}

// Dispatch queues cmd and returns its correlation id without waiting for
// it to run. A failure surfaces as an Error event.
func (b *Bridge) Dispatch(ctx context.Context, cmd Command) (uuid.UUID, error) {
	return b.enqueue(ctx, cmd, nil)
}

// DispatchAndWait queues cmd and waits for its result, at most the
// command timeout.
func (b *Bridge) DispatchAndWait(ctx context.Context, cmd Command) error {
	reply := make(chan error, 1)
	id, err := b.enqueue(ctx, cmd, reply)
	if err != nil {
		return err
	}
	var timeout <-chan time.Time
	if b.cfg.CommandTimeout > 0 {
		t := time.NewTimer(b.cfg.CommandTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case err := <-reply:
		return err
	case <-timeout:
		return fmt.Errorf("%w: %s %s", ErrCommandTimeout, cmd.CommandName(), id)
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

// PendingCommands returns how many commands are queued or running.
func (b *Bridge) PendingCommands() int { return int(b.pending.Load()) }

// Emit delivers ev to every subscriber whose filter accepts it. A
// subscriber whose buffer is full misses the event.
func (b *Bridge) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.filter.Matches(ev) {
			continue
		}
		select {
		case s.events <- ev:
		default:
			s.lagged.Add(1)
		}
	}
}

// Subscribe returns a subscription to the events accepted by filter.
func (b *Bridge) Subscribe(filter Filter) *Subscription {
	s := &Subscription{bridge: b, filter: filter, events: make(chan Event, max(b.cfg.EventBuffer, 1))}
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		close(s.events)
	default:
		b.subs[s] = struct{}{}
	}
	return s
}

// Connected reports whether the device is connected.
func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// SetConnected records the connection state and emits Connected or
// Disconnected when it changes.
func (b *Bridge) SetConnected(connected bool, reason string) {
	b.mu.Lock()
	changed := b.connected != connected
	b.connected = connected
	b.mu.Unlock()
	if !changed {
		return
	}
	if connected {
		b.Emit(Connected{})
		return
	}
	b.Emit(Disconnected{Reason: reason})
}

// LastError returns the message of the last failed command, if any.
func (b *Bridge) LastError() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastError, b.lastError != ""
}

// SetError records msg as the last error and emits it.
func (b *Bridge) SetError(msg string) {
	b.mu.Lock()
	b.lastError = msg
	b.mu.Unlock()
	b.Emit(Error{Code: ErrorCode, Message: msg})
}

// ClearError forgets the last error.
func (b *Bridge) ClearError() {
	b.mu.Lock()
	b.lastError = ""
	b.mu.Unlock()
}

// Close stops the command loop and ends every subscription.
func (b *Bridge) Close() {
	b.closing.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		close(b.done)
		for s := range b.subs {
			close(s.events)
		}
		clear(b.subs)
	})
}

// Subscription receives filtered events.
type Subscription struct {
	bridge *Bridge
	filter Filter
	events chan Event
	lagged atomic.Uint64
	once   sync.Once
}

// Recv returns the next event. It fails with ErrClosed once the bridge or
// the subscription is closed.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryRecv returns the next event if one is buffered.
func (s *Subscription) TryRecv() (Event, bool) {
	select {
	case ev, ok := <-s.events:
		return ev, ok
	default:
		return nil, false
	}
}

// Lagged returns how many events the subscription missed.
func (s *Subscription) Lagged() uint64 { return s.lagged.Load() }

// Close ends the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bridge
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.events)
		}
	})
}
