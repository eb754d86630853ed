// Package connector runs the lifecycle of one backend connection: it owns the
// model access, acquires raw data by polling or notification, translates it
// through protocol adapters and dispatches the results to reception callbacks.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/coupler/adapter"
	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/model"
	"github.com/timzifer/coupler/telemetry"
	"github.com/timzifer/coupler/trigger"
)

// Connector binds a backend to typed domain values.
type Connector[O, I, CO, CI any] struct {
	id         string
	binding    Binding[O, I]
	descriptor Descriptor
	adapters   []adapter.ProtocolAdapter[O, I, CO, CI]
	selector   adapter.Selector[O, I, CO, CI]
	callbacks  *Callbacks[CO]

	logger    zerolog.Logger
	telemetry telemetry.Collector
	onError   ErrorHandler
	registry  *Registry
	complete  trigger.CompletePredicate
	sleep     trigger.SleepFunc

	// lifecycle serialises Connect, Disconnect, Dispose, Trigger and poll switching.
	lifecycle sync.Mutex
	state     atomic.Int32
	poll      *pollLoop

	// mu guards access and every call into the binding that touches it.
	mu     sync.Mutex
	access model.Access
	params config.Parameter

	replayCtx    context.Context
	replayCancel context.CancelFunc
	replays      sync.WaitGroup
}

// New creates a connector in StateCreated. A nil selector picks the first adapter.
func New[O, I, CO, CI any](binding Binding[O, I], selector adapter.Selector[O, I, CO, CI], adapters []adapter.ProtocolAdapter[O, I, CO, CI], opts ...Option) (*Connector[O, I, CO, CI], error) {
	if binding == nil {
		return nil, errors.New("binding must not be nil")
	}
	if len(adapters) == 0 {
		return nil, adapter.ErrNoAdapter
	}
	s := settings{logger: zerolog.Nop(), telemetry: telemetry.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	descriptor := binding.Descriptor()
	if s.id == "" {
		s.id = descriptor.Name
	}
	if selector == nil {
		selector = adapter.NewFirstSelector(adapters...)
	}
	c := &Connector[O, I, CO, CI]{
		id:         s.id,
		binding:    binding,
		descriptor: descriptor,
		adapters:   append([]adapter.ProtocolAdapter[O, I, CO, CI](nil), adapters...),
		selector:   selector,
		callbacks:  NewCallbacks[CO](),
		logger:     s.logger.With().Str("connector", s.id).Str("driver", descriptor.Driver).Logger(),
		telemetry:  s.telemetry,
		onError:    s.onError,
		registry:   s.registry,
		complete:   s.complete,
		sleep:      s.sleep,
	}
	c.replayCtx, c.replayCancel = context.WithCancel(context.Background())
	c.setState(StateCreated)
	return c, nil
}

func (c *Connector[O, I, CO, CI]) ID() string {
	return c.id
}

func (c *Connector[O, I, CO, CI]) Descriptor() Descriptor {
	return c.descriptor
}

func (c *Connector[O, I, CO, CI]) State() State {
	return State(c.state.Load())
}

func (c *Connector[O, I, CO, CI]) setState(s State) {
	c.state.Store(int32(s))
	c.telemetry.SetConnectorState(c.id, s.String())
}

// SetReceptionCallback registers a handler for values of cb.Type.
func (c *Connector[O, I, CO, CI]) SetReceptionCallback(cb Callback[CO]) CallbackID {
	return c.callbacks.Add(cb)
}

// DetachReceptionCallback removes a handler registered earlier.
func (c *Connector[O, I, CO, CI]) DetachReceptionCallback(id CallbackID) bool {
	return c.callbacks.Remove(id)
}

// WithAccess runs fn with the access lock held.
func (c *Connector[O, I, CO, CI]) WithAccess(fn func(model.Access) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.access == nil {
		return ErrNotConnected
	}
	return fn(c.access)
}

// Connect opens the backend and starts acquisition. It is valid from
// StateCreated and StateDisconnected. Failures leave the connector in its
// previous state and are not retried.
func (c *Connector[O, I, CO, CI]) Connect(ctx context.Context, params config.Parameter) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	prev := c.State()
	switch prev {
	case StateCreated, StateDisconnected:
	case StateDisposed:
		return ErrDisposed
	default:
		return fmt.Errorf("connect in state %s: %w", prev, ErrInvalidState)
	}

	c.setState(StateConnecting)
	if err := c.open(ctx, params); err != nil {
		c.setState(prev)
		c.report("connect", "connect failed", err)
		return fmt.Errorf("connector %s: connect: %w", c.id, err)
	}
	c.setState(StateConnected)

	if c.registry != nil {
		if err := c.registry.Register(c); err != nil {
			c.logger.Warn().Err(err).Msg("registry rejected connector")
		}
	}
	c.reconcilePolling()
	c.logger.Info().Str("endpoint", params.URL()).Bool("polling", c.poll != nil).Msg("connector connected")
	return nil
}

func (c *Connector[O, I, CO, CI]) open(ctx context.Context, params config.Parameter) error {
	if err := c.binding.Connect(ctx, params, c); err != nil {
		return err
	}
	access, err := c.binding.NewAccess(params)
	if err != nil {
		return errors.Join(err, c.binding.Disconnect(ctx))
	}

	c.mu.Lock()
	if c.access != nil {
		c.access.Dispose()
	}
	c.access = access
	c.params = params
	var initErr error
	for _, a := range c.adapters {
		if err := a.InitializeModelAccess(access); err != nil {
			initErr = fmt.Errorf("initialize adapter %s: %w", a.OutputType(), err)
			break
		}
	}
	if initErr != nil {
		c.access = nil
		access.Dispose()
	}
	c.mu.Unlock()

	if initErr != nil {
		return errors.Join(initErr, c.binding.Disconnect(ctx))
	}
	if src, ok := access.(model.NotificationSource); ok {
		src.SetNotificationListener(c.notificationsChanged)
	}
	return nil
}

func (c *Connector[O, I, CO, CI]) shouldPoll() bool {
	if c.descriptor.Capabilities.Events || c.params.NotificationInterval <= 0 {
		return false
	}
	return c.access != nil && !c.access.Notifications()
}

// reconcilePolling starts or stops the poll loop to match the acquisition
// mode. Callers hold the lifecycle lock.
func (c *Connector[O, I, CO, CI]) reconcilePolling() {
	if c.State() != StateConnected {
		return
	}
	c.mu.Lock()
	want := c.shouldPoll()
	interval := c.params.NotificationInterval
	c.mu.Unlock()
	switch {
	case want && c.poll == nil:
		c.poll = c.startPolling(interval)
	case !want && c.poll != nil:
		c.stopPolling()
	}
}

// notificationsChanged runs on whatever goroutine toggled the access, which may
// be the poll loop itself, so the switch happens asynchronously.
func (c *Connector[O, I, CO, CI]) notificationsChanged(enabled bool) {
	c.logger.Debug().Bool("notifications", enabled).Msg("acquisition mode changed")
	go func() {
		c.lifecycle.Lock()
		defer c.lifecycle.Unlock()
		c.reconcilePolling()
	}()
}

// Disconnect stops acquisition and closes the backend. An in-flight poll tick
// completes before it returns. Calling it while not connected is a no-op.
func (c *Connector[O, I, CO, CI]) Disconnect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.disconnect(ctx)
}

func (c *Connector[O, I, CO, CI]) disconnect(ctx context.Context) error {
	switch c.State() {
	case StateDisposed:
		return ErrDisposed
	case StateConnected:
	default:
		return nil
	}

	c.stopPolling()
	if c.registry != nil {
		c.registry.Unregister(c.id)
	}

	// State flips under mu so notifications blocked on the lock are dropped.
	c.mu.Lock()
	if src, ok := c.access.(model.NotificationSource); ok {
		src.SetNotificationListener(nil)
	}
	c.setState(StateDisconnected)
	err := c.binding.Disconnect(ctx)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Msg("disconnect reported an error")
		return fmt.Errorf("connector %s: disconnect: %w", c.id, err)
	}
	c.logger.Info().Msg("connector disconnected")
	return nil
}

// Dispose releases every resource. It is safe from any state and terminal.
func (c *Connector[O, I, CO, CI]) Dispose() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.State() == StateDisposed {
		return
	}
	if c.State() == StateConnected {
		ctx, cancel := context.WithTimeout(context.Background(), c.disposeTimeout())
		_ = c.disconnect(ctx)
		cancel()
	}

	c.replayCancel()
	c.replays.Wait()

	c.mu.Lock()
	if c.access != nil {
		c.access.Dispose()
		c.access = nil
	}
	c.adapters = nil
	c.mu.Unlock()

	c.binding.Dispose()
	c.callbacks.Clear()
	c.setState(StateDisposed)
	c.logger.Debug().Msg("connector disposed")
}

func (c *Connector[O, I, CO, CI]) disposeTimeout() time.Duration {
	if c.params.RequestTimeout > 0 {
		return c.params.RequestTimeout
	}
	return config.DefaultRequestTimeout
}

// Write translates value through the selected adapter and flushes it to the
// backend. The outbound record is cleared whether or not the write succeeds.
func (c *Connector[O, I, CO, CI]) Write(ctx context.Context, value CI) error {
	if st := c.State(); st != StateConnected {
		if st == StateDisposed {
			return ErrDisposed
		}
		return ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.access == nil || c.State() != StateConnected {
		return ErrNotConnected
	}
	if clearer, ok := c.access.(model.OutboundClearer); ok {
		defer clearer.ClearOutbound()
	}

	err := c.write(ctx, value)
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.telemetry.IncWrite(c.id, result)
	if err != nil {
		return fmt.Errorf("connector %s: write: %w", c.id, err)
	}
	return nil
}

func (c *Connector[O, I, CO, CI]) write(ctx context.Context, value CI) error {
	a, err := c.selector.SelectInput(value)
	if err != nil {
		return fmt.Errorf("select adapter: %w", err)
	}
	ack, err := a.AdaptInput(value, c.access)
	if err != nil {
		return fmt.Errorf("translate %s: %w", a.InputType(), err)
	}
	return c.binding.Flush(ctx, ack)
}

// Received is the notification entry point used by bindings that push data.
// Bindings must not call it while inside Flush or Disconnect.
func (c *Connector[O, I, CO, CI]) Received(raw O, stage func()) error {
	if !c.accepting() {
		return ErrNotConnected
	}
	c.mu.Lock()
	if c.access == nil || !c.accepting() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if stage != nil {
		stage()
	}
	typ, value, err := c.translate(raw)
	c.mu.Unlock()
	if err != nil {
		c.report("translate", "notification translation failed", err)
		return err
	}
	c.dispatch(typ, value)
	return nil
}

// accepting reports whether pushed data is processed. Retained messages may
// arrive while the connection is still being set up.
func (c *Connector[O, I, CO, CI]) accepting() bool {
	st := c.State()
	return st == StateConnected || st == StateConnecting
}

// translate runs with mu held.
func (c *Connector[O, I, CO, CI]) translate(raw O) (adapter.TypeID, CO, error) {
	var zero CO
	a, err := c.selector.SelectOutput(raw)
	if err != nil {
		return "", zero, fmt.Errorf("select adapter: %w", err)
	}
	value, err := a.AdaptOutput(raw, c.access)
	if err != nil {
		return a.OutputType(), zero, fmt.Errorf("translate %s: %w", a.OutputType(), err)
	}
	return a.OutputType(), value, nil
}

func (c *Connector[O, I, CO, CI]) dispatch(typ adapter.TypeID, value CO) {
	n, err := c.callbacks.Dispatch(typ, value)
	c.telemetry.IncDispatched(c.id, string(typ), n)
	if err != nil {
		c.report("callback", "reception callback failed", err)
	}
}

func (c *Connector[O, I, CO, CI]) report(kind, message string, err error) {
	c.telemetry.IncAcquisitionError(c.id, kind)
	if c.onError != nil {
		c.onError(message, err)
		return
	}
	c.logger.Error().Err(err).Str("kind", kind).Msg(message)
}

// Trigger starts a replay job for q and returns its id. Bindings that cannot
// answer q yield ErrTriggerUnsupported and no job is started, so callers that
// treat an unanswerable query as a no-op can ignore that error.
func (c *Connector[O, I, CO, CI]) Trigger(q trigger.Query) (string, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	switch c.State() {
	case StateConnected:
	case StateDisposed:
		return "", ErrDisposed
	default:
		return "", ErrNotConnected
	}
	if q == nil {
		return "", errors.New("trigger query must not be nil")
	}
	rep, ok := c.binding.(Replayer[O])
	if !ok || !c.descriptor.SupportsQuery(q.Kind()) {
		return "", ErrTriggerUnsupported
	}
	id := uuid.NewString()
	c.replays.Add(1)
	go c.runReplay(id, rep, q)
	return id, nil
}

// WaitTriggers blocks until every running replay job has finished.
func (c *Connector[O, I, CO, CI]) WaitTriggers() {
	c.replays.Wait()
}
