// Package binder manages named local services that callers start, connect to
// and stop independently of each other.
//
// A service instance is created lazily by RequestStart and lives until
// RequestStop, whether or not anything is connected to it. Connections learn
// about readiness through Connected, which is always delivered on the
// dispatcher's callback goroutine.
package binder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownService = errors.New("binder: unknown service")
	ErrServiceExists  = errors.New("binder: service already registered")
	ErrInvalidService = errors.New("binder: invalid service registration")
)

// Service is one startable, bindable unit. B is what connections receive.
type Service[B any] interface {
	Start(ctx context.Context) error
	Bind() (B, error)
	Unbind()
	Stop(ctx context.Context) error
}

type Factory[B any] func() Service[B]

// Connection receives binding notifications. Implementations must be
// comparable; pointer receivers are the usual choice.
type Connection[B any] interface {
	Connected(name string, binding B)
	Disconnected(name string)
}

// Dispatcher is the scheduling surface the manager needs.
type Dispatcher interface {
	Go(task func())
	Post(task func())
}

type Config struct {
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		StartTimeout: 15 * time.Second,
		StopTimeout:  10 * time.Second,
	}
}

type instance[B any] struct {
	svc     Service[B]
	started chan struct{}
	err     error
	running bool
}

type binding[B any] struct {
	conn      Connection[B]
	inst      *instance[B]
	delivered bool
	bound     bool
}

type entry[B any] struct {
	factory Factory[B]
	inst    *instance[B]
	conns   map[Connection[B]]*binding[B]
}

// Manager owns registered services and their connections.
type Manager[B any] struct {
	disp Dispatcher
	cfg  Config

	mu      sync.Mutex
	entries map[string]*entry[B]
}

func NewManager[B any](disp Dispatcher) *Manager[B] {
	return NewManagerWithConfig[B](disp, DefaultConfig())
}

func NewManagerWithConfig[B any](disp Dispatcher, cfg Config) *Manager[B] {
	def := DefaultConfig()
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	return &Manager[B]{
		disp:    disp,
		cfg:     cfg,
		entries: make(map[string]*entry[B]),
	}
}

func (m *Manager[B]) Register(name string, factory Factory[B]) error {
	name = strings.TrimSpace(name)
	if name == "" || factory == nil {
		return fmt.Errorf("%w: name=%q", ErrInvalidService, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[name]; ok {
		return fmt.Errorf("%w: %q", ErrServiceExists, name)
	}
	m.entries[name] = &entry[B]{
		factory: factory,
		conns:   make(map[Connection[B]]*binding[B]),
	}
	return nil
}

// Names returns registered service names in sorted order.
func (m *Manager[B]) Names() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, name)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// RequestStart creates and starts an instance of name unless one already
// exists. Start runs on the background pool; RequestStart does not wait.
func (m *Manager[B]) RequestStart(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(name)
	if err != nil {
		return err
	}
	if e.inst != nil {
		log.Debug().Str("service", name).Msg("binder.Manager.RequestStart already requested")
		return nil
	}
	inst := &instance[B]{
		svc:     e.factory(),
		started: make(chan struct{}),
	}
	e.inst = inst
	m.disp.Go(func() {
		m.startInstance(name, e, inst)
	})
	log.Debug().Str("service", name).Msg("binder.Manager.RequestStart scheduled")
	return nil
}

func (m *Manager[B]) startInstance(name string, e *entry[B], inst *instance[B]) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartTimeout)
	defer cancel()
	err := inst.svc.Start(ctx)

	m.mu.Lock()
	inst.err = err
	close(inst.started)
	if err != nil {
		if e.inst == inst {
			e.inst = nil
		}
		m.mu.Unlock()
		log.Error().Err(err).Str("service", name).Msg("binder.Manager.startInstance failed")
		return
	}
	inst.running = true
	pending := make([]*binding[B], 0, len(e.conns))
	if e.inst == inst {
		for _, b := range e.conns {
			if !b.delivered {
				pending = append(pending, b)
			}
		}
	}
	m.mu.Unlock()

	log.Info().Str("service", name).Int("pending", len(pending)).Msg("binder.Manager.startInstance running")
	for _, b := range pending {
		m.deliver(name, e, inst, b)
	}
}

// deliver binds inst for b and posts Connected. Every check is repeated on
// the callback goroutine since the connection or instance may be gone by then.
func (m *Manager[B]) deliver(name string, e *entry[B], inst *instance[B], b *binding[B]) {
	m.disp.Post(func() {
		m.mu.Lock()
		if e.inst != inst || !inst.running || b.delivered || e.conns[b.conn] != b {
			m.mu.Unlock()
			return
		}
		value, err := inst.svc.Bind()
		if err != nil {
			m.mu.Unlock()
			log.Warn().Err(err).Str("service", name).Msg("binder.Manager.deliver bind failed")
			return
		}
		b.delivered = true
		b.bound = true
		b.inst = inst
		m.mu.Unlock()

		b.conn.Connected(name, value)
	})
}

// Connect attaches conn to name. Connected is posted once the service is
// running; connecting twice with the same conn is a no-op.
func (m *Manager[B]) Connect(name string, conn Connection[B]) error {
	if conn == nil {
		return fmt.Errorf("%w: nil connection", ErrInvalidService)
	}
	m.mu.Lock()
	e, err := m.lookup(name)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if _, ok := e.conns[conn]; ok {
		m.mu.Unlock()
		return nil
	}
	b := &binding[B]{conn: conn}
	e.conns[conn] = b
	inst := e.inst
	ready := inst != nil && inst.running
	m.mu.Unlock()

	if ready {
		m.deliver(name, e, inst, b)
	}
	return nil
}

// Disconnect detaches conn. If it was bound the service is unbound and
// Disconnected is posted.
func (m *Manager[B]) Disconnect(name string, conn Connection[B]) {
	if conn == nil {
		return
	}
	m.mu.Lock()
	e, err := m.lookup(name)
	if err != nil {
		m.mu.Unlock()
		return
	}
	b, ok := e.conns[conn]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(e.conns, conn)
	wasBound, inst := b.bound, b.inst
	b.bound = false
	m.mu.Unlock()

	if wasBound {
		inst.svc.Unbind()
		m.disp.Post(func() {
			conn.Disconnected(name)
		})
	}
}

// RequestStop tears the current instance down. It waits for an in-flight
// start to finish first; when ctx expires before that, the stop is finished
// on the background pool and ctx's error is returned.
func (m *Manager[B]) RequestStop(ctx context.Context, name string) error {
	m.mu.Lock()
	e, err := m.lookup(name)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	inst := e.inst
	if inst == nil {
		m.mu.Unlock()
		return nil
	}
	e.inst = nil
	inst.running = false
	bound := make([]Connection[B], 0, len(e.conns))
	for conn, b := range e.conns {
		if b.bound && b.inst == inst {
			bound = append(bound, conn)
		}
	}
	e.conns = make(map[Connection[B]]*binding[B])
	m.mu.Unlock()

	for _, conn := range bound {
		inst.svc.Unbind()
		m.disp.Post(func() {
			conn.Disconnected(name)
		})
	}

	select {
	case <-inst.started:
	case <-ctx.Done():
		m.disp.Go(func() {
			<-inst.started
			m.stopInstance(context.Background(), name, inst)
		})
		return fmt.Errorf("binder: stop %q: %w", name, ctx.Err())
	}
	return m.stopInstance(ctx, name, inst)
}

func (m *Manager[B]) stopInstance(ctx context.Context, name string, inst *instance[B]) error {
	if inst.err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	defer cancel()
	if err := inst.svc.Stop(ctx); err != nil {
		log.Warn().Err(err).Str("service", name).Msg("binder.Manager.stopInstance failed")
		return fmt.Errorf("binder: stop %q: %w", name, err)
	}
	log.Info().Str("service", name).Msg("binder.Manager.stopInstance stopped")
	return nil
}

// Running reports whether name has a started instance.
func (m *Manager[B]) Running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[strings.TrimSpace(name)]
	return ok && e.inst != nil && e.inst.running
}

// Shutdown stops every registered service.
func (m *Manager[B]) Shutdown(ctx context.Context) error {
	var errs []error
	for _, name := range m.Names() {
		if err := m.RequestStop(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager[B]) lookup(name string) (*entry[B], error) {
	e, ok := m.entries[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return e, nil
}
