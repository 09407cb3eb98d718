// Package supervisor keeps one hosted proxy process alive on behalf of
// callers and hands them its handle once it is ready.
//
// State machine:
//
//	unbound --Start--> connecting --Connected--> bound
//	   ^                   |                      |
//	   +-------Stop--------+---------Stop---------+
//
// Ready callbacks always run on the dispatcher's callback goroutine, never
// on the goroutine that called Start.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgeproxy/internal/binder"
	"github.com/danmuck/edgeproxy/internal/host"
	"github.com/danmuck/edgeproxy/internal/observability"
	"github.com/danmuck/edgeproxy/internal/proxy"
	"github.com/rs/zerolog/log"
)

var ErrNotReady = errors.New("supervisor: proxy not ready")

type State int

const (
	StateUnbound State = iota
	StateConnecting
	StateBound
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateConnecting:
		return "connecting"
	case StateBound:
		return "bound"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReadyFunc receives the handle once the proxy is reachable.
type ReadyFunc func(*proxy.Handle)

// Services is the binding surface the supervisor drives.
// *binder.Manager[*host.Process] implements it.
type Services interface {
	RequestStart(name string) error
	Connect(name string, conn binder.Connection[*host.Process]) error
	Disconnect(name string, conn binder.Connection[*host.Process])
	RequestStop(ctx context.Context, name string) error
}

type Poster interface {
	Post(task func())
}

type Config struct {
	ServiceName string
	StopTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "proxy",
		StopTimeout: 10 * time.Second,
	}
}

// Snapshot is a read-only view for status reporting.
type Snapshot struct {
	State    string       `json:"state"`
	HandleID string       `json:"handle_id,omitempty"`
	Address  string       `json:"address,omitempty"`
	URL      string       `json:"url,omitempty"`
	Process  *host.Status `json:"process,omitempty"`
}

// Supervisor serializes every transition behind mu.
type Supervisor struct {
	cfg      Config
	services Services
	poster   Poster

	mu       sync.Mutex
	state    State
	handle   *proxy.Handle
	process  *host.Process
	callback ReadyFunc
	conn     *connection
	waiters  []chan *proxy.Handle
}

func New(services Services, poster Poster) *Supervisor {
	return NewWithConfig(DefaultConfig(), services, poster)
}

func NewWithConfig(cfg Config, services Services, poster Poster) *Supervisor {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	return &Supervisor{
		cfg:      cfg,
		services: services,
		poster:   poster,
		state:    StateUnbound,
	}
}

// Start ensures the proxy is running and arranges for cb to receive its
// handle. It never blocks on readiness and never reports errors to the
// caller; failures are logged.
func (s *Supervisor) Start(cb ReadyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateBound:
		handle := s.handle
		log.Debug().Str("handle", handle.ID()).Msg("supervisor.Supervisor.Start already bound")
		if cb != nil {
			s.poster.Post(func() {
				cb(handle)
			})
		}
		return
	case StateConnecting:
		log.Debug().Msg("supervisor.Supervisor.Start replaced pending callback")
		s.callback = cb
		return
	}

	name := s.cfg.ServiceName
	conn := &connection{s: s}
	s.callback = cb
	s.conn = conn
	s.setState(StateConnecting)

	if err := s.services.RequestStart(name); err != nil {
		log.Error().Err(err).Str("service", name).Msg("supervisor.Supervisor.Start request start failed")
		s.reset()
		return
	}
	if err := s.services.Connect(name, conn); err != nil {
		log.Error().Err(err).Str("service", name).Msg("supervisor.Supervisor.Start connect failed")
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
		defer cancel()
		_ = s.services.RequestStop(ctx, name)
		s.reset()
	}
}

// Stop disconnects and tears the process down. It is a no-op when nothing
// was started. A pending callback is dropped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUnbound {
		return
	}

	name := s.cfg.ServiceName
	s.services.Disconnect(name, s.conn)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := s.services.RequestStop(ctx, name); err != nil {
		log.Warn().Err(err).Str("service", name).Msg("supervisor.Supervisor.Stop request stop failed")
	}
	s.reset()
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the cached handle, or nil unless bound.
func (s *Supervisor) Handle() *proxy.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{State: s.state.String()}
	if s.handle != nil {
		out.HandleID = s.handle.ID()
		out.Address = s.handle.Address()
		out.URL = s.handle.URL()
	}
	if s.process != nil {
		st := s.process.Status()
		out.Process = &st
	}
	return out
}

// Await blocks until the supervisor is bound or ctx ends. It does not start
// anything by itself.
func (s *Supervisor) Await(ctx context.Context) (*proxy.Handle, error) {
	s.mu.Lock()
	if s.state == StateBound {
		h := s.handle
		s.mu.Unlock()
		return h, nil
	}
	ch := make(chan *proxy.Handle, 1)
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case h := <-ch:
		return h, nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		// a handle may have been sent between ctx ending and the removal
		select {
		case h := <-ch:
			return h, nil
		default:
		}
		return nil, fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
}

// reset returns to unbound. Callers hold s.mu.
func (s *Supervisor) reset() {
	s.conn = nil
	s.callback = nil
	s.handle = nil
	s.process = nil
	s.setState(StateUnbound)
}

// setState must be called with s.mu held.
func (s *Supervisor) setState(next State) {
	from := s.state
	if from == next {
		return
	}
	s.state = next
	observability.RecordTransition("supervisor", from.String(), next.String())
	log.Debug().
		Str("from", from.String()).
		Str("to", next.String()).
		Msg("supervisor.Supervisor transition")
}

// connection is one Start attempt's view of the binding. A stale connection
// (replaced or stopped) ignores every notification.
type connection struct {
	s *Supervisor
}

func (c *connection) Connected(name string, p *host.Process) {
	s := c.s
	s.mu.Lock()
	if s.conn != c || s.state != StateConnecting {
		s.mu.Unlock()
		log.Debug().Str("service", name).Msg("supervisor.connection.Connected ignored stale connection")
		return
	}
	handle := p.Handle()
	if handle == nil || !handle.Valid() {
		s.mu.Unlock()
		log.Warn().Str("service", name).Msg("supervisor.connection.Connected process has no live handle")
		return
	}
	s.handle = handle
	s.process = p
	s.setState(StateBound)
	cb := s.callback
	s.callback = nil
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	log.Info().
		Str("service", name).
		Str("address", handle.Address()).
		Str("handle", handle.ID()).
		Msg("supervisor.connection.Connected bound")
	for _, w := range waiters {
		w <- handle
	}
	if cb != nil {
		cb(handle)
	}
}

func (c *connection) Disconnected(name string) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c {
		return
	}
	log.Warn().
		Str("service", name).
		Str("state", s.state.String()).
		Msg("supervisor.connection.Disconnected process went away")
	s.reset()
}
