// Package host runs the embedded proxy as a long-lived hosted process with a
// visible status notice.
package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgeproxy/internal/observability"
	"github.com/danmuck/edgeproxy/internal/proxy"
	"github.com/danmuck/edgeproxy/internal/status"
	"github.com/rs/zerolog/log"
)

var (
	ErrLifecycleOrder = errors.New("host: invalid lifecycle transition")
	ErrAlreadyBound   = errors.New("host: process already bound")
	ErrNotRunning     = errors.New("host: process not running")
)

// Phase is the hosted process lifecycle position.
type Phase string

const (
	PhaseCreated Phase = "created"
	PhaseRunning Phase = "running"
	PhaseStopped Phase = "stopped"
)

// StatusConfig describes the notice shown while the process runs.
type StatusConfig struct {
	ChannelID   string
	ChannelName string
	Title       string
	TapTarget   string
	Importance  status.Importance
}

type Config struct {
	ProcessID string
	Proxy     proxy.Config
	Status    StatusConfig
}

func DefaultConfig() Config {
	return Config{
		ProcessID: "host.proxy",
		Proxy:     proxy.DefaultConfig(),
		Status: StatusConfig{
			ChannelID:   "PROXY_SERVER",
			ChannelName: "Proxy Server",
			Title:       "Streamed Proxy",
			Importance:  status.ImportanceLow,
		},
	}
}

// Poster runs status updates on the callback goroutine.
type Poster interface {
	Post(task func())
}

// Status is a point-in-time view of a Process.
type Status struct {
	ProcessID string    `json:"process_id"`
	Phase     Phase     `json:"phase"`
	HandleID  string    `json:"handle_id,omitempty"`
	Address   string    `json:"address,omitempty"`
	Bound     bool      `json:"bound"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Process owns exactly one proxy server for its lifetime.
type Process struct {
	cfg     Config
	surface status.Surface
	poster  Poster
	server  *proxy.Server

	channelOnce sync.Once
	// shownSeq is only touched by posted tasks.
	shownSeq uint64

	mu        sync.Mutex
	phase     Phase
	handle    *proxy.Handle
	bound     bool
	startedAt time.Time
}

func New(cfg Config, surface status.Surface, poster Poster) *Process {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.ProcessID) == "" {
		cfg.ProcessID = def.ProcessID
	}
	if strings.TrimSpace(cfg.Status.ChannelID) == "" {
		cfg.Status.ChannelID = def.Status.ChannelID
	}
	if strings.TrimSpace(cfg.Status.ChannelName) == "" {
		cfg.Status.ChannelName = def.Status.ChannelName
	}
	if strings.TrimSpace(cfg.Status.Title) == "" {
		cfg.Status.Title = def.Status.Title
	}
	return &Process{
		cfg:     cfg,
		surface: surface,
		poster:  poster,
		server:  proxy.NewServer(cfg.Proxy),
		phase:   PhaseCreated,
	}
}

// Start brings the proxy up and posts the running notice. Only a freshly
// created process can start.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != PhaseCreated {
		return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, p.phase, PhaseRunning)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("host: start: %w", err)
	}

	handle, err := p.server.Start()
	if err != nil {
		p.transition(PhaseStopped)
		return fmt.Errorf("host: start proxy: %w", err)
	}
	p.handle = handle
	p.startedAt = time.Now()
	p.transition(PhaseRunning)

	p.channelOnce.Do(func() {
		p.surface.CreateOnce(p.cfg.Status.ChannelID, p.cfg.Status.ChannelName, p.cfg.Status.Importance)
	})
	st, line := p.cfg.Status, handle.StatusLine()
	p.poster.Post(func() {
		if err := p.surface.Show(st.ChannelID, st.Title, line, st.TapTarget, true); err != nil {
			log.Warn().Err(err).Str("process", p.cfg.ProcessID).Msg("host.Process.Start status update failed")
			return
		}
		if n, ok := p.surface.Current(st.ChannelID); ok {
			p.shownSeq = n.Seq
		}
	})
	log.Info().
		Str("process", p.cfg.ProcessID).
		Str("address", handle.Address()).
		Str("handle", handle.ID()).
		Msg("host.Process.Start running")
	return nil
}

// Stop shuts the proxy down and dismisses the notice. Stopping twice is a
// no-op.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.phase {
	case PhaseStopped:
		p.mu.Unlock()
		return nil
	case PhaseCreated:
		p.transition(PhaseStopped)
		p.mu.Unlock()
		return nil
	}
	handle := p.handle
	p.handle = nil
	p.bound = false
	p.transition(PhaseStopped)
	p.mu.Unlock()

	err := p.server.Stop(ctx)
	channel := p.cfg.Status.ChannelID
	p.poster.Post(func() {
		n, ok := p.surface.Current(channel)
		if !ok || n.Seq != p.shownSeq {
			log.Debug().
				Str("process", p.cfg.ProcessID).
				Str("channel", channel).
				Msg("host.Process.Stop notice belongs to another run, kept")
			return
		}
		p.surface.Dismiss(channel)
	})
	log.Info().
		Str("process", p.cfg.ProcessID).
		Str("handle", handle.ID()).
		Msg("host.Process.Stop stopped")
	if err != nil {
		return fmt.Errorf("host: stop proxy: %w", err)
	}
	return nil
}

// Bind hands the process to one connection at a time.
func (p *Process) Bind() (*Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != PhaseRunning {
		return nil, ErrNotRunning
	}
	if p.bound {
		return nil, ErrAlreadyBound
	}
	p.bound = true
	return p, nil
}

func (p *Process) Unbind() {
	p.mu.Lock()
	p.bound = false
	p.mu.Unlock()
}

// Handle returns the running proxy handle, or nil outside PhaseRunning.
func (p *Process) Handle() *proxy.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

func (p *Process) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Status{
		ProcessID: p.cfg.ProcessID,
		Phase:     p.phase,
		Bound:     p.bound,
		StartedAt: p.startedAt,
	}
	if p.handle != nil {
		out.HandleID = p.handle.ID()
		out.Address = p.handle.Address()
	}
	return out
}

// transition must be called with p.mu held.
func (p *Process) transition(next Phase) {
	from := p.phase
	p.phase = next
	observability.RecordTransition("host", string(from), string(next))
	log.Debug().
		Str("process", p.cfg.ProcessID).
		Str("from", string(from)).
		Str("to", string(next)).
		Msg("host.Process transition")
}
