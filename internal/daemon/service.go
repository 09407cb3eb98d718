// Package daemon wires the dispatcher, binder, hosted proxy, supervisor and
// admin channel into one long-running process.
package daemon

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/edgeproxy/internal/admin"
	"github.com/danmuck/edgeproxy/internal/binder"
	"github.com/danmuck/edgeproxy/internal/dispatch"
	"github.com/danmuck/edgeproxy/internal/host"
	"github.com/danmuck/edgeproxy/internal/proxy"
	"github.com/danmuck/edgeproxy/internal/status"
	"github.com/danmuck/edgeproxy/internal/supervisor"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("daemon: invalid heartbeat interval")
	ErrAlreadyRunning           = errors.New("daemon: already running")
)

// ServiceConfig configures the standalone proxy host.
type ServiceConfig struct {
	ServiceName       string
	AdminListenAddr   string
	AdminToken        string
	StartOnBoot       bool
	ReadyTimeout      time.Duration
	StopTimeout       time.Duration
	HeartbeatInterval time.Duration
	Host              host.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ServiceName:       "proxy",
		AdminListenAddr:   "127.0.0.1:7011",
		StartOnBoot:       true,
		ReadyTimeout:      15 * time.Second,
		StopTimeout:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		Host:              host.DefaultConfig(),
	}
}

// Service owns every runtime component of the proxy host.
type Service struct {
	cfg   ServiceConfig
	disp  *dispatch.Dispatcher
	board *status.Board
	mgr   *binder.Manager[*host.Process]
	sup   *supervisor.Supervisor
	admin *admin.Server

	runMu   sync.Mutex
	running bool
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	disp := dispatch.New()
	board := status.NewBoard()
	mgr := binder.NewManagerWithConfig[*host.Process](disp, binder.Config{
		StartTimeout: cfg.ReadyTimeout,
		StopTimeout:  cfg.StopTimeout,
	})
	sup := supervisor.NewWithConfig(supervisor.Config{
		ServiceName: cfg.ServiceName,
		StopTimeout: cfg.StopTimeout,
	}, mgr, disp)
	return &Service{
		cfg:   cfg,
		disp:  disp,
		board: board,
		mgr:   mgr,
		sup:   sup,
		admin: admin.NewServer(admin.ServerConfig{
			ReadyTimeout: cfg.ReadyTimeout,
			Token:        cfg.AdminToken,
		}, sup, board),
	}
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext blocks until ctx ends, then tears everything down. A Service
// runs at most once.
func (s *Service) RunContext(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.runMu.Unlock()
	defer s.shutdown()

	if err := s.bootstrap(); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Service) Supervisor() *supervisor.Supervisor {
	return s.sup
}

func (s *Service) Board() *status.Board {
	return s.board
}

func (s *Service) bootstrap() error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	hostCfg := s.cfg.Host
	if err := s.mgr.Register(s.cfg.ServiceName, func() binder.Service[*host.Process] {
		return host.New(hostCfg, s.board, s.disp)
	}); err != nil {
		return err
	}
	if s.cfg.StartOnBoot {
		s.sup.Start(func(h *proxy.Handle) {
			log.Info().
				Str("url", h.URL()).
				Str("handle", h.ID()).
				Msg("daemon.Service.bootstrap proxy ready")
		})
	}
	log.Info().
		Str("service", s.cfg.ServiceName).
		Bool("start_on_boot", s.cfg.StartOnBoot).
		Str("admin", s.cfg.AdminListenAddr).
		Msg("daemon.Service.bootstrap ready")
	return nil
}

func (s *Service) serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	controlErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		go func() {
			controlErr <- s.admin.Serve(ctx, addr)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("daemon.Service.serve shutdown")
			return nil
		case err := <-controlErr:
			if err != nil {
				return err
			}
		case <-ticker.C:
			snap := s.sup.Snapshot()
			log.Info().
				Str("state", snap.State).
				Str("address", snap.Address).
				Int64("admin_clients", s.admin.ClientCount()).
				Msg("daemon.Service.serve heartbeat")
		}
	}
}

func (s *Service) shutdown() {
	s.sup.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := s.mgr.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("daemon.Service.shutdown services")
	}
	s.disp.Close()
}
