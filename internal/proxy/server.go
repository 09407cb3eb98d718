package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgeproxy/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var ErrInvalidPort = errors.New("proxy: invalid port")

// Config configures one embedded proxy server.
type Config struct {
	ID   string
	Host string
	// Port 0 binds an ephemeral port.
	Port int
	// AdvertiseLAN puts the first 192.168.x.x interface address in handles
	// instead of Host, so other devices on the network can reach the proxy.
	AdvertiseLAN     bool
	AllowFileTargets bool
	UpstreamTimeout  time.Duration
	ClientTimeout    time.Duration
	HeaderTimeout    time.Duration
	CorsOrigins      []string
}

func DefaultConfig() Config {
	return Config{
		ID:              "proxy.local",
		Host:            loopbackHost,
		Port:            1111,
		UpstreamTimeout: 30 * time.Second,
		ClientTimeout:   25 * time.Second,
		HeaderTimeout:   15 * time.Second,
	}
}

// WithDefaults fills zero timeouts and identity; Port is left as given.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ID) == "" {
		c.ID = def.ID
	}
	if strings.TrimSpace(c.Host) == "" {
		c.Host = def.Host
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = def.UpstreamTimeout
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = def.ClientTimeout
	}
	if c.HeaderTimeout <= 0 {
		c.HeaderTimeout = def.HeaderTimeout
	}
	return c
}

// Server is the embedded HTTP proxy.
type Server struct {
	cfg       Config
	router    *gin.Engine
	transport *http.Transport
	upstream  *http.Client

	mu        sync.Mutex
	httpSrv   *http.Server
	handle    *Handle
	startedAt time.Time
	served    chan struct{}
}

func NewServer(cfg Config) *Server {
	cfg = cfg.WithDefaults()
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.ID))
	r.Use(cors.New(corsConfig(cfg.CorsOrigins)))
	_ = r.SetTrustedProxies(nil)

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.UpstreamTimeout}).DialContext,
		ResponseHeaderTimeout: cfg.UpstreamTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
	}
	s := &Server{
		cfg:       cfg,
		router:    r,
		transport: transport,
		upstream:  &http.Client{Transport: transport},
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router for in-process use.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. It returns the
// current handle when already started.
func (s *Server) Start() (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return s.handle, nil
	}
	if s.cfg.Port < 0 || s.cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, s.cfg.Port)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	handle := newHandle(net.JoinHostPort(advertiseHost(s.cfg), strconv.Itoa(port)))

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.HeaderTimeout,
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("proxy", s.cfg.ID).Msg("proxy.Server.Serve stopped")
		}
	}()

	s.httpSrv = srv
	s.handle = handle
	s.served = served
	s.startedAt = time.Now()
	log.Info().
		Str("proxy", s.cfg.ID).
		Str("listen", ln.Addr().String()).
		Str("address", handle.Address()).
		Str("handle", handle.ID()).
		Msg("proxy.Server.Start listening")
	return handle, nil
}

// Stop invalidates the current handle and shuts the listener down. In-flight
// streams are cut when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	handle, srv, served := s.handle, s.httpSrv, s.served
	s.handle, s.httpSrv, s.served = nil, nil, nil
	handle.invalidate()

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	<-served
	s.transport.CloseIdleConnections()
	log.Info().
		Str("proxy", s.cfg.ID).
		Str("handle", handle.ID()).
		Msg("proxy.Server.Stop stopped")
	if err != nil {
		return fmt.Errorf("proxy: shutdown: %w", err)
	}
	return nil
}

// Handle returns the current handle, or nil when stopped.
func (s *Server) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Server) Started() bool {
	return s.Handle() != nil
}

func (s *Server) uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return time.Since(s.startedAt)
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "HEAD", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Range", "Content-Type"},
		ExposeHeaders: []string{"Content-Length", "Content-Range"},
		MaxAge:        12 * time.Hour,
	}
	clean := make([]string, 0, len(origins))
	for _, o := range origins {
		v := strings.TrimSpace(o)
		if v == "*" {
			clean = clean[:0]
			break
		}
		if v != "" {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = clean
	return cfg
}
