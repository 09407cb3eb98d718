// Package admin exposes a local control channel for a running proxy host:
// newline-delimited JSON requests and responses over TCP.
package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgeproxy/internal/auth"
	"github.com/danmuck/edgeproxy/internal/proxy"
	"github.com/danmuck/edgeproxy/internal/status"
	"github.com/danmuck/edgeproxy/internal/supervisor"
	"github.com/rs/zerolog/log"
)

const (
	ActionStatus   = "status"
	ActionStart    = "start"
	ActionStop     = "stop"
	ActionProxyURL = "proxy_url"
)

var ErrNotBound = errors.New("admin: proxy not running")

// Controller is the supervisor surface the control channel drives.
type Controller interface {
	Start(cb supervisor.ReadyFunc)
	Stop()
	Await(ctx context.Context) (*proxy.Handle, error)
	Handle() *proxy.Handle
	Snapshot() supervisor.Snapshot
}

type NoticeSource interface {
	Notices() []status.Notice
}

// Request is one admin action envelope.
type Request struct {
	Action  string            `json:"action"`
	Token   string            `json:"token,omitempty"`
	Remote  string            `json:"remote,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Response is one admin action result envelope.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusReport answers the status action.
type StatusReport struct {
	Supervisor supervisor.Snapshot `json:"supervisor"`
	Notices    []status.Notice     `json:"notices"`
}

type ProxyURLResult struct {
	URL string `json:"url"`
}

type ServerConfig struct {
	ReadyTimeout time.Duration
	IdleTimeout  time.Duration
	Token        string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadyTimeout: 15 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

// Server answers admin requests for one controller.
type Server struct {
	cfg     ServerConfig
	ctl     Controller
	notices NoticeSource
	auth    auth.Validator
	clients atomic.Int64
}

func NewServer(cfg ServerConfig, ctl Controller, notices NoticeSource) *Server {
	def := DefaultServerConfig()
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &Server{
		cfg:     cfg,
		ctl:     ctl,
		notices: notices,
		auth:    auth.ForToken(cfg.Token),
	}
}

// Serve listens on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener takes ownership of ln and closes it when ctx ends.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin.Server listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// ClientCount reports connected admin clients.
func (s *Server) ClientCount() int64 {
	return s.clients.Load()
}

// handleConn decodes one request per line and writes one response per line.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.clients.Add(1)
	log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("admin.Server client connected")
	defer func() {
		remaining := s.clients.Add(-1)
		log.Debug().Str("remote", remote).Int64("active_clients", remaining).Msg("admin.Server client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Str("remote", remote).Msg("admin.Server read failed")
			}
			return
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeResponse(conn, errorResponse(err))
			continue
		}
		resp := s.handleRequest(ctx, req)
		if err := writeResponse(conn, resp); err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("admin.Server write failed")
			return
		}
	}
}

// handleRequest dispatches one admin action.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	if err := s.auth.Validate(req.Token); err != nil {
		return errorResponse(err)
	}
	switch strings.TrimSpace(req.Action) {
	case ActionStatus:
		return dataResponse(s.report())
	case ActionStart:
		s.ctl.Start(nil)
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
		defer cancel()
		if _, err := s.ctl.Await(waitCtx); err != nil {
			return errorResponse(err)
		}
		return dataResponse(s.ctl.Snapshot())
	case ActionStop:
		s.ctl.Stop()
		return dataResponse(s.ctl.Snapshot())
	case ActionProxyURL:
		return s.proxyURL(req)
	default:
		return errorResponse(fmt.Errorf("admin: unknown action: %s", req.Action))
	}
}

func (s *Server) proxyURL(req Request) Response {
	h := s.ctl.Handle()
	if h == nil {
		return errorResponse(ErrNotBound)
	}
	out, err := h.ProxyURL(req.Remote, req.Headers)
	if err != nil {
		return errorResponse(err)
	}
	return dataResponse(ProxyURLResult{URL: out})
}

func (s *Server) report() StatusReport {
	out := StatusReport{Supervisor: s.ctl.Snapshot()}
	if s.notices != nil {
		out.Notices = s.notices.Notices()
	}
	return out
}

func dataResponse(v any) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return errorResponse(err)
	}
	return Response{OK: true, Data: raw}
}

func errorResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

func writeResponse(w io.Writer, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
