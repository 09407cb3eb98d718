package proxy

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/edgeproxy/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	rootBody            = "proxy server is running"
	playlistContentType = "application/vnd.apple.mpegurl"
)

func (s *Server) registerRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.HEAD("/", s.handleRoot)
	s.router.GET("/_proxy/health", s.handleHealth)
	s.router.GET("/_proxy/metrics", gin.WrapH(promhttp.Handler()))
	s.router.NoRoute(s.handleForward)
}

func (s *Server) handleRoot(c *gin.Context) {
	c.String(http.StatusOK, rootBody)
}

func (s *Server) handleHealth(c *gin.Context) {
	address := ""
	if h := s.Handle(); h != nil {
		address = h.Address()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"proxy":   s.cfg.ID,
		"address": address,
		"uptime":  s.uptime().String(),
	})
}

func (s *Server) handleForward(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.String(http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := path.Base(c.Request.URL.Path)
	remote, headers, err := DecodeQuery(c.Query(queryParam))
	if err != nil {
		log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("proxy.Server.handleForward query decode failed")
		c.String(http.StatusBadRequest, "invalid proxy query")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.ClientTimeout)
	defer cancel()

	if strings.HasPrefix(remote, "file://") {
		s.forwardFile(c, remote)
		return
	}
	s.forwardRemote(ctx, c, name, remote, headers)
}

func (s *Server) forwardRemote(ctx context.Context, c *gin.Context, name, remote string, headers map[string]string) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("proxy.Server.forwardRemote bad target")
		c.String(http.StatusBadRequest, "invalid proxy target")
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.upstream.Do(req)
	if err != nil {
		observability.RecordUpstream(s.cfg.ID, "remote", http.StatusBadGateway, time.Since(start), false)
		log.Warn().Err(err).Str("remote", remote).Msg("proxy.Server.forwardRemote upstream failed")
		c.String(http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer resp.Body.Close()

	if strings.Contains(name, ".m3u8") {
		body, err := RewritePlaylist(resp.Body, remote, headers)
		if err != nil {
			observability.RecordUpstream(s.cfg.ID, "playlist", resp.StatusCode, time.Since(start), false)
			log.Warn().Err(err).Str("remote", remote).Int("status", resp.StatusCode).Msg("proxy.Server.forwardRemote playlist rewrite failed")
			c.String(http.StatusBadGateway, "invalid upstream playlist")
			return
		}
		observability.RecordUpstream(s.cfg.ID, "playlist", resp.StatusCode, time.Since(start), true)
		c.Data(http.StatusOK, playlistContentType, []byte(body))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var extra map[string]string
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		extra = map[string]string{"Content-Range": cr}
	}
	c.DataFromReader(resp.StatusCode, resp.ContentLength, contentType, resp.Body, extra)
	observability.RecordUpstream(s.cfg.ID, "remote", resp.StatusCode, time.Since(start), resp.StatusCode < 400)
}

func (s *Server) forwardFile(c *gin.Context, remote string) {
	start := time.Now()
	if !s.cfg.AllowFileTargets {
		c.String(http.StatusForbidden, "file targets disabled")
		return
	}
	u, err := url.Parse(remote)
	if err != nil || u.Path == "" {
		c.String(http.StatusBadRequest, "invalid file target")
		return
	}
	f, err := os.Open(filepath.FromSlash(u.Path))
	if err != nil {
		observability.RecordUpstream(s.cfg.ID, "file", http.StatusNotFound, time.Since(start), false)
		log.Warn().Err(err).Str("path", u.Path).Msg("proxy.Server.forwardFile open failed")
		c.String(http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		c.String(http.StatusNotFound, "file not found")
		return
	}
	contentType := mime.TypeByExtension(filepath.Ext(u.Path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, info.Size(), contentType, f, nil)
	observability.RecordUpstream(s.cfg.ID, "file", http.StatusOK, time.Since(start), true)
}
