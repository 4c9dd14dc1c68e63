// Package admin serves the local HTTP status API of a device.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/camlink/internal/auth"
	"github.com/danmuck/camlink/internal/camera"
	"github.com/danmuck/camlink/internal/engine"
	"github.com/danmuck/camlink/internal/observability"
	"github.com/danmuck/camlink/internal/protocol"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// Options wires the server to the running device. Nil sources are omitted
// from responses. A non-empty Token guards everything except health,
// readiness and metrics.
type Options struct {
	DeviceID    string
	CorsOrigins []string
	Token       string
	Status      func() engine.Status
	Firmware    func() (running, invalid string)
	Commands    []byte
	Frames      *camera.Hub
}

type Server struct {
	opts    Options
	router  *gin.Engine
	started time.Time
}

func New(opts Options) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	requests := observability.AdminRequests{
		Device: opts.DeviceID,
		Quiet:  []string{"/health", "/ready", "/metrics"},
	}
	if opts.Status != nil {
		requests.Link = func() string { return opts.Status().Transport }
	}
	r.Use(requests.Middleware(log.Logger))
	if origins := normalizeOrigins(opts.CorsOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{opts: opts, router: r, started: time.Now()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"device":  s.opts.DeviceID,
			"version": Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.opts.Status != nil
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"ready": ready, "device": s.opts.DeviceID})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	device := s.router.Group("/")
	if s.opts.Token != "" {
		device.Use(auth.Require(auth.StaticToken{Token: s.opts.Token}))
	}

	device.GET("/status", func(c *gin.Context) {
		out := gin.H{"device": s.opts.DeviceID}
		if s.opts.Status != nil {
			out["engine"] = s.opts.Status()
		}
		if s.opts.Firmware != nil {
			running, invalid := s.opts.Firmware()
			out["firmware"] = gin.H{"running": running, "invalid": invalid}
		}
		if s.opts.Frames != nil {
			out["frames"] = gin.H{"seq": s.opts.Frames.Seq(), "link_active": s.opts.Frames.LinkActive()}
		}
		c.JSON(http.StatusOK, out)
	})

	device.GET("/commands", func(c *gin.Context) {
		type entry struct {
			Code string `json:"code"`
			Name string `json:"name"`
		}
		out := make([]entry, 0, len(s.opts.Commands))
		for _, code := range s.opts.Commands {
			out = append(out, entry{Code: fmt.Sprintf("0x%02x", code), Name: protocol.CodeName(code)})
		}
		c.JSON(http.StatusOK, gin.H{"commands": out})
	})

	device.GET("/frame", func(c *gin.Context) {
		if s.opts.Frames == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no camera"})
			return
		}
		f, ok := s.opts.Frames.Latest()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no frame captured"})
			return
		}
		c.Header("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
		c.Data(http.StatusOK, "image/jpeg", f.Data)
	})
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              strings.TrimSpace(addr),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "admin").Str("addr", srv.Addr).Msg("admin listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if v := strings.TrimSpace(o); v != "" {
			out = append(out, v)
		}
	}
	return out
}
