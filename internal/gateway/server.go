package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/svchub/gateway/internal/config"
	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/logging"
)

// Server runs the gateway listeners: the public surface (proxy and
// brokered auth) and a management listener carrying the admin API,
// health, stats, and metrics. The management listener binds its own
// address so deployments keep it off the public network; a configured
// admin token additionally gates the admin API.
type Server struct {
	cfg    *config.Config
	proxy  *ProxyHandler
	admin  *AdminAPI
	auth   *AuthSurface
	public *http.Server
	ops    *http.Server
}

// NewServer assembles the HTTP servers from the wired surfaces.
func NewServer(cfg *config.Config, proxy *ProxyHandler, admin *AdminAPI, auth *AuthSurface) *Server {
	s := &Server{cfg: cfg, proxy: proxy, admin: admin, auth: auth}

	mux := http.NewServeMux()
	mux.Handle("/gw/", proxy)
	mux.Handle("/auth/", auth.Routes())
	mux.HandleFunc("/health", admin.Health)

	s.public = &http.Server{
		Addr:              cfg.Listen,
		Handler:           chain(mux, RequestID(), Recovery(), AccessLog()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Admin.Enabled {
		opsMux := http.NewServeMux()
		opsMux.Handle("/gw/admin/", adminAuth(cfg.Admin.Token, admin.Routes()))
		opsMux.HandleFunc("/health", admin.Health)
		opsMux.HandleFunc("/stats", admin.Stats)
		opsMux.Handle("/metrics", admin.MetricsHandler())
		s.ops = &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           chain(opsMux, RequestID(), Recovery(), AccessLog()),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s
}

// adminAuth requires the configured bearer token on every admin API
// request. An empty token relies on the listener's network isolation.
func adminAuth(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				errors.ErrUnauthorized.WithDetails("admin token required").WriteJSON(w)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("gateway listening", zap.String("addr", s.public.Addr))
		if err := s.public.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if s.ops != nil {
		g.Go(func() error {
			logging.Info("ops listener started", zap.String("addr", s.ops.Addr))
			if err := s.ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logging.Info("shutting down")
		if s.ops != nil {
			if err := s.ops.Shutdown(shutdownCtx); err != nil {
				logging.Warn("ops listener shutdown", zap.Error(err))
			}
		}
		return s.public.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
