package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/tee-secure-value-recovery/api"
	"github.com/ruteri/tee-secure-value-recovery/common"
	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/metrics"
	"go.uber.org/atomic"
)

// Routes is implemented by API handlers the server can host.
type Routes interface {
	RegisterRoutes(r chi.Router)
}

type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	channelKey []byte

	router     chi.Router
	srv        *http.Server
	listener   net.Listener
	metricsSrv *metrics.MetricsServer
}

func New(cfg *api.HTTPServerConfig) (srv *Server, err error) {
	cfg = cfg.WithDefaults()
	srv = &Server{
		cfg:    cfg,
		log:    cfg.Log,
		router: chi.NewRouter(),
	}
	srv.isReady.Store(true)

	if cfg.TLSCert != nil {
		srv.channelKey, err = cryptoutils.ChannelKey(*cfg.TLSCert)
		if err != nil {
			return nil, err
		}
	}

	if cfg.MetricsAddr != "" {
		srv.metricsSrv, err = metrics.New(common.PackageName, cfg.MetricsAddr)
		if err != nil {
			return nil, err
		}
	}

	srv.router.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	srv.router.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	srv.router.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	srv.router.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		srv.router.Mount("/debug", middleware.Profiler())
	}

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

// Metrics returns the metrics server, nil when no metrics address is set.
func (srv *Server) Metrics() *metrics.MetricsServer {
	return srv.metricsSrv
}

// ChannelKey is the hash of the TLS key the API is served with, nil without
// TLS. Replica handlers bind it into their quotes.
func (srv *Server) ChannelKey() []byte {
	return srv.channelKey
}

// Mount adds the routes of an API handler. It must be called before
// RunInBackground.
func (srv *Server) Mount(routes Routes) {
	srv.router.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		routes.RegisterRoutes(r)
	})
}

// Handler returns the root handler, for serving without a listener.
func (srv *Server) Handler() http.Handler {
	return srv.router
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(`{"status":"` + status + `"}`))
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("Server marked as not ready")
	writeStatus(w, http.StatusOK, "draining")
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("Server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

// RunInBackground binds the API listener and serves on it from a goroutine.
// Binding errors are returned; serving errors are logged.
func (srv *Server) RunInBackground() error {
	listener, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return err
	}
	if srv.cfg.TLSCert != nil {
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{*srv.cfg.TLSCert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	srv.listener = listener

	if srv.metricsSrv != nil {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", listener.Addr().String())
		if err := srv.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
	return nil
}

// Addr is the bound API address, empty before RunInBackground.
func (srv *Server) Addr() string {
	if srv.listener == nil {
		return ""
	}
	return srv.listener.Addr().String()
}

// URL is the base URL clients reach the API at, empty before RunInBackground.
func (srv *Server) URL() string {
	if srv.listener == nil {
		return ""
	}
	if srv.cfg.TLSCert != nil {
		return "https://" + srv.Addr()
	}
	return "http://" + srv.Addr()
}

func (srv *Server) Shutdown() {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("Draining before shutdown", "duration", srv.cfg.DrainDuration)
		time.Sleep(srv.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	if srv.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
