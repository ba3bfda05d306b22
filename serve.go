package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"

	"idserver/events"
	"idserver/keystore"
	"idserver/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, opts.logger)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, opts.logger)
		},
	}
}

func serve(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	checkProviderURLs(checkCtx, cfg, logger, false)
	cancel()

	store, closeStore, err := server.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	keys, err := keystore.New(keystore.Config{
		RotateInterval: cfg.Keys.RotateInterval,
		JWKSPath:       cfg.JWKSPath(),
		KeySize:        cfg.Keys.KeySize,
	}, logger)
	if err != nil {
		return fmt.Errorf("init keys: %w", err)
	}
	keys.StartRotation(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink, err := events.NewSink(reg, logger)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	providers, err := server.BuildProviders(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	app, err := server.NewApp(cfg, server.Dependencies{
		Store:     store,
		Keys:      keys,
		Events:    sink,
		Providers: providers,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	handler := app.Routes()

	var servers []*http.Server
	errCh := make(chan error, 2)
	listen := func(srv *http.Server, tlsMode bool) {
		servers = append(servers, srv)
		go func() {
			var err error
			if tlsMode {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	if cfg.Server.DevMode {
		listen(&http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		}, false)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "issuer", cfg.Issuer())
	} else {
		tlsCache := filepath.Join(cfg.Server.SecretsPath, "tls")
		if err := os.MkdirAll(tlsCache, 0o700); err != nil {
			return fmt.Errorf("create tls cache: %w", err)
		}
		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCache),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		listen(&http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}, false)
		listen(&http.Server{
			Addr:    cfg.Server.HTTPSListenAddr,
			Handler: handler,
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tlsVersion(cfg.Server.TLS.MinVersion),
				NextProtos:     []string{"h2", "http/1.1"},
			},
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		}, true)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("server error", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "addr", srv.Addr, "error", err)
		}
	}
	return serveErr
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
