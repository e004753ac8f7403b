package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lending-api/internal/config"
	"lending-api/internal/factory"
	"lending-api/internal/handler"
	"lending-api/internal/util"
)

const drainTimeout = 30 * time.Second

// listener is one HTTP server the process runs until shutdown.
type listener struct {
	name  string
	srv   *http.Server
	tls   bool
	serve func() error
}

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Lending API failed to start", util.ErrorField(err))
	}

	err = run(f)
	if cerr := f.Close(); cerr != nil {
		util.Warn("Lending API shutdown incomplete", util.ErrorField(cerr))
	}
	if err != nil {
		util.Error("Lending API stopped", util.ErrorField(err))
		os.Exit(1)
	}
}

func run(f *factory.Factory) error {
	cfg := f.Config()
	listeners := buildListeners(f, cfg, newRouter(f))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			util.Info("Lending API listening",
				util.String("listener", l.name),
				util.String("address", l.srv.Addr),
				util.Bool("tls", l.tls),
				util.String("environment", cfg.Environment),
			)
			if err := l.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener failed: %w", l.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Draining lending API listeners", util.Duration("timeout", drainTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		for _, l := range listeners {
			if err := l.srv.Shutdown(shutdownCtx); err != nil {
				util.Warn("Listener did not drain cleanly",
					util.String("listener", l.name),
					util.ErrorField(err),
				)
			}
		}
		return nil
	})

	return g.Wait()
}

func newRouter(f *factory.Factory) http.Handler {
	services := f.ServiceFactory()
	otpHandler := handler.NewOTPHandler(services.OTPService(), util.Get())
	creditHandler := handler.NewCreditHandler(services.CreditService(), util.Get())
	return handler.NewRouter(otpHandler, creditHandler, f, f.Metrics(), f.Config().Server, util.Get())
}

// buildListeners returns the API server, plus the ACME challenge server on :80
// when certificates come from autocert.
func buildListeners(f *factory.Factory, cfg *config.Config, router http.Handler) []listener {
	api := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("TLS disabled, OTP and credit traffic is plaintext",
			util.String("environment", cfg.Environment),
		)
		return []listener{{name: "api", srv: api, serve: api.ListenAndServe}}
	}

	tlsManager := f.TLSManager()
	api.TLSConfig = tlsManager.GetTLSConfig()
	api.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)

	if cfg.IsProduction() && cfg.Server.AutoCert {
		acme := tlsManager.GetAutocertManager()
		if acme == nil {
			util.Fatal("AutoCert enabled without an ACME manager", util.String("domain", cfg.Server.Domain))
		}
		api.Addr = ":443"
		challenge := &http.Server{
			Addr:        ":80",
			Handler:     acme.HTTPHandler(nil),
			ReadTimeout: cfg.Server.ReadTimeout,
		}
		return []listener{
			{name: "api", srv: api, tls: true, serve: func() error { return api.ListenAndServeTLS("", "") }},
			{name: "acme", srv: challenge, serve: challenge.ListenAndServe},
		}
	}

	// Empty paths make the server use TLSConfig.GetCertificate.
	certFile, keyFile := cfg.Server.CertFile, cfg.Server.KeyFile
	if cfg.Server.AutoCert || certFile == "" || keyFile == "" {
		certFile, keyFile = "", ""
	}
	return []listener{{
		name:  "api",
		srv:   api,
		tls:   true,
		serve: func() error { return api.ListenAndServeTLS(certFile, keyFile) },
	}}
}
