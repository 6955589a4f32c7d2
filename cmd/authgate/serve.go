package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/and161185/authgate/internal/gate"
	"github.com/and161185/authgate/internal/migrate"
	grpcserver "github.com/and161185/authgate/internal/server/grpc"
	"github.com/and161185/authgate/internal/server/httpapi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/reflection"
)

func newServeCmd() *cobra.Command {
	var skipMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the optional gRPC server and the cleanup scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			a.log.Info("starting",
				zap.String("version", version),
				zap.String("buildDate", buildDate),
				zap.String("http", a.cfg.HTTPAddr),
				zap.String("grpc", a.cfg.GRPCAddr),
				zap.String("ratelimit_backend", a.cfg.RateLimitBackend),
				zap.String("fail_mode", a.cfg.FailMode),
			)

			if !skipMigrate {
				if err := migrate.Up(ctx, a.cfg.DatabaseDSN, a.log); err != nil {
					return err
				}
			}
			return a.serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations on startup")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	g := gate.New(a.limiter, a.tokens, a.log)

	api := httpapi.New(a.auth, g.Middleware(a.cfg.TrustForwardedFor), a.db, a.log,
		httpapi.WithTrustForwarded(a.cfg.TrustForwardedFor))
	httpSrv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcSrv *grpcserver.Server
	if a.cfg.GRPCAddr != "" {
		var extra []grpc.ServerOption
		if a.cfg.TLSCert != "" {
			creds, err := credentials.NewServerTLSFromFile(a.cfg.TLSCert, a.cfg.TLSKey)
			if err != nil {
				return err
			}
			extra = append(extra, grpc.Creds(creds))
		}
		grpcSrv = grpcserver.New(g, a.log,
			grpcserver.WithTrustForwarded(a.cfg.TrustForwardedFor),
			grpcserver.WithServerOptions(extra...),
		)
		grpcSrv.RegisterAuth(a.auth)
		if a.cfg.Dev {
			reflection.Register(grpcSrv.GRPC())
		}
	}

	grpcAddr := ""
	if grpcSrv != nil {
		grpcAddr = a.cfg.GRPCAddr
	}
	httpLis, grpcLis, err := listen(a.cfg.HTTPAddr, grpcAddr)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	a.cleanup.Start(ctx)
	defer a.cleanup.Stop()

	eg.Go(func() error {
		a.log.Info("http listening", zap.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if grpcSrv != nil {
		eg.Go(func() error { return grpcSrv.Serve(grpcLis) })
		eg.Go(func() error {
			<-ctx.Done()
			done := make(chan struct{})
			go func() {
				grpcSrv.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(a.cfg.ShutdownTimeout):
				grpcSrv.GRPC().Stop()
			}
			return nil
		})
	}

	err = eg.Wait()
	a.log.Info("shutdown complete")
	return err
}

// listen binds the HTTP and, when grpcAddr is set, the gRPC address before any
// server goroutine starts. On failure nothing stays bound.
func listen(httpAddr, grpcAddr string) (httpLis, grpcLis net.Listener, err error) {
	httpLis, err = net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen http %s: %w", httpAddr, err)
	}
	if grpcAddr == "" {
		return httpLis, nil, nil
	}
	grpcLis, err = net.Listen("tcp", grpcAddr)
	if err != nil {
		_ = httpLis.Close()
		return nil, nil, fmt.Errorf("listen grpc %s: %w", grpcAddr, err)
	}
	return httpLis, grpcLis, nil
}
