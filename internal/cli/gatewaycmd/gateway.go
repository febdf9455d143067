// Package gatewaycmd implements `courier gateway`, the WebSocket delivery
// edge that consumes the event channel.
package gatewaycmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/cli/common"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/gateway"
	"github.com/courierhq/courier/internal/telemetry"
)

func New() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger := common.SetupLogger(cfg.Log)

			src := common.BuildSource(cfg)
			if src == nil {
				return fmt.Errorf("gateway requires an event sink, got %q", cfg.Events.GetSink())
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tp, err := telemetry.NewProvider(ctx, cfg.Otel)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}

			reg := gateway.NewRegistry()
			handler := gateway.NewHandler(reg, cfg.Gateway, logger)
			handler.SetMetrics(tp.Metrics)
			sub := gateway.NewSubscriber(src, reg, logger)

			errCh := make(chan error, 2)
			go func() {
				if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("subscriber stopped", "err", err)
					errCh <- fmt.Errorf("subscriber stopped: %w", err)
				}
			}()

			r := gatewayEngine(reg, sub, handler)

			srv := &http.Server{Addr: cfg.GetGatewayAddr(), Handler: r}
			go func() {
				err := srv.ListenAndServe()
				if err == http.ErrServerClosed {
					err = nil
				}
				errCh <- err
			}()
			logger.Info("gateway listening", "addr", cfg.GetGatewayAddr(), "sink", cfg.Events.GetSink())

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			var runErr error
			select {
			case runErr = <-errCh:
				if runErr != nil {
					logger.Error("gateway failed", "err", runErr)
				}
			case sig := <-stop:
				logger.Info("shutting down", "signal", sig.String())
			}

			cancel()
			reg.CloseAll()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown", "err", err)
			}
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown", "err", err)
			}
			if err := src.Close(); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file path")
	return cmd
}

// gatewayEngine serves health, delivery counters and the websocket route.
// Health goes unavailable once the subscriber has died: a gateway that can
// no longer receive events should be rotated out, not kept in service.
func gatewayEngine(reg *gateway.Registry, sub *gateway.Subscriber, handler *gateway.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		if err := sub.Err(); err != nil {
			c.String(http.StatusServiceUnavailable, "subscriber stopped")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	r.GET("/api/ops/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"active_connections": reg.Count(),
			"delivered":          sub.Delivered(),
			"dropped":            sub.Dropped(),
			"log":                common.GetLogCounters(),
		})
	})

	handler.Register(r)
	return r
}
