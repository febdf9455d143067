// Package servercmd implements `courier server`, the HTTP messaging API.
package servercmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/cli/common"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/db"
	chatgorm "github.com/courierhq/courier/internal/infra/persistence/gorm/chat"
	httpserver "github.com/courierhq/courier/internal/server/http"
	"github.com/courierhq/courier/internal/service/chat"
	"github.com/courierhq/courier/internal/telemetry"
	"github.com/courierhq/courier/pkg/idempotency"
)

func New() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the messaging API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger := common.SetupLogger(cfg.Log)

			gdb, err := db.Open(cfg.DB.DSN)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			if err := chatgorm.AutoMigrate(gdb); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			ctx := context.Background()
			tp, err := telemetry.NewProvider(ctx, cfg.Otel)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}

			rdb := common.NewRedisClient(cfg)
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}
			checker := idempotency.NewRedisChecker(rdb, cfg.GetIdempotencyTTL())

			svc := chat.NewService(chatgorm.NewRepo(gdb), checker, logger)
			svc.SetMetrics(tp.Metrics)

			srv := httpserver.New(svc, logger,
				httpserver.WithDeadLetterOps(httpserver.NewStoreDeadLetterOps(chatgorm.NewOutboxStore(gdb))))

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe(cfg.GetHTTPAddr()) }()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				logger.Info("shutting down", "signal", sig.String())
			}

			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown", "err", err)
			}
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown", "err", err)
			}
			return rdb.Close()
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file path")
	return cmd
}
