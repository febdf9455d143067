// Package outboxcmd implements `courier outbox`, the relay that drains the
// outbox table into the event channel.
package outboxcmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/cli/common"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/db"
	chatgorm "github.com/courierhq/courier/internal/infra/persistence/gorm/chat"
	"github.com/courierhq/courier/internal/outbox"
	"github.com/courierhq/courier/internal/telemetry"
)

func New() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Run the outbox relay",
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

			queue := common.BuildQueue(cfg)
			store := chatgorm.NewOutboxStore(gdb)
			proc := outbox.New(store, queue, cfg.Outbox, logger)
			proc.SetMetrics(tp.Metrics)
			proc.Start(ctx)

			opsSrv := &http.Server{Addr: cfg.GetOpsAddr(), Handler: opsEngine(store, proc, logger)}
			go func() {
				if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("ops server", "err", err)
				}
			}()
			logger.Info("outbox relay running", "ops_addr", cfg.GetOpsAddr(), "sink", cfg.Events.GetSink())

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			sig := <-stop
			logger.Info("shutting down", "signal", sig.String())

			proc.Stop()
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := opsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("ops shutdown", "err", err)
			}
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown", "err", err)
			}
			return queue.Close()
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file path")
	return cmd
}

// opsEngine serves health, relay counters and dead-letter operations.
func opsEngine(store *chatgorm.OutboxStore, proc *outbox.Processor, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	r.GET("/api/ops/stats", func(c *gin.Context) {
		pending, err := store.PendingCount(c.Request.Context())
		if err != nil {
			logger.Error("pending count failed", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"outbox":  proc.Snapshot(),
			"pending": pending,
			"log":     common.GetLogCounters(),
		})
	})

	r.GET("/api/ops/dead-letters", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		items, err := store.ListDeadLetters(c.Request.Context(), limit)
		if err != nil {
			logger.Error("list dead letters failed", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"dead_letters": items})
	})

	r.POST("/api/ops/dead-letters/:id/replay", func(c *gin.Context) {
		id := c.Param("id")
		if err := store.ReplayDeadLetter(c.Request.Context(), id); err != nil {
			if err == chatgorm.ErrDeadLetterNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "dead-letter entry not found"})
				return
			}
			logger.Error("replay failed", "id", id, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		logger.Info("dead letter replayed", "id", id)
		c.JSON(http.StatusOK, gin.H{"status": "replayed", "id": id})
	})

	return r
}
