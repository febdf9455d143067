package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	chatgorm "github.com/courierhq/courier/internal/infra/persistence/gorm/chat"
)

// addOpsRoutes registers health, metrics and the dead-letter operator
// endpoints. These sit next to the API routes; production deployments keep
// /api/ops behind the internal load balancer.
func (s *Server) addOpsRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	r.GET("/metrics", func(c *gin.Context) {
		w := c.Writer
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(w, "# HELP courier_uptime_seconds Time since server started\n")
		fmt.Fprintf(w, "# TYPE courier_uptime_seconds gauge\n")
		fmt.Fprintf(w, "courier_uptime_seconds %d\n", int(time.Since(s.startedAt).Seconds()))

		fmt.Fprintf(w, "# HELP courier_http_requests_total Total HTTP requests served\n")
		fmt.Fprintf(w, "# TYPE courier_http_requests_total counter\n")
		fmt.Fprintf(w, "courier_http_requests_total %d\n", s.requests.Load())

		fmt.Fprintf(w, "# HELP courier_http_request_errors_total Requests that ended in a 5xx\n")
		fmt.Fprintf(w, "# TYPE courier_http_request_errors_total counter\n")
		fmt.Fprintf(w, "courier_http_request_errors_total %d\n", s.requestErrors.Load())

		fmt.Fprintf(w, "# HELP courier_messages_sent_total Messages accepted since start\n")
		fmt.Fprintf(w, "# TYPE courier_messages_sent_total counter\n")
		fmt.Fprintf(w, "courier_messages_sent_total %d\n", s.svc.SentCount())

		if s.outboxStats != nil {
			st := s.outboxStats()
			fmt.Fprintf(w, "# HELP courier_outbox_processed_total Outbox rows published\n")
			fmt.Fprintf(w, "# TYPE courier_outbox_processed_total counter\n")
			fmt.Fprintf(w, "courier_outbox_processed_total %d\n", st.Processed)
			fmt.Fprintf(w, "# HELP courier_outbox_retried_total Publish attempts that will retry\n")
			fmt.Fprintf(w, "# TYPE courier_outbox_retried_total counter\n")
			fmt.Fprintf(w, "courier_outbox_retried_total %d\n", st.Retried)
			fmt.Fprintf(w, "# HELP courier_outbox_dead_lettered_total Rows moved to the dead-letter table\n")
			fmt.Fprintf(w, "# TYPE courier_outbox_dead_lettered_total counter\n")
			fmt.Fprintf(w, "courier_outbox_dead_lettered_total %d\n", st.DeadLettered)
		}
	})

	if s.dlq == nil {
		return
	}
	r.GET("/api/ops/dead-letters", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		items, err := s.dlq.ListDeadLetters(c.Request.Context(), limit)
		if err != nil {
			s.logger.Error("list dead letters failed", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"dead_letters": items})
	})
	r.POST("/api/ops/dead-letters/:id/replay", func(c *gin.Context) {
		id := c.Param("id")
		if err := s.dlq.ReplayDeadLetter(c.Request.Context(), id); err != nil {
			if errors.Is(err, chatgorm.ErrDeadLetterNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "dead-letter entry not found"})
				return
			}
			s.logger.Error("replay dead letter failed", "id", id, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		s.logger.Info("dead letter replayed", "id", id)
		c.JSON(http.StatusOK, gin.H{"status": "replayed", "id": id})
	})
}
