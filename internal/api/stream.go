package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/deesec/internal/events"
	"go.uber.org/zap"
)

const heartbeatInterval = 15 * time.Second

// StreamHandler serves committed ledger events as Server-Sent Events.
type StreamHandler struct {
	bus    *events.Bus
	logger *zap.Logger
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(bus *events.Bus, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{bus: bus, logger: logger}
}

// Register mounts GET /events on the given router group.
func (h *StreamHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/events", h.Stream)
}

// Stream handles GET /events. The optional record_id and type query
// parameters filter the stream. A comment line is written as soon as the
// subscription is live, and every 15 seconds after that.
func (h *StreamHandler) Stream(c *gin.Context) {
	var (
		filterRecord *uint64
		filterType   = events.Type(c.Query("type"))
	)
	if s := c.Query("record_id"); s != "" {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			badRequest(c, "record_id must be a non-negative integer")
			return
		}
		filterRecord = &id
	}

	ch, cancel := h.bus.Subscribe(c.Request.Context())
	defer cancel()
	streamClients.Inc()
	defer streamClients.Dec()

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	_, _ = io.WriteString(c.Writer, ": subscribed\n\n")
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			if filterRecord != nil && e.RecordID != *filterRecord {
				return true
			}
			if filterType != "" && e.Type != filterType {
				return true
			}
			if err := sse.Encode(w, sse.Event{Id: e.ID.String(), Event: string(e.Type), Data: e}); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return false
			}
			return true
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		}
	})
}
