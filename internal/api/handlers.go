package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"carposter/internal/auction"
	"carposter/internal/config"
	"carposter/internal/publish"
	"carposter/internal/storage"
	logx "carposter/pkg/logx"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const unknownDestination = "Unknown Chat"

type processItem struct {
	ID      string `json:"id" binding:"required"`
	Caption string `json:"caption"`
}

type processRequest struct {
	Items           []processItem `json:"items" binding:"dive"`
	TargetChatID    int64         `json:"target_chat_id" binding:"required"`
	MessageThreadID *int          `json:"message_thread_id"`
	BatchID         string        `json:"batch_id"`
	DestinationName string        `json:"destination_name"`
}

type cleanupRequest struct {
	BatchID string `json:"batch_id" binding:"required"`
}

type historyItem struct {
	BatchID         string `json:"batch_id"`
	CreatedAt       string `json:"created_at"`
	DestinationName string `json:"destination_name"`
	Count           int    `json:"count"`
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "carposter is running"})
}

func (h *Handler) CheckAuth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "authorized"})
}

// AuctionPreview lists the lots of an auction. sche_id may be a bare id or
// a pasted link.
func (h *Handler) AuctionPreview(c *gin.Context) {
	raw := c.Query("sche_id")
	id := auction.NormalizeAuctionID(raw)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "sche_id is required"})
		return
	}
	if id != strings.TrimSpace(raw) {
		h.d.Log.Info("auction id normalized", logx.String("input", raw), logx.String("auction", id))
	} else {
		h.d.Log.Info("auction preview requested", logx.String("auction", id))
	}

	lots, err := h.d.Lots.ListLots(c.Request.Context(), id)
	switch {
	case errors.Is(err, auction.ErrNotFound):
		lots = []auction.Lot{}
	case err != nil:
		h.d.Log.Error("auction preview failed", logx.String("auction", id), logx.Err(err))
		c.JSON(http.StatusBadGateway, gin.H{"detail": err.Error()})
		return
	}
	if lots == nil {
		lots = []auction.Lot{}
	}
	h.d.Log.Info("auction lots found", logx.String("auction", id), logx.Int("count", len(lots)))
	c.JSON(http.StatusOK, lots)
}

// Process validates the selection and starts the batch in the background.
func (h *Handler) Process(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	if len(req.Items) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "No cars selected"})
		return
	}

	b := publish.Batch{
		ID:              strings.TrimSpace(req.BatchID),
		ChatID:          req.TargetChatID,
		DestinationName: strings.TrimSpace(req.DestinationName),
		Items:           make([]publish.BatchItem, 0, len(req.Items)),
	}
	if b.ID == "" {
		b.ID = h.newBatchID()
	}
	if req.MessageThreadID != nil {
		b.ThreadID = *req.MessageThreadID
	}
	if d, ok := h.destination(req.TargetChatID); ok {
		if b.DestinationName == "" {
			b.DestinationName = d.Name
		}
		if b.ThreadID == 0 {
			b.ThreadID = d.ThreadID
		}
	}
	for _, it := range req.Items {
		b.Items = append(b.Items, publish.BatchItem{ID: strings.TrimSpace(it.ID), Caption: it.Caption})
	}

	h.d.Runner.Go("batch:"+b.ID, func(ctx context.Context) error {
		h.d.Publisher.Run(ctx, b)
		return nil
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Processing started", "batch_id": b.ID})
}

func (h *Handler) Cleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	n, err := h.d.Cleaner.CleanupBatch(c.Request.Context(), req.BatchID)
	switch {
	case errors.Is(err, publish.ErrBatchNotFound):
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Batch not found or already deleted"})
		return
	case err != nil:
		h.d.Log.Error("cleanup failed", logx.String("batch", req.BatchID), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted_count": n})
}

func (h *Handler) CleanupAll(c *gin.Context) {
	h.d.Runner.Go("cleanup:all", func(ctx context.Context) error {
		if _, err := h.d.Cleaner.CleanupAll(ctx); err != nil {
			h.d.Log.Error("global cleanup failed", logx.Err(err))
		}
		return nil
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Global cleanup started"})
}

func (h *Handler) History(c *gin.Context) {
	sums, err := h.d.History.ListBatches(c.Request.Context(), storage.DefaultBatchLimit)
	if err != nil {
		h.d.Log.Error("history query failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	out := make([]historyItem, 0, len(sums))
	for _, s := range sums {
		name := s.DestinationName
		if strings.TrimSpace(name) == "" {
			name = unknownDestination
		}
		out = append(out, historyItem{
			BatchID:         s.BatchID,
			CreatedAt:       s.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			DestinationName: name,
			Count:           s.Count,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Destinations(c *gin.Context) {
	var ds []config.Destination
	if h.d.Destinations != nil {
		ds = h.d.Destinations()
	}
	if ds == nil {
		ds = []config.Destination{}
	}
	c.JSON(http.StatusOK, ds)
}

func (h *Handler) Logs(c *gin.Context) {
	var lines []string
	if h.d.Logs != nil {
		lines = h.d.Logs()
	}
	if lines == nil {
		lines = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": lines})
}

func (h *Handler) destination(chatID int64) (config.Destination, bool) {
	if h.d.Destinations == nil {
		return config.Destination{}, false
	}
	for _, d := range h.d.Destinations() {
		if d.ID == chatID {
			return d, true
		}
	}
	return config.Destination{}, false
}

func (h *Handler) newBatchID() string {
	if h.d.NewBatchID != nil {
		return h.d.NewBatchID()
	}
	return uuid.NewString()
}
