package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lexmx-backend/models"
	"lexmx-backend/service"
)

// TierLookup resolves a user's subscription tier for rate limiting.
// Implemented by the user repository.
type TierLookup interface {
	SubscriptionTier(ctx context.Context, userID string) (string, error)
}

// ChatHandler handles the streaming chat endpoint
type ChatHandler struct {
	chat    *service.ChatService
	limiter service.RateLimiter
	tiers   TierLookup
	log     *zap.Logger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chat *service.ChatService, limiter service.RateLimiter, tiers TierLookup, log *zap.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, limiter: limiter, tiers: tiers, log: log}
}

// Chat handles POST /chat. The response is one long-lived event-stream-shaped
// body: tokens in order, an optional cache sentinel near the start, and the
// citation trailer as the last bytes. Gate rejections return single JSON
// payloads instead of a stream.
func (h *ChatHandler) Chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    models.ErrCodeInputRejected,
				"message": "Cuerpo de la petición inválido",
			},
		})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    models.ErrCodeInputRejected,
				"message": "Se requiere al menos un mensaje",
			},
		})
		return
	}

	if h.limiter != nil {
		key := c.ClientIP()
		tier := models.TierFree
		if req.UserID != nil && *req.UserID != "" {
			key = *req.UserID
			if h.tiers != nil {
				if t, err := h.tiers.SubscriptionTier(c.Request.Context(), key); err == nil {
					tier = t
				}
			}
		}
		if !h.limiter.Allow(key, tier) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"code":    models.ErrCodeRateLimited,
					"message": "Demasiadas solicitudes. Intenta de nuevo en un minuto.",
				},
			})
			return
		}
	}

	turn, err := h.chat.PrepareTurn(c.Request.Context(), &req)
	if err != nil {
		var gateErr *service.GateError
		if errors.As(err, &gateErr) {
			payload := gin.H{
				"success": false,
				"error": gin.H{
					"code":    gateErr.Code,
					"message": gateErr.Message,
				},
			}
			if gateErr.Quota != nil {
				payload["used"] = gateErr.Quota.Used
				payload["limit"] = gateErr.Quota.Limit
				payload["subscription_type"] = gateErr.Quota.SubscriptionType
			}
			c.JSON(gateErr.Status, payload)
			return
		}
		h.log.Error("turn preparation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "internal_error",
				"message": "Error interno del servidor",
			},
		})
		return
	}

	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Model-Used", turn.Model)
	if turn.Thinking {
		c.Header("X-Thinking-Mode", "true")
	} else {
		c.Header("X-Thinking-Mode", "false")
	}
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	emit := func(chunk string) error {
		if _, err := c.Writer.WriteString(chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	h.chat.StreamTurn(c.Request.Context(), turn, emit)
}
