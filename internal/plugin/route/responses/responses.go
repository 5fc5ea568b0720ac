// Package responses exposes the Resumable Response Engine over HTTP. The
// teacher drives this exclusively through a generated gRPC streaming
// service; this build has no .proto source for it (see DESIGN.md), so
// replay is served as a chunked HTTP response via gin's native streaming
// support instead, and requestCancel/check as ordinary JSON endpoints.
package responses

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/agentcore/memoryd/internal/config"
	registryroute "github.com/agentcore/memoryd/internal/registry/route"
	registrystore "github.com/agentcore/memoryd/internal/registry/store"
	internalresumer "github.com/agentcore/memoryd/internal/resumer"
	"github.com/agentcore/memoryd/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the replay streaming route and the requestCancel/check
// endpoints. Called after store and resumer initialization.
func MountRoutes(r *gin.Engine, store registrystore.MemoryStore, resumer *internalresumer.Store, cfg *config.Config, auth gin.HandlerFunc, resumerEnabled bool) {
	clientID := security.ClientIDMiddleware()
	g := r.Group("/v1", auth, clientID)

	g.GET("/conversations/:conversationId/response", func(c *gin.Context) {
		replay(c, store, resumer, resumerEnabled, cfg.ResumerAdvertisedAddress)
	})
	g.POST("/conversations/response/check", func(c *gin.Context) {
		check(c, resumer, resumerEnabled)
	})
}

// replay streams tokens for an in-progress generation starting strictly
// after fromOffset. If this replica did not record the generation, it
// responds with the REDIRECT sentinel carrying the owning replica's
// address instead of opening a stream.
func replay(c *gin.Context, store registrystore.MemoryStore, resumer *internalresumer.Store, resumerEnabled bool, selfAddress string) {
	userID := security.GetUserID(c)
	convID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return
	}

	if _, err := store.GetConversation(c.Request.Context(), userID, convID); err != nil {
		handleError(c, err)
		return
	}

	if !resumerEnabled {
		c.JSON(http.StatusConflict, gin.H{"code": "unavailable", "error": "response resumer disabled"})
		return
	}

	fromOffset := int64(0)
	if raw := c.Query("fromOffset"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fromOffset"})
			return
		}
		fromOffset = parsed
	}

	tokens, redirect, err := resumer.ReplayWithAddress(c.Request.Context(), convID.String(), selfAddress, fromOffset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if redirect != "" {
		handleError(c, internalresumer.RedirectError(redirect))
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		token, ok := <-tokens
		if !ok {
			return false
		}
		_, werr := io.WriteString(w, token)
		return werr == nil
	})
}

// check reports which of the given conversation IDs currently have a live
// (non-completed) resumable response recording.
func check(c *gin.Context, resumer *internalresumer.Store, resumerEnabled bool) {
	if !resumerEnabled {
		c.JSON(http.StatusConflict, gin.H{"code": "unavailable", "error": "response resumer disabled"})
		return
	}

	var req struct {
		ConversationIds []string `json:"conversationIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	live, err := resumer.Check(c.Request.Context(), req.ConversationIds)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": live})
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var forbidden *registrystore.ForbiddenError
	var redirect *registrystore.RedirectError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	case errors.As(err, &redirect):
		c.JSON(http.StatusConflict, gin.H{"code": "redirect", "host": redirect.Host, "port": redirect.Port})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
