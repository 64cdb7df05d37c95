package notifications

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
	"github.com/codeharbor/codeharbor/internal/user"
)

// Handler exposes notification channel management over HTTP.
type Handler struct {
	store      *Store
	dispatcher *Dispatcher
}

// NewHandler creates the handler.
func NewHandler(store *Store, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher}
}

// RegisterRoutes mounts the channel endpoints on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/notifications/channels", h.createChannel)
	rg.GET("/notifications/channels", h.listChannels)
	rg.PUT("/notifications/channels/:channelId", h.setEnabled)
	rg.DELETE("/notifications/channels/:channelId", h.deleteChannel)
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
}

func currentUser(c *gin.Context) *user.User {
	return c.MustGet("user").(*user.User)
}

func (h *Handler) createChannel(c *gin.Context) {
	u := currentUser(c)

	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Name     string            `json:"name" binding:"required"`
		Config   map[string]string `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider, ok := h.dispatcher.Provider(req.Provider)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown notification provider: " + req.Provider})
		return
	}
	if err := provider.Validate(req.Config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch := &Channel{
		UserID:   u.ID,
		Provider: req.Provider,
		Name:     req.Name,
		Config:   req.Config,
		Enabled:  true,
	}
	if err := h.store.CreateChannel(c.Request.Context(), ch); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

func (h *Handler) listChannels(c *gin.Context) {
	u := currentUser(c)
	channels, err := h.store.ListChannels(c.Request.Context(), u.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, channels)
}

func (h *Handler) setEnabled(c *gin.Context) {
	u := currentUser(c)

	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.SetChannelEnabled(c.Request.Context(), u.ID, c.Param("channelId"), *req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteChannel(c *gin.Context) {
	u := currentUser(c)
	if err := h.store.DeleteChannel(c.Request.Context(), u.ID, c.Param("channelId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
