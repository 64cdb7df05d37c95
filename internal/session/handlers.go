package session

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
	"github.com/codeharbor/codeharbor/internal/user"
)

// Handler exposes the session service over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates the handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{service: svc}
}

// RegisterRoutes mounts the session endpoints on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.create)
	rg.GET("/sessions", h.list)
	rg.GET("/sessions/:sessionId", h.get)
	rg.DELETE("/sessions/:sessionId", h.delete)
	rg.GET("/sessions/:sessionId/messages", h.listMessages)
	rg.POST("/sessions/:sessionId/messages", h.sendMessage)
	rg.POST("/sessions/:sessionId/stop", h.stop)
	rg.POST("/sessions/:sessionId/interrupt", h.interrupt)
	rg.POST("/sessions/:sessionId/revert", h.revert)
	rg.GET("/sessions/:sessionId/diff", h.diff)
	rg.GET("/sessions/:sessionId/reviews", h.listReviews)
	rg.PUT("/sessions/:sessionId/reviews", h.review)
	rg.PUT("/sessions/:sessionId/pin", h.pin)
	rg.PUT("/sessions/:sessionId/model", h.model)
	rg.PUT("/sessions/:sessionId/notifications", h.notifications)
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
}

func currentUser(c *gin.Context) *user.User {
	return c.MustGet("user").(*user.User)
}

func (h *Handler) create(c *gin.Context) {
	u := currentUser(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.service.Create(c.Request.Context(), u.ID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) list(c *gin.Context) {
	u := currentUser(c)

	if repoID := c.Query("repoId"); repoID != "" {
		sessions, err := h.service.ListByRepo(c.Request.Context(), u.ID, repoID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sessions)
		return
	}

	sessions, err := h.service.List(c.Request.Context(), u.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *Handler) get(c *gin.Context) {
	u := currentUser(c)
	session, err := h.service.Resolve(c.Request.Context(), u.ID, c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) delete(c *gin.Context) {
	u := currentUser(c)
	if err := h.service.Delete(c.Request.Context(), u.ID, c.Param("sessionId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listMessages(c *gin.Context) {
	u := currentUser(c)
	messages, err := h.service.ListMessages(c.Request.Context(), u.ID, c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *Handler) sendMessage(c *gin.Context) {
	u := currentUser(c)

	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.SendMessage(c.Request.Context(), u.ID, c.Param("sessionId"), req.Message); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) stop(c *gin.Context) {
	u := currentUser(c)
	if err := h.service.Stop(c.Request.Context(), u.ID, c.Param("sessionId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) interrupt(c *gin.Context) {
	u := currentUser(c)
	if err := h.service.Interrupt(c.Request.Context(), u.ID, c.Param("sessionId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) revert(c *gin.Context) {
	u := currentUser(c)

	var req struct {
		MessageID string `json:"messageId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.Revert(c.Request.Context(), u.ID, c.Param("sessionId"), req.MessageID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) diff(c *gin.Context) {
	u := currentUser(c)
	files, diff, err := h.service.Diff(c.Request.Context(), u.ID, c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "diff": diff})
}

func (h *Handler) listReviews(c *gin.Context) {
	u := currentUser(c)
	reviews, err := h.service.ListFileReviews(c.Request.Context(), u.ID, c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reviews)
}

func (h *Handler) review(c *gin.Context) {
	u := currentUser(c)

	var req struct {
		FilePath string `json:"filePath" binding:"required"`
		Reviewed bool   `json:"reviewed"`
		DiffHash string `json:"diffHash"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	review, err := h.service.ReviewFile(c.Request.Context(), u.ID, c.Param("sessionId"),
		req.FilePath, req.Reviewed, req.DiffHash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, review)
}

func (h *Handler) pin(c *gin.Context) {
	u := currentUser(c)

	var req struct {
		Pinned *bool `json:"pinned" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.SetPinned(c.Request.Context(), u.ID, c.Param("sessionId"), *req.Pinned); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) model(c *gin.Context) {
	u := currentUser(c)

	var req struct {
		Model string `json:"model" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.SetModel(c.Request.Context(), u.ID, c.Param("sessionId"), req.Model); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) notifications(c *gin.Context) {
	u := currentUser(c)

	// enabled: true/false overrides the user default, null clears the override.
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.SetNotificationsOverride(c.Request.Context(), u.ID, c.Param("sessionId"), req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
