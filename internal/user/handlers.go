package user

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
)

// Handler exposes user, identity, and repo management over HTTP.
type Handler struct {
	store *Store
}

// NewHandler creates the handler.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterPublicRoutes mounts the unauthenticated bootstrap endpoint.
func (h *Handler) RegisterPublicRoutes(rg *gin.RouterGroup) {
	rg.POST("/users", h.createUser)
}

// RegisterRoutes mounts the authenticated user endpoints.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/users/me", h.me)
	rg.PUT("/users/me/notifications", h.updateNotifications)

	rg.POST("/identities", h.createIdentity)
	rg.GET("/identities", h.listIdentities)

	rg.POST("/repos", h.createRepo)
	rg.GET("/repos", h.listRepos)
	rg.GET("/repos/:repoId", h.getRepo)
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": err.Error()})
}

func currentUser(c *gin.Context) *User {
	return c.MustGet("user").(*User)
}

// createUser provisions a user and returns it with a fresh API token. The
// token is only shown here.
func (h *Handler) createUser(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	u, err := h.store.CreateUser(c.Request.Context(), req.Username)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (h *Handler) me(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}

func (h *Handler) updateNotifications(c *gin.Context) {
	u := currentUser(c)

	var req struct {
		Enabled *bool    `json:"enabled" binding:"required"`
		Events  []string `json:"events"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.UpdateNotificationSettings(c.Request.Context(), u.ID, *req.Enabled, req.Events); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) createIdentity(c *gin.Context) {
	u := currentUser(c)

	var req struct {
		Name          string `json:"name" binding:"required"`
		SSHPrivateKey string `json:"sshPrivateKey" binding:"required"`
		AuthorName    string `json:"authorName" binding:"required"`
		AuthorEmail   string `json:"authorEmail" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	identity := &Identity{
		ID:            uuid.NewString(),
		UserID:        u.ID,
		Name:          req.Name,
		SSHPrivateKey: req.SSHPrivateKey,
		AuthorName:    req.AuthorName,
		AuthorEmail:   req.AuthorEmail,
	}
	if err := h.store.CreateIdentity(c.Request.Context(), identity); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, identity)
}

func (h *Handler) listIdentities(c *gin.Context) {
	u := currentUser(c)
	identities, err := h.store.ListIdentities(c.Request.Context(), u.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, identities)
}

func (h *Handler) createRepo(c *gin.Context) {
	u := currentUser(c)

	var req struct {
		ID            string  `json:"id"`
		Name          string  `json:"name" binding:"required"`
		URL           string  `json:"url" binding:"required"`
		DefaultBranch string  `json:"defaultBranch"`
		IdentityID    *string `json:"identityId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.DefaultBranch == "" {
		req.DefaultBranch = "main"
	}
	if req.IdentityID != nil {
		if _, err := h.store.GetIdentity(c.Request.Context(), u.ID, *req.IdentityID); err != nil {
			respondError(c, err)
			return
		}
	}

	repo := &Repo{
		ID:            req.ID,
		UserID:        u.ID,
		Name:          req.Name,
		URL:           req.URL,
		DefaultBranch: req.DefaultBranch,
		IdentityID:    req.IdentityID,
	}
	if err := h.store.CreateRepo(c.Request.Context(), repo); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

func (h *Handler) listRepos(c *gin.Context) {
	u := currentUser(c)
	repos, err := h.store.ListRepos(c.Request.Context(), u.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, repos)
}

func (h *Handler) getRepo(c *gin.Context) {
	u := currentUser(c)
	repo, err := h.store.GetRepo(c.Request.Context(), u.ID, c.Param("repoId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, repo)
}
