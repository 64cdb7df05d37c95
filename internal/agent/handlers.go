package agent

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// Handler exposes the provider registry over HTTP.
type Handler struct {
	registry *Registry
}

// NewHandler creates the handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes mounts the agent endpoints on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/agents", h.list)
}

type providerInfo struct {
	Name    string  `json:"name"`
	Default bool    `json:"default"`
	Models  []Model `json:"models,omitempty"`
}

func (h *Handler) list(c *gin.Context) {
	names := h.registry.Names()
	sort.Strings(names)

	infos := make([]providerInfo, 0, len(names))
	for _, name := range names {
		p, err := h.registry.Get(name)
		if err != nil {
			continue
		}
		info := providerInfo{Name: name, Default: name == h.registry.defaultName}
		if lister, ok := p.(ModelLister); ok {
			if models, err := lister.GetModels(c.Request.Context()); err == nil {
				info.Models = models
			}
		}
		infos = append(infos, info)
	}
	c.JSON(http.StatusOK, infos)
}
