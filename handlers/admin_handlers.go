package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/neuroroute/neuroroute/models"
	"github.com/neuroroute/neuroroute/services"
)

// AdminHandlers exposes the runtime configuration surface: provider
// credentials, the model catalog and dynamic config keys.
type AdminHandlers struct {
	configService services.ConfigService
	cacheService  services.CacheService
	logger        *logrus.Logger
}

func NewAdminHandlers(configService services.ConfigService, cacheService services.CacheService, logger *logrus.Logger) *AdminHandlers {
	return &AdminHandlers{
		configService: configService,
		cacheService:  cacheService,
		logger:        logger,
	}
}

var knownProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"lmstudio":  true,
}

// HandleGetAPIKey reports whether a credential is configured. Plaintext keys
// are never returned.
func (h *AdminHandlers) HandleGetAPIKey(c *gin.Context) {
	provider := c.Param("provider")
	if !knownProviders[provider] {
		writeError(c, models.NewError(models.ErrNotFound, "admin", fmt.Sprintf("unknown provider %q", provider)))
		return
	}
	configured := h.configService.GetAPIKey(c.Request.Context(), provider) != ""
	c.JSON(http.StatusOK, gin.H{
		"provider":   provider,
		"configured": configured,
	})
}

func (h *AdminHandlers) HandleSetAPIKey(c *gin.Context) {
	provider := c.Param("provider")
	if !knownProviders[provider] {
		writeError(c, models.NewError(models.ErrNotFound, "admin", fmt.Sprintf("unknown provider %q", provider)))
		return
	}

	var req struct {
		Key string `json:"key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Key == "" {
		writeError(c, models.NewError(models.ErrBadRequest, "admin", "body must carry a non-empty key"))
		return
	}

	if err := h.configService.SetAPIKey(c.Request.Context(), provider, req.Key); err != nil {
		writeError(c, err)
		return
	}
	h.logger.WithField("provider", provider).Info("provider credential updated")
	c.JSON(http.StatusOK, gin.H{"provider": provider, "configured": true})
}

func (h *AdminHandlers) HandleDeleteAPIKey(c *gin.Context) {
	provider := c.Param("provider")
	if !knownProviders[provider] {
		writeError(c, models.NewError(models.ErrNotFound, "admin", fmt.Sprintf("unknown provider %q", provider)))
		return
	}
	if err := h.configService.Reset(c.Request.Context(), "api_key."+provider); err != nil {
		writeError(c, err)
		return
	}
	h.logger.WithField("provider", provider).Info("provider credential removed")
	c.JSON(http.StatusOK, gin.H{"provider": provider, "configured": false})
}

func (h *AdminHandlers) HandleListModelConfigs(c *gin.Context) {
	configs, err := h.configService.GetAllModelConfigs(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": configs})
}

func (h *AdminHandlers) HandleGetModelConfig(c *gin.Context) {
	cfg, err := h.configService.GetModelConfig(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *AdminHandlers) HandleSetModelConfig(c *gin.Context) {
	var cfg models.ModelConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeError(c, models.NewError(models.ErrBadRequest, "admin", "invalid model config body").WithCause(err))
		return
	}
	cfg.ID = c.Param("id")

	if err := h.configService.SetModelConfig(c.Request.Context(), &cfg); err != nil {
		writeError(c, err)
		return
	}
	h.logger.WithField("model", cfg.ID).Info("model config updated")
	c.JSON(http.StatusOK, cfg)
}

func (h *AdminHandlers) HandleGetConfig(c *gin.Context) {
	key := c.Param("key")
	value := h.configService.Get(c.Request.Context(), key, "")
	if value == "" {
		writeError(c, models.NewError(models.ErrNotFound, "admin", fmt.Sprintf("config key %q not set", key)))
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

func (h *AdminHandlers) HandleSetConfig(c *gin.Context) {
	key := c.Param("key")
	var req struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, models.NewError(models.ErrBadRequest, "admin", "body must carry a value"))
		return
	}
	if err := h.configService.Set(c.Request.Context(), key, req.Value); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}

func (h *AdminHandlers) HandleResetConfig(c *gin.Context) {
	key := c.Param("key")
	if err := h.configService.Reset(c.Request.Context(), key); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "reset": true})
}

// HandleClearCache flushes cached responses, optionally under a key prefix.
func (h *AdminHandlers) HandleClearCache(c *gin.Context) {
	prefix := c.Query("prefix")
	h.cacheService.Clear(c.Request.Context(), prefix)
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
