// Package http contains the REST handlers for campaign management and the
// session lifecycle. Turn input and narration travel over the websocket
// transport, not over REST.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"aidm-server/internal/domain"
	"aidm-server/internal/repository"
	"aidm-server/internal/service"
)

// Handler serves the REST API.
type Handler struct {
	worlds    repository.WorldRepository
	campaigns repository.CampaignRepository
	players   repository.PlayerRepository
	sessions  repository.SessionRepository
	registry  *service.Registry
	logger    *zap.Logger
}

// NewHandler creates the REST handler.
func NewHandler(
	worlds repository.WorldRepository,
	campaigns repository.CampaignRepository,
	players repository.PlayerRepository,
	sessions repository.SessionRepository,
	registry *service.Registry,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		worlds:    worlds,
		campaigns: campaigns,
		players:   players,
		sessions:  sessions,
		registry:  registry,
		logger:    logger.Named("HTTPHandler"),
	}
}

// RegisterRoutes registers the REST routes on the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/worlds", h.createWorld)
		api.GET("/worlds/:id", h.getWorld)

		api.POST("/campaigns", h.createCampaign)
		api.GET("/campaigns/:id", h.getCampaign)
		api.POST("/campaigns/:id/players", h.createPlayer)
		api.GET("/campaigns/:id/players", h.listPlayers)

		api.POST("/sessions", h.createSession)
		api.GET("/sessions/:id", h.getSession)
		api.POST("/sessions/:id/end", h.endSession)
	}
}

func (h *Handler) createWorld(c *gin.Context) {
	var req createWorldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body for createWorld", zap.Error(err))
		c.JSON(http.StatusBadRequest, APIError{Message: "invalid request body"})
		return
	}

	world := &domain.World{Name: req.Name, Description: req.Description}
	if err := h.worlds.Create(c.Request.Context(), world); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, world)
}

func (h *Handler) getWorld(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}
	world, err := h.worlds.GetByID(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, world)
}

func (h *Handler) createCampaign(c *gin.Context) {
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body for createCampaign", zap.Error(err))
		c.JSON(http.StatusBadRequest, APIError{Message: "invalid request body"})
		return
	}
	worldID, err := uuid.Parse(req.WorldID)
	if err != nil {
		c.JSON(http.StatusBadRequest, APIError{Message: "invalid world_id format"})
		return
	}
	if _, err := h.worlds.GetByID(c.Request.Context(), worldID); err != nil {
		h.handleServiceError(c, err)
		return
	}

	campaign := &domain.Campaign{WorldID: worldID, Title: req.Title, Description: req.Description}
	if err := h.campaigns.Create(c.Request.Context(), campaign); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, campaign)
}

func (h *Handler) getCampaign(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}
	campaign, err := h.campaigns.GetByID(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (h *Handler) createPlayer(c *gin.Context) {
	campaignID, ok := h.parseID(c)
	if !ok {
		return
	}
	var req createPlayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body for createPlayer", zap.Error(err))
		c.JSON(http.StatusBadRequest, APIError{Message: "invalid request body"})
		return
	}
	if _, err := h.campaigns.GetByID(c.Request.Context(), campaignID); err != nil {
		h.handleServiceError(c, err)
		return
	}

	player := &domain.Player{
		CampaignID:    campaignID,
		Name:          req.Name,
		CharacterName: req.CharacterName,
		Race:          req.Race,
		Class:         req.Class,
		Level:         req.Level,
	}
	if err := h.players.Create(c.Request.Context(), player); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, player)
}

func (h *Handler) listPlayers(c *gin.Context) {
	campaignID, ok := h.parseID(c)
	if !ok {
		return
	}
	roster, err := h.players.ListByCampaign(c.Request.Context(), campaignID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, roster)
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body for createSession", zap.Error(err))
		c.JSON(http.StatusBadRequest, APIError{Message: "invalid request body"})
		return
	}
	campaignID, err := uuid.Parse(req.CampaignID)
	if err != nil {
		c.JSON(http.StatusBadRequest, APIError{Message: "invalid campaign_id format"})
		return
	}

	session, err := h.registry.Create(c.Request.Context(), campaignID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse{
		ID:         session.ID.String(),
		CampaignID: session.CampaignID.String(),
		Status:     string(domain.SessionStatusOpen),
	})
}

func (h *Handler) getSession(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}
	record, err := h.registry.Record(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	turns, err := h.sessions.ListTurns(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponseFromRecord(record, len(turns)))
}

func (h *Handler) endSession(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}
	recap, err := h.registry.End(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, endSessionResponse{
		ID:     id.String(),
		Status: string(domain.SessionStatusEnded),
		Recap:  recap,
	})
}

func (h *Handler) parseID(c *gin.Context) (uuid.UUID, bool) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.logger.Warn("Invalid ID format", zap.String("id", idStr), zap.Error(err))
		c.JSON(http.StatusBadRequest, APIError{Message: "invalid ID format"})
		return uuid.Nil, false
	}
	return id, true
}

// handleServiceError maps domain errors to HTTP status codes.
func (h *Handler) handleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, APIError{Message: "resource not found"})
	case errors.Is(err, domain.ErrInvalidCampaign):
		c.JSON(http.StatusBadRequest, APIError{Message: "campaign does not exist"})
	case errors.Is(err, domain.ErrSessionEnded):
		c.JSON(http.StatusConflict, APIError{Message: "session already ended"})
	case errors.Is(err, domain.ErrSessionBusy):
		c.JSON(http.StatusConflict, APIError{Message: "a turn is already in progress"})
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnknownPlayer):
		c.JSON(http.StatusBadRequest, APIError{Message: err.Error()})
	default:
		h.logger.Error("Unhandled service error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, APIError{Message: "internal server error"})
	}
}
