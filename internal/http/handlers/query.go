package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lifestream/lifestream-backend/internal/http/response"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
	"github.com/lifestream/lifestream-backend/internal/search"
)

type QueryHandler struct {
	log    *logger.Logger
	search *search.Service
}

func NewQueryHandler(log *logger.Logger, svc *search.Service) *QueryHandler {
	return &QueryHandler{log: log.With("handler", "QueryHandler"), search: svc}
}

type queryRequest struct {
	Query         string         `json:"query"`
	TopK          int            `json:"top_k,omitempty"`
	MinScore      float64        `json:"min_score,omitempty"`
	IncludeAnswer bool           `json:"include_answer,omitempty"`
	Filters       search.Filters `json:"filters,omitempty"`
}

// POST /api/v1/query
func (h *QueryHandler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	resp, err := h.search.Query(c.Request.Context(), req.Query, req.TopK, req.MinScore, req.IncludeAnswer, req.Filters)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, resp)
}
