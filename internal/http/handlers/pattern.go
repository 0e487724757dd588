package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/soulmesh/lifestream-backend/internal/domain"
	"github.com/soulmesh/lifestream-backend/internal/http/response"
	"github.com/soulmesh/lifestream-backend/internal/miner"
	"github.com/soulmesh/lifestream-backend/internal/services"
)

type PatternHandler struct {
	query services.QueryService
	miner *miner.Miner
}

func NewPatternHandler(query services.QueryService, m *miner.Miner) *PatternHandler {
	return &PatternHandler{query: query, miner: m}
}

func (h *PatternHandler) Patterns(c *gin.Context) {
	subjectID, ok := subjectParam(c)
	if !ok {
		return
	}

	var patternType *types.PatternType
	if raw := c.Query("type"); raw != "" {
		pt := types.PatternType(raw)
		switch pt {
		case types.PatternLocationCluster, types.PatternRoutine, types.PatternHabit:
			patternType = &pt
		default:
			response.RespondError(c, http.StatusBadRequest, "invalid_type", errors.New("unknown pattern type "+raw))
			return
		}
	}

	activeOnly := c.DefaultQuery("active_only", "true") != "false"

	patterns, err := h.query.QueryPatterns(c.Request.Context(), subjectID, patternType, activeOnly)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "query_failed", err)
		return
	}

	response.RespondOK(c, gin.H{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

func (h *PatternHandler) Insights(c *gin.Context) {
	subjectID, ok := subjectParam(c)
	if !ok {
		return
	}

	start, end, ok := timeRange(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 100)

	insights, err := h.query.QueryInsights(c.Request.Context(), subjectID, start, end, limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "query_failed", err)
		return
	}

	response.RespondOK(c, gin.H{
		"insights": insights,
		"count":    len(insights),
	})
}

// Mine triggers one synchronous mining run for the subject. A 409 means
// another process already holds the subject's lease.
func (h *PatternHandler) Mine(c *gin.Context) {
	subjectID, ok := subjectParam(c)
	if !ok {
		return
	}

	run, err := h.miner.MineSubject(c.Request.Context(), subjectID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "mining_failed", err)
		return
	}
	if run == nil {
		response.RespondError(c, http.StatusConflict, "mining_in_progress", errors.New("subject is being mined by another process"))
		return
	}

	response.RespondOK(c, gin.H{
		"ok":  true,
		"run": run,
	})
}
