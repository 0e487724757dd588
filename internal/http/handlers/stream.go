package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/soulmesh/lifestream-backend/internal/domain"
	"github.com/soulmesh/lifestream-backend/internal/http/response"
	apperr "github.com/soulmesh/lifestream-backend/internal/pkg/errors"
	"github.com/soulmesh/lifestream-backend/internal/services"
)

type StreamHandler struct {
	ingest services.IngestService
	query  services.QueryService
}

func NewStreamHandler(ingest services.IngestService, query services.QueryService) *StreamHandler {
	return &StreamHandler{ingest: ingest, query: query}
}

type ingestRequest struct {
	SubjectID uuid.UUID             `json:"subject_id"`
	Events    []services.EventInput `json:"events"`
}

func (h *StreamHandler) Ingest(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 4<<20)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if len(raw) == 0 {
		response.RespondError(c, http.StatusBadRequest, "empty_body", nil)
		return
	}

	var req ingestRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}

	n, err := h.ingest.Ingest(c.Request.Context(), req.SubjectID, req.Events)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrBatchTooLarge):
			response.RespondError(c, http.StatusRequestEntityTooLarge, "batch_too_large", err)
		case errors.Is(err, apperr.ErrStoreUnavailable):
			response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
		case errors.Is(err, apperr.ErrValidation):
			response.RespondError(c, http.StatusBadRequest, "validation_failed", err)
		default:
			response.RespondError(c, http.StatusBadRequest, "ingest_failed", err)
		}
		return
	}

	response.RespondOK(c, gin.H{
		"ok":       true,
		"accepted": n,
	})
}

func (h *StreamHandler) Events(c *gin.Context) {
	subjectID, ok := subjectParam(c)
	if !ok {
		return
	}

	var typeFilter []types.EventType
	if raw := c.Query("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			et := types.EventType(strings.TrimSpace(t))
			if !et.Valid() {
				response.RespondError(c, http.StatusBadRequest, "invalid_type", errors.New("unknown event type "+string(et)))
				return
			}
			typeFilter = append(typeFilter, et)
		}
	}

	start, end, ok := timeRange(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 1000)

	evs, err := h.query.QueryEvents(c.Request.Context(), subjectID, typeFilter, start, end, limit)
	if err != nil {
		if errors.Is(err, apperr.ErrStoreUnavailable) {
			response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "query_failed", err)
		return
	}

	response.RespondOK(c, gin.H{
		"events": evs,
		"count":  len(evs),
	})
}

func (h *StreamHandler) Stats(c *gin.Context) {
	subjectID, ok := subjectParam(c)
	if !ok {
		return
	}

	stats, err := h.query.Stats(c.Request.Context(), subjectID)
	if err != nil {
		if errors.Is(err, apperr.ErrStoreUnavailable) {
			response.RespondError(c, http.StatusServiceUnavailable, "store_unavailable", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "query_failed", err)
		return
	}

	response.RespondOK(c, gin.H{
		"subject_id": subjectID,
		"stats":      stats,
	})
}

func subjectParam(c *gin.Context) (uuid.UUID, bool) {
	subjectID, err := uuid.Parse(c.Param("subject_id"))
	if err != nil || subjectID == uuid.Nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_subject_id", err)
		return uuid.Nil, false
	}
	return subjectID, true
}

func timeRange(c *gin.Context) (time.Time, time.Time, bool) {
	var start, end time.Time
	if raw := c.Query("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_start", err)
			return start, end, false
		}
		start = parsed
	}
	if raw := c.Query("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_end", err)
			return start, end, false
		}
		end = parsed
	}
	return start, end, true
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
