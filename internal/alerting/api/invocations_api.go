package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/remediator/internal/alerting/service/tracker"
	"github.com/rs/zerolog/log"
)

type invocationView struct {
	tracker.Invocation
	DurationSeconds float64 `json:"durationSeconds"`
}

type listResponse struct {
	Items []invocationView `json:"items"`
}

func view(inv tracker.Invocation) invocationView {
	return invocationView{Invocation: inv, DurationSeconds: inv.Duration().Seconds()}
}

// ListInvocations implements GET /v1/invocations?limit=..., newest first.
func (a *Api) ListInvocations(c *gin.Context) {
	limit := 50
	if s := strings.TrimSpace(c.Query("limit")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", "limit must be 1-1000")
			return
		}
		limit = n
	}
	status := tracker.Status(strings.TrimSpace(c.Query("status")))

	items := []invocationView{}
	for _, inv := range a.Tracker.List(0) {
		if status != "" && inv.Status != status {
			continue
		}
		items = append(items, view(inv))
		if len(items) == limit {
			break
		}
	}
	c.JSON(http.StatusOK, listResponse{Items: items})
}

// GetInvocation implements GET /v1/invocations/:id.
func (a *Api) GetInvocation(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", "missing id")
		return
	}
	if inv, ok := a.Tracker.Get(id); ok {
		c.JSON(http.StatusOK, view(inv))
		return
	}
	if a.Archive == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "invocation not found")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	inv, ok, err := a.Archive.Load(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("invocation", id).Msg("archive lookup failed")
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "invocation not found")
		return
	}
	c.JSON(http.StatusOK, view(inv))
}
