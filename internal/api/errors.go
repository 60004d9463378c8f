package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/orchestrator"
	"github.com/zulandar/switchboard/internal/store"
)

// writeError maps orchestrator and store errors onto HTTP responses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	switch {
	case errors.Is(err, orchestrator.ErrInstanceNotFound),
		errors.Is(err, orchestrator.ErrContactNotFound),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInstanceNotActive):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrSendFailed):
		status = http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrPersistenceFailed):
		// The network may already have the message.
		body["delivery"] = "ambiguous"
	}
	if status >= 500 {
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}
