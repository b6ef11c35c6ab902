// Package response renders the JSON envelopes shared by every handler.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fablemind/fablemind-backend/internal/platform/apierr"
)

// ErrorEnvelope is the error body of every non-2xx response.
type ErrorEnvelope struct {
	ErrorType         string             `json:"errorType"`
	UserMessage       string             `json:"userMessage"`
	KeysStatus        []apierr.KeyStatus `json:"keysStatus,omitempty"`
	ModerationReasons []string           `json:"moderationReasons,omitempty"`
}

// RespondError maps any error onto its envelope. Non-apierr errors become a
// generic 500 so internals never leak to clients.
func RespondError(c *gin.Context, err error) {
	e := apierr.As(err)
	c.JSON(e.Status, ErrorEnvelope{
		ErrorType:         string(e.Type),
		UserMessage:       e.UserMessage,
		KeysStatus:        e.KeysStatus,
		ModerationReasons: e.ModerationReasons,
	})
}

// BadRequest is the shorthand for malformed request bodies.
func BadRequest(c *gin.Context, userMessage string, err error) {
	RespondError(c, apierr.New(http.StatusBadRequest, apierr.TypeUnknown, userMessage, err))
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
