package signal

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceGateway/internal/app"
	"github.com/dkeye/VoiceGateway/internal/app/orch"
	"github.com/dkeye/VoiceGateway/internal/app/router"
	"github.com/dkeye/VoiceGateway/internal/auth"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/dkeye/VoiceGateway/internal/protocol"
)

// BearerToken returns the grant carried by the request: the "token" query
// parameter, or an Authorization bearer header.
func BearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	h := c.GetHeader("Authorization")
	if t, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}

// Authorize verifies the request grant and resolves its session config.
// On failure the response is already written.
func Authorize(c *gin.Context, iss *auth.Issuer) (*auth.Claims, domain.SessionConfig, bool) {
	return AuthorizeToken(c, iss, BearerToken(c))
}

func AuthorizeToken(c *gin.Context, iss *auth.Issuer, token string) (*auth.Claims, domain.SessionConfig, bool) {
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing grant"})
		return nil, nil, false
	}
	claims, err := iss.Verify(token)
	if err != nil {
		WriteError(c, err)
		return nil, nil, false
	}
	cfg, err := claims.SessionConfig(iss.Defaults())
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("identity", claims.Subject).Msg("grant metadata ignored")
	}
	return claims, cfg, true
}

// StatusFor maps a domain error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidGrant):
		return http.StatusUnauthorized
	case errors.Is(err, app.ErrSessionConflict), errors.Is(err, orch.ErrNoUpstream):
		return http.StatusConflict
	case errors.Is(err, app.ErrSessionNotFound), errors.Is(err, router.ErrNoRouter):
		return http.StatusNotFound
	case errors.Is(err, app.ErrSessionClosed), errors.Is(err, router.ErrRouterClosed):
		return http.StatusGone
	case errors.Is(err, auth.ErrInvalidIdentity),
		errors.Is(err, domain.ErrConfig),
		errors.Is(err, protocol.ErrBadMessage),
		errors.Is(err, protocol.ErrUnknownType):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func WriteError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "signal").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
