package http

import (
	"io"
	stdhttp "net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceGateway/internal/adapters/signal"
	"github.com/dkeye/VoiceGateway/internal/app/orch"
	"github.com/dkeye/VoiceGateway/internal/app/router"
	"github.com/dkeye/VoiceGateway/internal/auth"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/dkeye/VoiceGateway/internal/protocol"
)

const maxEventBody = 64 << 10

type handlers struct {
	orch   *orch.Orchestrator
	issuer *auth.Issuer
}

type sessionView struct {
	domain.Session
	Stats *router.Stats `json:"stats,omitempty"`
}

func (h *handlers) view(s domain.Session) sessionView {
	v := sessionView{Session: s}
	if st, ok := h.orch.Stats(s.ID); ok {
		v.Stats = &st
	}
	return v
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{"status": "ok", "sessions": h.orch.Registry.Count()})
}

func (h *handlers) getToken(c *gin.Context) {
	identity := c.DefaultQuery("identity", auth.DefaultIdentity)
	var cfg domain.SessionConfig
	if model := c.Query("model"); model != "" {
		cfg = domain.SessionConfig{domain.ConfigKeyModel: model}
	}

	g, err := h.issuer.Issue(identity, c.Query("room"), cfg)
	if err != nil {
		signal.WriteError(c, err)
		return
	}

	sess := sessions.Default(c)
	sess.Set("identity", string(g.Identity))
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
	}

	c.JSON(stdhttp.StatusOK, g)
}

func (h *handlers) listSessions(c *gin.Context) {
	list := h.orch.Registry.List()
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		out = append(out, h.view(s))
	}
	c.JSON(stdhttp.StatusOK, gin.H{"sessions": out})
}

func (h *handlers) getSession(c *gin.Context) {
	s, ok := h.orch.Registry.Lookup(domain.SessionID(c.Param("id")))
	if !ok {
		c.AbortWithStatusJSON(stdhttp.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(stdhttp.StatusOK, h.view(s))
}

func (h *handlers) closeSession(c *gin.Context) {
	sid := domain.SessionID(c.Param("id"))
	if !h.authorizePublish(c, sid) {
		return
	}
	if !h.orch.CloseByID(sid, "closed_by_api") {
		c.AbortWithStatusJSON(stdhttp.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

// publishEvent accepts one data-channel message from a producer and routes it.
func (h *handlers) publishEvent(c *gin.Context) {
	sid := domain.SessionID(c.Param("id"))
	if !h.authorizePublish(c, sid) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		c.AbortWithStatusJSON(stdhttp.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev, err := protocol.Decode(body)
	if err != nil {
		signal.WriteError(c, err)
		return
	}
	if err := h.orch.Publish(sid, ev); err != nil {
		signal.WriteError(c, err)
		return
	}
	c.JSON(stdhttp.StatusAccepted, gin.H{"type": ev.Type()})
}

func (h *handlers) authorizePublish(c *gin.Context, sid domain.SessionID) bool {
	claims, _, ok := signal.Authorize(c, h.issuer)
	if !ok {
		return false
	}
	if !claims.CanPublish(sid) {
		c.AbortWithStatusJSON(stdhttp.StatusForbidden, gin.H{"error": "grant does not allow publishing to this session"})
		return false
	}
	return true
}
