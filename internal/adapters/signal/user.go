package signal

import (
	"github.com/dkeye/VoiceGateway/internal/domain"
)

func (ctl *SignalWSController) handleWhoAmI(
	cl *client,
	conn *WsSignalConn,
) {
	resp := struct {
		Type     string               `json:"type"`
		Identity string               `json:"identity"`
		Name     string               `json:"name,omitempty"`
		Session  domain.SessionID     `json:"session"`
		State    string               `json:"state,omitempty"`
		Config   domain.SessionConfig `json:"config,omitempty"`
	}{
		Type:     "whoami",
		Identity: cl.claims.Subject,
		Name:     cl.claims.Name,
		Session:  cl.handle.ID,
		Config:   cl.handle.Config(),
	}
	if s, ok := ctl.Orch.Registry.Lookup(cl.handle.ID); ok {
		resp.State = s.State.String()
	}
	ctl.sendJSON(conn, resp)
}
