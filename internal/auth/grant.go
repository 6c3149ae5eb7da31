package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

// VideoGrant is the room permission block of an access token.
type VideoGrant struct {
	Room           string `json:"room,omitempty"`
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	CanPublish     *bool  `json:"canPublish,omitempty"`
	CanSubscribe   *bool  `json:"canSubscribe,omitempty"`
	CanPublishData *bool  `json:"canPublishData,omitempty"`
}

// Claims is the signed payload of a grant.
type Claims struct {
	jwt.RegisteredClaims
	Name     string      `json:"name,omitempty"`
	Metadata string      `json:"metadata,omitempty"`
	Video    *VideoGrant `json:"video,omitempty"`
}

func (c *Claims) Identity() domain.Identity { return domain.Identity(c.Subject) }

func (c *Claims) SessionID() domain.SessionID {
	if c.Video == nil {
		return ""
	}
	return domain.SessionID(c.Video.Room)
}

// CanJoin reports whether the grant allows joining sid.
func (c *Claims) CanJoin(sid domain.SessionID) bool {
	return c.Video != nil && c.Video.RoomJoin && c.Video.Room == string(sid)
}

// CanPublish reports whether the grant allows publishing data into sid.
func (c *Claims) CanPublish(sid domain.SessionID) bool {
	if !c.CanJoin(sid) {
		return false
	}
	v := c.Video
	return (v.CanPublish != nil && *v.CanPublish) || (v.CanPublishData != nil && *v.CanPublishData)
}

// SessionConfig decodes the grant metadata and applies defaults. Malformed metadata
// returns the defaults together with an error wrapping domain.ErrConfig.
func (c *Claims) SessionConfig(defaults domain.SessionConfig) (domain.SessionConfig, error) {
	cfg, err := domain.ParseSessionConfig(c.Metadata)
	if err != nil {
		return defaults.Clone(), err
	}
	return cfg.WithDefaults(defaults), nil
}
