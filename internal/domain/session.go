package domain

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type SessionID string

// NewSessionID validates a room/session name, falling back to def when raw is blank.
func NewSessionID(raw, def string) (SessionID, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		s = def
	}
	if s == "" {
		return "", errors.New("session id empty")
	}
	if len(s) > MaxSessionIDLen {
		return "", errors.New("session id too long")
	}
	return SessionID(s), nil
}

type SessionState int

const (
	StatePending SessionState = iota
	StateConnecting
	StateActive
	StateDegraded
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CanTransition reports whether the session state machine allows from -> to.
func CanTransition(from, to SessionState) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	switch from {
	case StatePending:
		return to == StateConnecting
	case StateConnecting:
		return to == StateActive
	case StateActive:
		return to == StateDegraded
	case StateDegraded:
		return to == StateActive
	}
	return false
}

const (
	ConfigKeyModel = "model"
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
)

// ErrConfig marks malformed session metadata. Callers recover by using defaults.
var ErrConfig = errors.New("config error")

// SessionConfig is the opaque key-value mapping sealed into a session at creation.
type SessionConfig map[string]string

// DefaultSessionConfig returns the defaults applied to missing keys.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{ConfigKeyModel: DefaultModel}
}

// WithDefaults returns a copy of c with defaults filled in for missing or empty keys.
func (c SessionConfig) WithDefaults(defaults SessionConfig) SessionConfig {
	out := make(SessionConfig, len(c)+len(defaults))
	maps.Copy(out, defaults)
	for k, v := range c {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func (c SessionConfig) Clone() SessionConfig {
	if c == nil {
		return SessionConfig{}
	}
	return maps.Clone(c)
}

func (c SessionConfig) Equal(other SessionConfig) bool {
	return maps.Equal(c, other)
}

func (c SessionConfig) Model() string { return c[ConfigKeyModel] }

// Encode serializes the config as the JSON metadata string carried by grants.
func (c SessionConfig) Encode() (string, error) {
	b, err := json.Marshal(map[string]string(c))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return string(b), nil
}

// ParseSessionConfig decodes grant metadata. An empty string yields an empty config.
func ParseSessionConfig(metadata string) (SessionConfig, error) {
	if strings.TrimSpace(metadata) == "" {
		return SessionConfig{}, nil
	}
	raw := map[string]any{}
	if err := json.Unmarshal([]byte(metadata), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	out := make(SessionConfig, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: key %q is %T, want string", ErrConfig, k, v)
		}
		out[k] = s
	}
	return out, nil
}

// Session is a read-only snapshot of a live session.
type Session struct {
	ID           SessionID     `json:"id"`
	State        SessionState  `json:"state"`
	Config       SessionConfig `json:"config"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Actors       int           `json:"actors"`
	Reason       string        `json:"reason,omitempty"`
}
