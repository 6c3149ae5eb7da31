// Package protocol encodes session events as data-channel JSON messages.
//
// One object per message; "type" discriminates:
//
//	{"type":"user_transcript","is_final":bool,"text":string}
//	{"type":"agent_chunk","text":string}
//	{"type":"vad_update","status":string}
//	{"type":"metrics_update","metric_type":"stt"|"llm"|"tts"|"vad"|"eou","data":{...}}
//	{"type":"transcript_update","transcript":string,"speaker":string}
//	{"type":"state_change","kind":string,"payload":{...}}
//
// user_transcript may carry "speaker"; agent_chunk may carry "response_id", "sequence"
// and "final". Readers that do not know them ignore them.
package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

const (
	TypeUserTranscript   = "user_transcript"
	TypeAgentChunk       = "agent_chunk"
	TypeVADUpdate        = "vad_update"
	TypeMetricsUpdate    = "metrics_update"
	TypeTranscriptUpdate = "transcript_update"
	TypeStateChange      = "state_change"
)

// Topic is the data-channel topic metrics and state updates are published on.
const Topic = "agent_metrics"

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrBadMessage  = errors.New("bad message")
)

type userTranscript struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
}

type agentChunk struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	ResponseID string `json:"response_id,omitempty"`
	Sequence   uint64 `json:"sequence,omitempty"`
	Final      bool   `json:"final,omitempty"`
}

type vadUpdate struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type metricsUpdate struct {
	Type       string         `json:"type"`
	MetricType string         `json:"metric_type"`
	Data       map[string]any `json:"data"`
}

type transcriptUpdate struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Speaker    string `json:"speaker"`
}

type stateChange struct {
	Type    string         `json:"type"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Encode renders ev as one data-channel message.
func Encode(ev domain.Event) ([]byte, error) {
	switch e := ev.(type) {
	case domain.TranscriptDelta:
		msg := userTranscript{Type: TypeUserTranscript, IsFinal: e.IsFinal, Text: e.Text}
		if e.Speaker != domain.SpeakerUser {
			msg.Speaker = e.Speaker
		}
		return json.Marshal(msg)
	case domain.ResponseChunk:
		return json.Marshal(agentChunk{
			Type:       TypeAgentChunk,
			Text:       e.Text,
			ResponseID: e.ResponseID,
			Sequence:   e.Sequence,
			Final:      e.Final,
		})
	case domain.StateChange:
		switch e.Kind {
		case domain.StateKindVAD:
			return json.Marshal(vadUpdate{Type: TypeVADUpdate, Status: e.Str("status")})
		case domain.StateKindTranscriptCommitted:
			return json.Marshal(transcriptUpdate{
				Type:       TypeTranscriptUpdate,
				Transcript: e.Str("transcript"),
				Speaker:    e.Str("speaker"),
			})
		}
		return json.Marshal(stateChange{Type: TypeStateChange, Kind: e.Kind, Payload: e.Payload()})
	case domain.MetricSample:
		return json.Marshal(metricsUpdate{Type: TypeMetricsUpdate, MetricType: string(e.Kind), Data: e.Fields()})
	case nil:
		return nil, fmt.Errorf("%w: nil event", ErrBadMessage)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownType, ev)
}

// Decode parses one data-channel message into an event.
func Decode(data []byte) (domain.Event, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	switch env.Type {
	case TypeUserTranscript:
		var m userTranscript
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		speaker := m.Speaker
		if speaker == "" {
			speaker = domain.SpeakerUser
		}
		return domain.TranscriptDelta{Text: m.Text, IsFinal: m.IsFinal, Speaker: speaker}, nil
	case TypeAgentChunk:
		var m agentChunk
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		return domain.ResponseChunk{ResponseID: m.ResponseID, Text: m.Text, Sequence: m.Sequence, Final: m.Final}, nil
	case TypeVADUpdate:
		var m vadUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		return domain.NewStateChange(domain.StateKindVAD, map[string]any{"status": m.Status}), nil
	case TypeTranscriptUpdate:
		var m transcriptUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		return domain.NewStateChange(domain.StateKindTranscriptCommitted, map[string]any{
			"transcript": m.Transcript,
			"speaker":    m.Speaker,
		}), nil
	case TypeMetricsUpdate:
		var m metricsUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		sample, err := domain.NewMetricSample(domain.MetricKind(m.MetricType), m.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		return sample, nil
	case TypeStateChange:
		var m stateChange
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		if m.Kind == "" {
			return nil, fmt.Errorf("%w: state_change without kind", ErrBadMessage)
		}
		return domain.NewStateChange(m.Kind, m.Payload), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}
