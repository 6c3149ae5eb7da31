package domain

import (
	"fmt"
	"maps"
)

type EventType string

const (
	EventTranscriptDelta EventType = "transcript_delta"
	EventResponseChunk   EventType = "response_chunk"
	EventStateChange     EventType = "state_change"
	EventMetricSample    EventType = "metric_sample"
)

// Event is one immutable item of a session's upstream stream.
type Event interface {
	Type() EventType
	event()
}

// TranscriptDelta is a speech-to-text result; interim deltas are superseded by the next one.
type TranscriptDelta struct {
	Text    string
	IsFinal bool
	Speaker string
}

func (TranscriptDelta) Type() EventType { return EventTranscriptDelta }
func (TranscriptDelta) event()          {}

// Interim reports whether the delta may be replaced by a later one.
func (d TranscriptDelta) Interim() bool { return !d.IsFinal }

const SpeakerUser = "user"

// ResponseChunk is one streamed piece of an assistant response.
type ResponseChunk struct {
	ResponseID string
	Text       string
	Sequence   uint64
	Final      bool
}

func (ResponseChunk) Type() EventType { return EventResponseChunk }
func (ResponseChunk) event()          {}

// State change kinds.
const (
	StateKindVAD                 = "vad"
	StateKindTranscriptCommitted = "transcript_committed"
	StateKindTrackPublished      = "track_published"
	StateKindAgentSpeaking       = "agent_speaking"
	StateKindReconnected         = "reconnected"
	StateKindConnectionFailed    = "connection_failed"
	StateKindDataLoss            = "data_loss"
)

type StateChange struct {
	Kind    string
	payload map[string]any
}

// NewStateChange copies payload so the event stays immutable.
func NewStateChange(kind string, payload map[string]any) StateChange {
	return StateChange{Kind: kind, payload: maps.Clone(payload)}
}

func (StateChange) Type() EventType { return EventStateChange }
func (StateChange) event()          {}

// Payload returns a copy of the payload.
func (s StateChange) Payload() map[string]any { return maps.Clone(s.payload) }

// Get returns a single payload value.
func (s StateChange) Get(key string) (any, bool) {
	v, ok := s.payload[key]
	return v, ok
}

// Str returns a payload value formatted as a string, or "".
func (s StateChange) Str(key string) string {
	v, ok := s.payload[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

type MetricKind string

const (
	MetricSTT MetricKind = "stt"
	MetricLLM MetricKind = "llm"
	MetricTTS MetricKind = "tts"
	MetricVAD MetricKind = "vad"
	MetricEOU MetricKind = "eou"
)

// MetricFields lists the fields each metric kind carries.
var MetricFields = map[MetricKind][]string{
	MetricSTT: {"audio_duration", "timestamp"},
	MetricLLM: {"ttft", "total_tokens", "prompt_tokens", "completion_tokens", "tokens_per_second", "timestamp"},
	MetricTTS: {"ttfb", "audio_duration", "timestamp"},
	MetricVAD: {"timestamp", "label"},
	MetricEOU: {"end_of_utterance_delay", "transcription_delay", "timestamp"},
}

func (k MetricKind) Valid() bool {
	_, ok := MetricFields[k]
	return ok
}

type MetricSample struct {
	Kind   MetricKind
	fields map[string]any
}

// NewMetricSample keeps only the fields known for kind. Unknown kinds are rejected.
func NewMetricSample(kind MetricKind, fields map[string]any) (MetricSample, error) {
	known, ok := MetricFields[kind]
	if !ok {
		return MetricSample{}, fmt.Errorf("unknown metric kind %q", kind)
	}
	out := make(map[string]any, len(known))
	for _, k := range known {
		if v, ok := fields[k]; ok && v != nil {
			out[k] = v
		}
	}
	return MetricSample{Kind: kind, fields: out}, nil
}

func (MetricSample) Type() EventType { return EventMetricSample }
func (MetricSample) event()          {}

// Fields returns a copy of the sample's fields.
func (m MetricSample) Fields() map[string]any { return maps.Clone(m.fields) }

// Droppable reports whether the router may discard ev under overflow.
func Droppable(ev Event) bool {
	switch e := ev.(type) {
	case TranscriptDelta:
		return e.Interim()
	case MetricSample:
		return true
	}
	return false
}
