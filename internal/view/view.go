// Package view folds a session's event stream into what a client renders: the chat log
// and a side panel with connection, VAD and metric status.
package view

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

const RoleAssistant = "assistant"

type Entry struct {
	Role       string
	Text       string
	Final      bool
	ResponseID string
}

type Connection string

const (
	ConnectionUnknown   Connection = ""
	ConnectionConnected Connection = "connected"
	ConnectionFailed    Connection = "failed"
)

type State struct {
	Entries []Entry

	VAD                  string
	Connection           Connection
	LastCommitted        string
	LastCommittedSpeaker string
	Tracks               []string
	AgentSpeaking        bool
	DataLoss             int
	Metrics              map[domain.MetricKind]map[string]any
}

// Reduce returns the state after ev. s is left untouched.
func Reduce(s State, ev domain.Event) State {
	switch e := ev.(type) {
	case domain.TranscriptDelta:
		return reduceDelta(s, e)
	case domain.ResponseChunk:
		return reduceChunk(s, e)
	case domain.StateChange:
		return reduceState(s, e)
	case domain.MetricSample:
		return reduceMetric(s, e)
	}
	return s
}

func Fold(evs []domain.Event) State {
	var s State
	for _, ev := range evs {
		s = Reduce(s, ev)
	}
	return s
}

func reduceDelta(s State, d domain.TranscriptDelta) State {
	speaker := d.Speaker
	if speaker == "" {
		speaker = domain.SpeakerUser
	}
	s.Entries = slices.Clone(s.Entries)
	for i := len(s.Entries) - 1; i >= 0; i-- {
		e := s.Entries[i]
		if e.Role == speaker && !e.Final && e.ResponseID == "" {
			s.Entries[i] = Entry{Role: speaker, Text: d.Text, Final: d.IsFinal}
			return s
		}
	}
	s.Entries = append(s.Entries, Entry{Role: speaker, Text: d.Text, Final: d.IsFinal})
	return s
}

func reduceChunk(s State, c domain.ResponseChunk) State {
	s.Entries = slices.Clone(s.Entries)
	// Unnumbered chunks only continue the entry directly above them.
	stop := 0
	if c.ResponseID == "" {
		stop = len(s.Entries) - 1
	}
	for i := len(s.Entries) - 1; i >= stop && i >= 0; i-- {
		e := s.Entries[i]
		if e.Role == RoleAssistant && e.ResponseID == c.ResponseID {
			e.Text += c.Text
			e.Final = e.Final || c.Final
			s.Entries[i] = e
			return s
		}
	}
	s.Entries = append(s.Entries, Entry{Role: RoleAssistant, Text: c.Text, Final: c.Final, ResponseID: c.ResponseID})
	return s
}

func reduceState(s State, sc domain.StateChange) State {
	switch sc.Kind {
	case domain.StateKindVAD:
		s.VAD = sc.Str("status")
	case domain.StateKindTranscriptCommitted:
		s.LastCommitted = sc.Str("transcript")
		s.LastCommittedSpeaker = sc.Str("speaker")
	case domain.StateKindTrackPublished:
		if track := sc.Str("track"); track != "" && !slices.Contains(s.Tracks, track) {
			s.Tracks = append(slices.Clone(s.Tracks), track)
		}
	case domain.StateKindAgentSpeaking:
		v, _ := sc.Get("speaking")
		speaking, _ := v.(bool)
		s.AgentSpeaking = speaking
	case domain.StateKindReconnected:
		s.Connection = ConnectionConnected
	case domain.StateKindConnectionFailed:
		s.Connection = ConnectionFailed
	case domain.StateKindDataLoss:
		s.DataLoss++
	}
	return s
}

func reduceMetric(s State, m domain.MetricSample) State {
	metrics := maps.Clone(s.Metrics)
	if metrics == nil {
		metrics = make(map[domain.MetricKind]map[string]any)
	}
	fields := maps.Clone(metrics[m.Kind])
	if fields == nil {
		fields = make(map[string]any)
	}
	maps.Copy(fields, m.Fields())
	metrics[m.Kind] = fields
	s.Metrics = metrics
	return s
}

// Lines renders the chat log one message per line. Unfinished user speech ends in "...".
func (s State) Lines() []string {
	out := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		text := e.Text
		if e.Role != RoleAssistant && !e.Final {
			text += "..."
		}
		out = append(out, e.Role+": "+text)
	}
	return out
}

// Panel renders the side panel.
func (s State) Panel() []string {
	var out []string
	if s.Connection != ConnectionUnknown {
		out = append(out, "connection: "+string(s.Connection))
	}
	if s.VAD != "" {
		out = append(out, "vad: "+s.VAD)
	}
	if s.AgentSpeaking {
		out = append(out, "agent: speaking")
	}
	if s.LastCommitted != "" {
		out = append(out, fmt.Sprintf("committed (%s): %s", s.LastCommittedSpeaker, s.LastCommitted))
	}
	if len(s.Tracks) > 0 {
		out = append(out, "tracks: "+strings.Join(s.Tracks, ", "))
	}
	if s.DataLoss > 0 {
		out = append(out, fmt.Sprintf("data loss: %d", s.DataLoss))
	}
	kinds := slices.Sorted(maps.Keys(s.Metrics))
	for _, k := range kinds {
		fields := s.Metrics[k]
		names := slices.Sorted(maps.Keys(fields))
		parts := make([]string, 0, len(names))
		for _, n := range names {
			parts = append(parts, fmt.Sprintf("%s=%v", n, fields[n]))
		}
		out = append(out, fmt.Sprintf("%s: %s", k, strings.Join(parts, " ")))
	}
	return out
}
