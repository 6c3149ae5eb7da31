package protocol

import (
	"github.com/google/uuid"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

// Sequencer fills in response ids and sequence numbers for producers that send bare
// agent_chunk messages. Any user transcript, interim or final, starts a new response
// turn, the way a chat UI starts a new assistant bubble after the user speaks.
// Not safe for concurrent use; one per event stream.
type Sequencer struct {
	newID    func() string
	current  string
	next     uint64
	lastSeen map[string]uint64
}

func NewSequencer() *Sequencer {
	return &Sequencer{newID: uuid.NewString, lastSeen: make(map[string]uint64)}
}

// Apply returns ev with response id and sequence assigned where missing.
func (s *Sequencer) Apply(ev domain.Event) domain.Event {
	switch e := ev.(type) {
	case domain.TranscriptDelta:
		if e.Speaker == domain.SpeakerUser {
			s.current = ""
		}
	case domain.ResponseChunk:
		if e.ResponseID == "" {
			if s.current == "" {
				s.current = s.newID()
				s.next = 0
			}
			e.ResponseID = s.current
		}
		if e.Sequence == 0 {
			if e.ResponseID == s.current {
				s.next++
				e.Sequence = s.next
			} else {
				s.lastSeen[e.ResponseID]++
				e.Sequence = s.lastSeen[e.ResponseID]
			}
		}
		if e.Final {
			if e.ResponseID == s.current {
				s.current = ""
			}
			delete(s.lastSeen, e.ResponseID)
		}
		return e
	}
	return ev
}
