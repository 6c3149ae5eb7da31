package router

import "github.com/dkeye/VoiceGateway/internal/domain"

// trackedResponses bounds how many response ids one subscriber remembers, oldest
// evicted first.
const trackedResponses = 64

type seqState struct {
	seq   uint64
	final bool
}

// seqTracker enforces non-decreasing chunk sequences per response for one subscriber.
type seqTracker struct {
	seen  map[string]seqState
	order []string
}

func newSeqTracker() *seqTracker {
	return &seqTracker{seen: make(map[string]seqState)}
}

// accept reports whether c may be delivered and records it if so. A chunk below the last
// delivered sequence is rejected, as is a repeat of the final chunk. Chunks without a
// response id are not tracked.
func (t *seqTracker) accept(c domain.ResponseChunk) bool {
	if c.ResponseID == "" {
		return true
	}
	st, ok := t.seen[c.ResponseID]
	if ok {
		if c.Sequence < st.seq {
			return false
		}
		if st.final && c.Final && c.Sequence == st.seq {
			return false
		}
	} else {
		t.order = append(t.order, c.ResponseID)
		if len(t.order) > trackedResponses {
			delete(t.seen, t.order[0])
			t.order[0] = ""
			t.order = t.order[1:]
		}
	}
	t.seen[c.ResponseID] = seqState{seq: c.Sequence, final: st.final || c.Final}
	return true
}
