package router

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/VoiceGateway/internal/domain"
)

func TestSeqTracker_ChunksAfterFinal(t *testing.T) {
	tr := newSeqTracker()
	final := chunk("r1", 3)
	final.Final = true

	assert.True(t, tr.accept(chunk("r1", 2)))
	assert.True(t, tr.accept(final))
	assert.False(t, tr.accept(final), "repeated final chunk")
	assert.False(t, tr.accept(chunk("r1", 1)), "below the final sequence")
	assert.True(t, tr.accept(chunk("r1", 3)))
	assert.True(t, tr.accept(chunk("r1", 4)))
}

func TestSeqTracker_UntrackedEmptyID(t *testing.T) {
	tr := newSeqTracker()
	bare := domain.ResponseChunk{Text: "x", Final: true}

	assert.True(t, tr.accept(bare))
	assert.True(t, tr.accept(bare))
	assert.True(t, tr.accept(domain.ResponseChunk{Text: "y"}))
	assert.Empty(t, tr.seen)
}

func TestSeqTracker_BoundedMemory(t *testing.T) {
	tr := newSeqTracker()
	for i := range 3 * trackedResponses {
		assert.True(t, tr.accept(chunk(fmt.Sprintf("r%d", i), 5)))
	}
	assert.Len(t, tr.seen, trackedResponses)
	assert.Len(t, tr.order, trackedResponses)

	last := fmt.Sprintf("r%d", 3*trackedResponses-1)
	assert.False(t, tr.accept(chunk(last, 4)))
	assert.NotContains(t, tr.seen, "r0")
}
