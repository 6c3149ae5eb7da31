package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

type agentServer struct {
	srv      *httptest.Server
	query    chan string
	received chan string
}

// newAgentServer writes msgs to every client, then echoes what it reads into received.
func newAgentServer(t *testing.T, msgs ...string) *agentServer {
	t.Helper()
	a := &agentServer{query: make(chan string, 1), received: make(chan string, 8)}
	upgrader := websocket.Upgrader{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.query <- r.URL.RawQuery
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for _, m := range msgs {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			a.received <- string(data)
		}
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *agentServer) url() string { return "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/agent" }

func TestWSDialer_ReceivesEvents(t *testing.T) {
	a := newAgentServer(t,
		`{"type":"user_transcript","is_final":true,"text":"hi"}`,
		`{"type":"unknown_thing"}`,
		`not json`,
		`{"type":"agent_chunk","text":"Hel"}`,
		`{"type":"agent_chunk","text":"lo"}`,
	)
	d := NewWSDialer(a.url(), 1<<16)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, "room1", domain.SessionConfig{"model": "m1"})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "model=m1&session=room1", <-a.query)

	ev, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TranscriptDelta{Text: "hi", IsFinal: true, Speaker: domain.SpeakerUser}, ev)

	first, err := conn.Recv(ctx)
	require.NoError(t, err)
	second, err := conn.Recv(ctx)
	require.NoError(t, err)

	c1 := first.(domain.ResponseChunk)
	c2 := second.(domain.ResponseChunk)
	assert.NotEmpty(t, c1.ResponseID)
	assert.Equal(t, c1.ResponseID, c2.ResponseID)
	assert.Less(t, c1.Sequence, c2.Sequence)

	require.NoError(t, conn.Send(ctx, core.Frame(`{"text":"hello"}`)))
	assert.Equal(t, `{"text":"hello"}`, <-a.received)
}

func TestWSDialer_RecvStopsOnCancel(t *testing.T) {
	a := newAgentServer(t)
	d := NewWSDialer(a.url(), 0)
	conn, err := d.Dial(context.Background(), "room1", nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = conn.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWSDialer_DialFailureIsTransportError(t *testing.T) {
	d := NewWSDialer("ws://127.0.0.1:1/agent", 0)
	_, err := d.Dial(context.Background(), "room1", nil)
	assert.ErrorIs(t, err, core.ErrTransport)
}
