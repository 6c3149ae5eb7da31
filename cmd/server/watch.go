package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/VoiceGateway/internal/protocol"
	"github.com/dkeye/VoiceGateway/internal/view"
)

type watchOptions struct {
	server   string
	token    string
	identity string
	room     string
	model    string
	redraw   bool
}

func newWatchCmd() *cobra.Command {
	var o watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to a session and print the conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	cmd.Flags().StringVar(&o.server, "server", "http://localhost:8080", "gateway base URL")
	cmd.Flags().StringVar(&o.token, "token", "", "session grant; fetched from /get-token when empty")
	cmd.Flags().StringVar(&o.identity, "identity", "watcher", "identity used when fetching a grant")
	cmd.Flags().StringVar(&o.room, "room", "", "session id used when fetching a grant")
	cmd.Flags().StringVar(&o.model, "model", "", "model used when fetching a grant")
	cmd.Flags().BoolVar(&o.redraw, "clear", true, "redraw the screen on every event")
	return cmd
}

func fetchToken(ctx context.Context, o watchOptions) (string, error) {
	q := url.Values{}
	q.Set("identity", o.identity)
	if o.room != "" {
		q.Set("room", o.room)
	}
	if o.model != "" {
		q.Set("model", o.model)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(o.server, "/")+"/get-token?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("get-token: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var g struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return "", err
	}
	return g.Token, nil
}

func eventsURL(server, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/") + "/api/ws/events")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func runWatch(ctx context.Context, out io.Writer, o watchOptions) error {
	token := o.token
	if token == "" {
		t, err := fetchToken(ctx, o)
		if err != nil {
			return err
		}
		token = t
	}
	wsURL, err := eventsURL(o.server, token)
	if err != nil {
		return err
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("subscribe: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	var state view.State
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnknownType) {
				log.Debug().Err(err).Str("module", "watch").Msg("skipping message")
			}
			continue
		}
		state = view.Reduce(state, ev)
		render(out, state, o.redraw)
	}
}

func render(out io.Writer, s view.State, redraw bool) {
	if redraw {
		fmt.Fprint(out, "\033[H\033[2J")
	}
	for _, line := range s.Panel() {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out)
	for _, line := range s.Lines() {
		fmt.Fprintln(out, line)
	}
}
