package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/dkeye/VoiceGateway/internal/auth"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

func newTokenCmd() *cobra.Command {
	var identity, room, model string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session grant and print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			iss, err := newIssuer(cfg, nil)
			if err != nil {
				return err
			}
			var sc domain.SessionConfig
			if model != "" {
				sc = domain.SessionConfig{domain.ConfigKeyModel: model}
			}
			g, err := iss.Issue(identity, room, sc)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(g, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringVar(&identity, "identity", auth.DefaultIdentity, "participant identity")
	cmd.Flags().StringVar(&room, "room", "", "session id (defaults to token.default_room)")
	cmd.Flags().StringVar(&model, "model", "", "model stored in the grant metadata")
	return cmd
}
