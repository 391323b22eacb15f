package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/saryassepto/towns-image-generator-bot/imagebot"
	"github.com/spf13/cobra"
)

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Run one image generation from the terminal and report the result",
	Long: "Sends the prompt through the same backend client and retry " +
		"controller the bot uses. The image itself isn't saved.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		prompt := strings.Join(args, " ")

		logger := slog.New(
			tint.NewHandler(
				cmd.ErrOrStderr(),
				&tint.Options{Level: cfg.Image.LogLevel},
			),
		)
		client := cfg.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		gen, err := imagebot.NewImageGenerator(cfg.Image, client, logger)
		if err != nil {
			return err
		}

		img, state, err := gen.Generate(ctx, prompt)
		out := cmd.OutOrStdout()
		if err != nil {
			var exhausted *imagebot.ExhaustedRetriesError
			if errors.As(err, &exhausted) {
				fmt.Fprintf(
					out,
					"backend still unavailable after %d attempts\n",
					exhausted.Attempts,
				)
			}
			return err
		}

		fmt.Fprintf(
			out,
			"generated %s (%d bytes) in %d attempt(s), model=%s\n",
			img.MIMEType,
			img.ByteLength(),
			state.Attempt,
			cfg.Image.ModelName(),
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(generateCmd)
}
