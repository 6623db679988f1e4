package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"botprobe/internal/logging"
	"botprobe/internal/vision"
)

// newFetchCommand builds the manual driver for the image acquisition helper.
func newFetchCommand(root *rootOptions) *cobra.Command {
	var (
		owner      string
		index      int
		maxBytes   int64
		timeout    time.Duration
		asEmbedded bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <reference>",
		Short: "Resolve an image reference to a local file",
		Long: `fetch resolves one image reference the way the vision pipeline does:
base64:// payloads and http(s) URLs are materialized into a temp file,
file:// and absolute paths are validated and returned unchanged.

With --as-embedded the bytes are downloaded and re-encoded as a base64://
payload instead of being written to disk (remote URLs only).`,
		Example: `  botprobe fetch https://example.com/cat.png
  botprobe fetch base64://aGVsbG8= --owner msg42 --index 1
  botprobe fetch https://example.com/cat.png --as-embedded`,
		SilenceUsage: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
				return &ExitCodeError{Code: 2, Err: errors.New("exactly one image reference is required")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			reference := strings.TrimSpace(args[0])
			if asEmbedded && vision.ParseReference(reference).Kind != vision.KindRemoteURL {
				return &ExitCodeError{Code: 2, Err: errors.New("--as-embedded requires an http(s) reference")}
			}

			logger := logging.New("fetch")
			if root.verbose {
				logger.SetLevel(logging.LevelDebug)
			}
			fetcher := vision.NewFetcher(vision.Config{
				MaxBytes: maxBytes,
				Timeout:  timeout,
				Logger:   logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if asEmbedded {
				payload, ok := fetcher.FetchEmbedded(ctx, reference)
				if !ok {
					return &ExitCodeError{Code: 1, Err: errors.New("fetch produced no payload")}
				}
				fmt.Fprintf(out, "embedded payload of %s\n", humanize.Bytes(uint64(len(payload))))
				return nil
			}

			path, ok := fetcher.Acquire(ctx, reference, owner, index)
			if !ok {
				return &ExitCodeError{Code: 1, Err: errors.New("acquisition produced no file")}
			}
			if info, err := os.Stat(path); err == nil {
				fmt.Fprintf(out, "%s (%s)\n", path, humanize.Bytes(uint64(info.Size())))
			} else {
				fmt.Fprintln(out, path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "manual", "Owning message id used in temp file names")
	cmd.Flags().IntVar(&index, "index", 0, "Image index within the owning message")
	cmd.Flags().Int64Var(&maxBytes, "max-bytes", vision.DefaultMaxBytes, "Size ceiling for the image")
	cmd.Flags().DurationVar(&timeout, "fetch-timeout", vision.DefaultTimeout, "Timeout for each HTTP request")
	cmd.Flags().BoolVar(&asEmbedded, "as-embedded", false, "Print a base64:// payload instead of writing a file")
	return cmd
}
