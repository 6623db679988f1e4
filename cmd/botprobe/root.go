package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"botprobe/internal/botwire"
	"botprobe/internal/logging"
	"botprobe/internal/repro"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
)

// isTTY reports whether w is an interactive terminal.
func isTTY(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

type rootOptions struct {
	ws       string
	token    string
	groupID  int64
	mp4Path  string
	txtPath  string
	timeout  time.Duration
	scenario string
	verbose  bool
}

// NewRootCommand creates the root cobra command: the repro sequence itself,
// with fetch as a subcommand.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "botprobe",
		Short: "Probe a bot control endpoint with a scripted message sequence",
		Long: `botprobe connects to a bot control endpoint over WebSocket and runs a
fixed smoke sequence: identify the account, confirm the target group, send a
video message (optionally preceded by a text message), and verify delivery.

The endpoint and token fall back to BOTPROBE_WS and BOTPROBE_TOKEN when the
flags are omitted. Exit codes: 0 success, 1 runtime failure, 2 bad arguments.`,
		Example: `  botprobe --ws ws://127.0.0.1:3001 --group 42 --mp4 clip.mp4
  botprobe --group 42 --mp4 clip.mp4 --txt note.txt           # endpoint from env
  botprobe --ws ws://127.0.0.1:3001 --scenario nightly.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &ExitCodeError{Code: 2, Err: fmt.Errorf("unknown argument %q", args[0])}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepro(cmd, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.ws, "ws", "", "Control endpoint URL (env BOTPROBE_WS)")
	flags.StringVar(&opts.token, "token", "", "Bearer token presented at connection time (env BOTPROBE_TOKEN)")
	flags.Int64Var(&opts.groupID, "group", 0, "Target group id")
	flags.StringVar(&opts.mp4Path, "mp4", "", "Video file to send")
	flags.StringVar(&opts.txtPath, "txt", "", "Optional text file to send before the video")
	flags.DurationVar(&opts.timeout, "timeout", botwire.DefaultTimeout, "Per-action response timeout")
	flags.StringVar(&opts.scenario, "scenario", "", "YAML scenario file replacing the built-in sequence")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &ExitCodeError{Code: 2, Err: err}
	})

	rootCmd.AddCommand(newFetchCommand(opts))
	return rootCmd
}

// endpointSettings resolves --ws/--token with their environment fallbacks.
// Flags win over environment.
func endpointSettings(cmd *cobra.Command) (endpoint, token string) {
	v := viper.New()
	v.SetEnvPrefix("BOTPROBE")
	v.AutomaticEnv()
	_ = v.BindPFlag("ws", cmd.Flags().Lookup("ws"))
	_ = v.BindPFlag("token", cmd.Flags().Lookup("token"))
	return strings.TrimSpace(v.GetString("ws")), strings.TrimSpace(v.GetString("token"))
}

func requireRegularFile(flagName, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", flagName, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: %s is not a regular file", flagName, path)
	}
	return nil
}

// validateReproArgs checks everything runRepro needs before any network
// activity. All failures here are usage errors (exit 2).
func validateReproArgs(opts *rootOptions, endpoint string) (*repro.Scenario, error) {
	if endpoint == "" {
		return nil, &ExitCodeError{Code: 2, Err: errors.New("--ws (or BOTPROBE_WS) is required")}
	}

	if opts.scenario != "" {
		if err := requireRegularFile("--scenario", opts.scenario); err != nil {
			return nil, &ExitCodeError{Code: 2, Err: err}
		}
		scn, err := repro.LoadScenario(opts.scenario)
		if err != nil {
			return nil, &ExitCodeError{Code: 2, Err: err}
		}
		return scn, nil
	}

	if opts.groupID == 0 {
		return nil, &ExitCodeError{Code: 2, Err: errors.New("--group is required")}
	}
	if opts.mp4Path == "" {
		return nil, &ExitCodeError{Code: 2, Err: errors.New("--mp4 is required")}
	}
	if err := requireRegularFile("--mp4", opts.mp4Path); err != nil {
		return nil, &ExitCodeError{Code: 2, Err: err}
	}
	if opts.txtPath != "" {
		if err := requireRegularFile("--txt", opts.txtPath); err != nil {
			return nil, &ExitCodeError{Code: 2, Err: err}
		}
	}
	return nil, nil
}

func runRepro(cmd *cobra.Command, opts *rootOptions) error {
	endpoint, token := endpointSettings(cmd)
	scn, err := validateReproArgs(opts, endpoint)
	if err != nil {
		return err
	}

	logger := logging.New("botprobe")
	if opts.verbose {
		logger.SetLevel(logging.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := botwire.Dial(ctx, endpoint, botwire.Config{
		Token:   token,
		Timeout: opts.timeout,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	out := cmd.OutOrStdout()
	colored := isTTY(out)
	if colored {
		fmt.Fprintf(out, "%s %s\n", green("connected"), cyan(endpoint))
	} else {
		fmt.Fprintf(out, "connected %s\n", endpoint)
	}

	var report *repro.Report
	var runErr error
	if scn != nil {
		report, runErr = repro.RunScenario(ctx, client, scn, repro.Options{Timeout: opts.timeout, Logger: logger})
	} else {
		report, runErr = repro.Run(ctx, client, repro.Options{
			GroupID:   opts.groupID,
			VideoPath: opts.mp4Path,
			TextPath:  opts.txtPath,
			Timeout:   opts.timeout,
			Logger:    logger,
		})
	}

	report.Render(out, colored)
	if runErr != nil {
		return fmt.Errorf("repro sequence failed: %w", runErr)
	}
	return nil
}
