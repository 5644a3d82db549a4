package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-insights/internal/bus"
)

const maxReplayLine = 1 << 20

var (
	replayPrint   bool
	replayTimeout time.Duration
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Feed events from a JSON Lines file through the pipeline",
	Long: `Replay reads one JSON event per line (use "-" for stdin), runs them through
fan-out, statistics and aggregation, and delivers the resulting insights to the
configured routers. NATS is not used. Buckets that are not ready when the input
is exhausted are discarded.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open replay file: %w", err)
			}
			defer f.Close()
			in = f
		}
		var out io.Writer
		if replayPrint {
			out = cmd.OutOrStdout()
		}
		return runReplay(cmd.Context(), in, out)
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayPrint, "print", true, "write each insight as a JSON line to stdout")
	replayCmd.Flags().DurationVar(&replayTimeout, "drain-timeout", 30*time.Second, "how long to wait for the pipeline to drain after the last event")
}

// replaySummary counts what happened to the input lines.
type replaySummary struct {
	Lines     int
	Submitted int
	Malformed int
}

func runReplay(parent context.Context, in io.Reader, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := buildApp(ctx, cfg, appOptions{output: out})
	if err != nil {
		return err
	}
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.pipeline.Run(ctx) }()

	summary, feedErr := feedEvents(ctx, in, func(ctx context.Context, line []byte) (bool, error) {
		evt, err := bus.DecodeEvent(line)
		if err != nil {
			log.Debug().Err(err).Msg("Skipping malformed replay line")
			return false, nil
		}
		return true, a.pipeline.SubmitWait(ctx, "replay", evt)
	})

	if feedErr == nil {
		waitCtx, waitCancel := context.WithTimeout(ctx, replayTimeout)
		if err := a.pipeline.WaitIdle(waitCtx, 20*time.Millisecond); err != nil {
			log.Warn().Err(err).Msg("Pipeline did not drain before the timeout")
		}
		waitCancel()
	}

	cancel()
	runErr := <-done

	log.Info().
		Int("lines", summary.Lines).
		Int("submitted", summary.Submitted).
		Int("malformed", summary.Malformed).
		Msg("Replay finished")

	if feedErr != nil {
		return feedErr
	}
	return runErr
}

// feedEvents hands every non-empty line to submit. submit reports whether
// the line was accepted; an error aborts the feed.
func feedEvents(ctx context.Context, in io.Reader, submit func(context.Context, []byte) (bool, error)) (replaySummary, error) {
	var summary replaySummary
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		summary.Lines++
		ok, err := submit(ctx, line)
		if err != nil {
			return summary, fmt.Errorf("line %d: %w", summary.Lines, err)
		}
		if ok {
			summary.Submitted++
		} else {
			summary.Malformed++
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("read replay input: %w", err)
	}
	return summary, nil
}
