package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-insights/internal/bus"
	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/stats"
)

// controlFlags are the stream-addressing and statistics flags shared by the
// debug subcommands.
type controlFlags struct {
	apiAddr     string
	key         string
	account     string
	name        string
	criteria    string
	granularity string

	mean, stddev, min, max float64
	count                  int
}

var debugFlags controlFlags

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Send maintenance commands to a running insightd",
	Long: `Debug commands reset or overwrite per-stream statistics. They are published on
the NATS control subject, or posted to the admin API when --api is given.`,
}

var debugClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the statistics of one stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendDebugControl(cmd, stats.OpClear)
	},
}

var debugClearAllCmd = &cobra.Command{
	Use:   "clear-all",
	Short: "Forget the statistics of every stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendDebugControl(cmd, stats.OpClearAll)
	},
}

var debugSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Overwrite the statistics of one stream",
	Example: `  insightd debug set --account A1 --name CONNECTION_ACTIVITY_COUNT \
    --criteria 'CONNECTION_ID=c1' --mean 10 --stddev 2 --count 30`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendDebugControl(cmd, stats.OpSet)
	},
}

func init() {
	debugCmd.PersistentFlags().StringVar(&debugFlags.apiAddr, "api", "", "admin API address (host:port or URL); default publishes on NATS")
	debugCmd.PersistentFlags().StringVar(&debugFlags.granularity, "granularity", "", "limit the command to one granularity (default: all)")

	for _, c := range []*cobra.Command{debugClearCmd, debugSetCmd} {
		c.Flags().StringVar(&debugFlags.key, "key", "", "stream key (account|name|criteria)")
		c.Flags().StringVar(&debugFlags.account, "account", "", "stream account")
		c.Flags().StringVar(&debugFlags.name, "name", "", "metric name")
		c.Flags().StringVar(&debugFlags.criteria, "criteria", "", "canonical criteria, e.g. 'CONNECTION_ID=c1;PROVIDER_ID=aws'")
	}
	debugSetCmd.Flags().Float64Var(&debugFlags.mean, "mean", 0, "mean to install")
	debugSetCmd.Flags().Float64Var(&debugFlags.stddev, "stddev", 0, "standard deviation to install")
	debugSetCmd.Flags().Float64Var(&debugFlags.min, "min", 0, "minimum to install")
	debugSetCmd.Flags().Float64Var(&debugFlags.max, "max", 0, "maximum to install")
	debugSetCmd.Flags().IntVar(&debugFlags.count, "count", 0, "sample count to install")

	debugCmd.AddCommand(debugClearCmd, debugClearAllCmd, debugSetCmd)
}

// buildControl turns the flags into a validated command.
func (f controlFlags) buildControl(op stats.ControlOp) (stats.Control, error) {
	ctl := stats.Control{Op: op}
	if f.granularity != "" {
		g, err := models.ParseGranularity(f.granularity)
		if err != nil {
			return stats.Control{}, err
		}
		ctl.Granularity = g
	}
	if op != stats.OpClearAll {
		ctl.Key = strings.TrimSpace(f.key)
		ctl.Account = strings.TrimSpace(f.account)
		ctl.Name = strings.TrimSpace(f.name)
		criteria, err := models.ParseCriteria(f.criteria)
		if err != nil {
			return stats.Control{}, err
		}
		if len(criteria) > 0 {
			ctl.Criteria = criteria
		}
	}
	if op == stats.OpSet {
		ctl.Mean, ctl.StdDev, ctl.Min, ctl.Max, ctl.Count = f.mean, f.stddev, f.min, f.max, f.count
	}
	if err := ctl.Validate(); err != nil {
		return stats.Control{}, err
	}
	return ctl, nil
}

func sendDebugControl(cmd *cobra.Command, op stats.ControlOp) error {
	ctl, err := debugFlags.buildControl(op)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if debugFlags.apiAddr != "" {
		if err := postControl(ctx, http.DefaultClient, debugFlags.apiAddr, ctl); err != nil {
			return err
		}
	} else if err := publishControl(ctl); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s for %s\n", ctl.Op, describeTarget(ctl))
	return nil
}

func describeTarget(ctl stats.Control) string {
	target := "all streams"
	if ctl.Op != stats.OpClearAll {
		target = ctl.StreamKey()
	}
	if ctl.Granularity != "" {
		target += " at " + string(ctl.Granularity)
	}
	return target
}

// postControl submits ctl to the admin API.
func postControl(ctx context.Context, client *http.Client, addr string, ctl stats.Control) error {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	body, err := json.Marshal(ctl)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/control", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post control command: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("admin API rejected command: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

// publishControl sends ctl on the configured NATS control subject.
func publishControl(ctl stats.Control) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if !cfg.NATS.Enabled {
		return fmt.Errorf("NATS is disabled; use --api to reach the admin API")
	}
	b, err := bus.Connect(cfg.BusConfig())
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.PublishJSON(cfg.NATS.ControlSubject, ctl); err != nil {
		return fmt.Errorf("publish control command: %w", err)
	}
	if err := b.Conn.Flush(); err != nil {
		return fmt.Errorf("flush control command: %w", err)
	}
	log.Info().Str("subject", cfg.NATS.ControlSubject).Str("op", string(ctl.Op)).Msg("Published control command")
	return nil
}
