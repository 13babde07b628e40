package cli

import (
	"fmt"

	"github.com/jgoldverg/fedpool/cli/output"
	"github.com/jgoldverg/fedpool/internal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func ConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or update fedpool configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(configShowCommand())
	cmd.AddCommand(configSetCommand())
	return cmd
}

func configShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective delivery configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetDeliveryConfig(cmd)
			if cfg == nil {
				return fmt.Errorf("delivery config unavailable")
			}
			return output.PrintConfig(getAppConfigPath(cmd), cfg)
		},
	}
}

type configSetOpts struct {
	poolSize       int
	waitTimeoutMs  int
	reclaimIdle    bool
	maxIdleSecs    int
	reapSecs       int
	requestMs      int
	concurrency    int
	maxRetries     int
	retryBackoffMs int
	userAgent      string
	logLevel       string
	metricsAddr    string
}

func configSetCommand() *cobra.Command {
	var opts configSetOpts
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update the delivery configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetDeliveryConfig(cmd)
			if cfg == nil {
				return fmt.Errorf("delivery config unavailable")
			}
			if !anyLocalFlagChanged(cmd) {
				return fmt.Errorf("nothing to update: pass at least one flag")
			}
			if err := applyConfigFlags(cfg, cmd.Flags(), opts); err != nil {
				return err
			}

			path, err := cfg.Save(getAppConfigPath(cmd))
			if err != nil {
				return fmt.Errorf("saving delivery config: %w", err)
			}
			internal.Info("delivery configuration updated", internal.Fields{
				internal.ConfigPath: path,
			})
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.poolSize, "pool-size", 0, "Ceiling on open connections across all sites")
	f.IntVar(&opts.waitTimeoutMs, "wait-timeout-ms", 0, "How long a checkout waits at the ceiling (0 fails immediately)")
	f.BoolVar(&opts.reclaimIdle, "reclaim-idle", false, "Close an idle connection of another site instead of waiting")
	f.IntVar(&opts.maxIdleSecs, "max-idle-time-secs", 0, "Idle time after which the reaper closes a connection")
	f.IntVar(&opts.reapSecs, "reap-interval-secs", 0, "Reaper period (0 disables the reaper)")
	f.IntVar(&opts.requestMs, "request-timeout-ms", 0, "Per-request timeout")
	f.IntVar(&opts.concurrency, "concurrency", 0, "Delivery workers")
	f.IntVar(&opts.maxRetries, "max-retries", 0, "Extra attempts for transient failures")
	f.IntVar(&opts.retryBackoffMs, "retry-backoff-ms", 0, "First retry delay, doubled per attempt")
	f.StringVar(&opts.userAgent, "user-agent", "", "User-Agent header")
	f.StringVar(&opts.logLevel, "set-log-level", "", "Persisted log level (info, debug, ...)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Default listen address for --serve-metrics")
	return cmd
}

func anyLocalFlagChanged(cmd *cobra.Command) bool {
	changed := false
	cmd.LocalFlags().VisitAll(func(f *pflag.Flag) {
		changed = changed || f.Changed
	})
	return changed
}

// applyConfigFlags copies only the flags the user set, then validates.
func applyConfigFlags(cfg *internal.DeliveryConfig, flags *pflag.FlagSet, opts configSetOpts) error {
	if flags.Changed("pool-size") {
		cfg.PoolSize = opts.poolSize
	}
	if flags.Changed("wait-timeout-ms") {
		cfg.WaitTimeoutMs = opts.waitTimeoutMs
	}
	if flags.Changed("reclaim-idle") {
		cfg.ReclaimIdle = opts.reclaimIdle
	}
	if flags.Changed("max-idle-time-secs") {
		cfg.MaxIdleTimeSecs = opts.maxIdleSecs
	}
	if flags.Changed("reap-interval-secs") {
		cfg.ReapIntervalSecs = opts.reapSecs
	}
	if flags.Changed("request-timeout-ms") {
		cfg.RequestTimeoutMs = opts.requestMs
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = opts.concurrency
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries = opts.maxRetries
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.RetryBackoffMs = opts.retryBackoffMs
	}
	if flags.Changed("user-agent") {
		cfg.UserAgent = opts.userAgent
	}
	if flags.Changed("set-log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	return cfg.Validate()
}
