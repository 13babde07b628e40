package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jgoldverg/fedpool/internal"
	"github.com/spf13/cobra"
)

type ctxKey string

const appCtxKey ctxKey = "appData"
const appConfigPathKey ctxKey = "appConfigPath"

func NewRootCommand() *cobra.Command {
	var appConfigPath string
	var logLevelFlag string

	rootCmd := &cobra.Command{
		Use:   "fedpool",
		Short: "fedpool delivers federation activities to remote inboxes",
		Long:  `fedpool POSTs activity payloads to many remote inboxes at once, sharing one bounded set of keep-alive connections across every destination site.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			internal.SetLogWriter(os.Stderr)

			cfg, err := internal.LoadDeliveryConfig(appConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load delivery config: %w", err)
			}
			if logLevelFlag != "" {
				cfg.LogLevel = logLevelFlag
			}
			if err := internal.ConfigureLogger(cfg.LogLevel); err != nil {
				internal.Warn("invalid log level, defaulting to info", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}

			cfgPath := appConfigPath
			if strings.TrimSpace(cfgPath) == "" {
				cfgPath = internal.DefaultConfigPath()
			}
			internal.Debug("using delivery config", internal.Fields{
				internal.ConfigPath: cfgPath,
			})

			ctx := context.WithValue(cmd.Context(), appCtxKey, cfg)
			ctx = context.WithValue(ctx, appConfigPathKey, cfgPath)
			cmd.SetContext(ctx)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&appConfigPath, "config", "", "Path to delivery config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(DeliverCommand())
	rootCmd.AddCommand(ConfigCommand())
	return rootCmd
}

func GetDeliveryConfig(cmd *cobra.Command) *internal.DeliveryConfig {
	if v := cmd.Context().Value(appCtxKey); v != nil {
		if data, ok := v.(*internal.DeliveryConfig); ok {
			return data
		}
	}
	return nil
}

func getAppConfigPath(cmd *cobra.Command) string {
	if v := cmd.Context().Value(appConfigPathKey); v != nil {
		if path, ok := v.(string); ok {
			return path
		}
	}
	return ""
}
