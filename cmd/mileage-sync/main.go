package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/mileage/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mileage-sync",
		Short:         "Offline-first sync for trips, vehicles and expenses",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newSyncCommand(),
		newWatchCommand(),
		newStatusCommand(),
		newResetFailedCommand(),
		newServeCommand(),
		newTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("database-path", defaults.GetString("database.path"), "Local SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("remote-url", "", "Base URL of the sync server")
	flags.String("user-id", "", "User whose data is synced")
	flags.String("token", "", "Device token (overrides env)")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.Int("batch-size", defaults.GetInt("sync.batch_size"), "Operations pushed per sync call")
	flags.Int("max-retry-attempts", defaults.GetInt("sync.max_retry_attempts"), "Attempts before an operation or a run gives up")
	flags.Int("attachment-concurrency", defaults.GetInt("sync.attachment_concurrency"), "Parallel attachment uploads")
	flags.Int("interval-seconds", defaults.GetInt("sync.interval_seconds"), "Periodic sync interval for watch")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address for serve")
	flags.String("server-database-path", defaults.GetString("server.database_path"), "SQLite database path for serve")
	flags.String("attachments-dir", defaults.GetString("storage.attachments_dir"), "Attachment storage directory for serve")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Device token TTL in minutes")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.base_url", "remote-url")
	bindFlag(cmd, "sync.user_id", "user-id")
	bindFlag(cmd, "auth.token", "token")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.batch_size", "batch-size")
	bindFlag(cmd, "sync.max_retry_attempts", "max-retry-attempts")
	bindFlag(cmd, "sync.attachment_concurrency", "attachment-concurrency")
	bindFlag(cmd, "sync.interval_seconds", "interval-seconds")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "server.database_path", "server-database-path")
	bindFlag(cmd, "storage.attachments_dir", "attachments-dir")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
