package main

import (
	"fmt"
	"log"
	"log/slog"

	mmate "github.com/glimte/mmate-gateway"
	"github.com/glimte/mmate-gateway/internal/config"
	"github.com/glimte/mmate-gateway/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags are shared by every command
type globalFlags struct {
	configPath string
	brokerURL  string
	verbose    bool
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mmate-gateway",
		Short: "Synchronous HTTP gateway over an asynchronous message broker",
		Long: `mmate-gateway publishes each HTTP request to a broker queue, waits for the
correlated reply on a reply queue and returns it as the HTTP response.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&flags.brokerURL, "broker-url", "u", "", "Broker URL (amqp://, stomp://), overrides BROKER_URL")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newRequestCmd(flags),
		newPingCmd(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config and applies the global flags
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	if flags.brokerURL != "" {
		cfg.Broker.URL = flags.brokerURL
		cfg.Broker.Type = ""
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if flags.verbose {
		cfg.Log.Level = "DEBUG"
	}

	return cfg, nil
}

func setupLogger(cfg *config.Config) *slog.Logger {
	return telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
}

// newClient maps the broker and bridge config onto a client
func newClient(cfg *config.Config, logger *slog.Logger, extra ...mmate.ClientOption) (*mmate.Client, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}

	opts := []mmate.ClientOption{
		mmate.WithLogger(logger),
		mmate.WithBrokerType(cfg.Broker.Type),
		mmate.WithConnectTimeout(cfg.Broker.ConnectTimeout),
		mmate.WithReconnectDelay(cfg.Broker.ReconnectDelay),
		mmate.WithReconnectBackoff(cfg.Broker.ReconnectMaxDelay),
		mmate.WithHeartbeat(cfg.Broker.Heartbeat),
		mmate.WithPrefetchCount(cfg.Broker.PrefetchCount),
		mmate.WithConfirmTimeout(cfg.Broker.ConfirmTimeout),
		mmate.WithCorrelationMode(mode),
	}
	if cfg.Broker.User != "" {
		opts = append(opts, mmate.WithCredentials(cfg.Broker.User, cfg.Broker.Pass))
	}

	client, err := mmate.NewClient(cfg.Broker.URL, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}
