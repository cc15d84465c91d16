package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	mmate "github.com/glimte/mmate-gateway"
	"github.com/glimte/mmate-gateway/bridge"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/spf13/cobra"
)

// defaultRequestTimeout applies when neither --timeout nor
// REQUEST_TIMEOUT is set
const defaultRequestTimeout = 15 * time.Second

func newRequestCmd(flags *globalFlags) *cobra.Command {
	var (
		outbound string
		inbound  string
		timeout  time.Duration
		data     string
		mode     string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Publish one request and print the reply",
		Example: `  mmate-gateway request --to /queue/patientRecord_getProfiles \
    --reply-on /queue/apigateway_patientData --data '{"status":"ACTIVE"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)

			payload, err := contracts.ParseEnvelope([]byte(data))
			if err != nil {
				return fmt.Errorf("--data: %w", err)
			}
			submitMode, err := bridge.ParseMode(mode)
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = cfg.Bridge.DefaultTimeout
			}
			if timeout <= 0 {
				timeout = defaultRequestTimeout
			}

			client, err := newClient(cfg, logger, mmate.WithReconnectDelay(0))
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			start := time.Now()
			reply, err := client.Submit(ctx, outbound, payload, inbound, timeout, bridge.WithSubmitMode(submitMode))
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(reply.Body, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "reply on %s after %v (correlation id %q)\n",
				reply.Destination, time.Since(start).Round(time.Millisecond), reply.CorrelationID)
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&outbound, "to", "", "Destination to publish the request to")
	cmd.Flags().StringVar(&inbound, "reply-on", "", "Destination the reply arrives on")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "How long to wait for the reply (default REQUEST_TIMEOUT, else 15s)")
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "JSON object to send")
	cmd.Flags().StringVar(&mode, "mode", "", "Reply matching: correlated or first-reply (default from config)")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("reply-on")

	return cmd
}

func newPingCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Connect to the broker and report readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)

			client, err := newClient(cfg, logger, mmate.WithReconnectDelay(0))
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), client.Connection().ConnectTimeout())
			defer cancel()

			start := time.Now()
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("broker %s unreachable: %w", client.Connection().Endpoint(), err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "broker %s (%s) is %s, ready=%t, took %v\n",
				client.Connection().Endpoint(),
				cfg.Broker.Type,
				client.Connection().State(),
				client.IsReady(),
				time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
