package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/console"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/twilio"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels/whatsapp"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/copilot"
	"github.com/jholhewres/leadclaw/pkg/leadclaw/gateway"
)

// newServeCmd creates `leadclaw serve`, the long-running service.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant with its messaging channels",
		Long: `Start LeadClaw as a service: connect the enabled channels, serve the
Twilio webhooks and the operations API, and process messages until
interrupted.

Examples:
  leadclaw serve
  leadclaw serve --channel twilio
  leadclaw serve --channel whatsapp --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (twilio, whatsapp, console)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg.Logging, os.Stdout)
	slog.SetDefault(logger)
	if path != "" {
		logger.Info("config loaded", "path", path)
	}

	copilot.AuditSecrets(cfg, logger)
	if vault := copilot.ResolveSecrets(cfg, logger); vault != nil {
		defer vault.Lock()
	}

	assistant, err := copilot.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating assistant: %w", err)
	}

	filter, _ := cmd.Flags().GetStringSlice("channel")
	var wa *whatsapp.WhatsApp
	registered := 0

	if shouldEnable("twilio", filter, cfg) {
		if err := assistant.ChannelManager().Register(twilio.New(cfg.Channels.Twilio, logger)); err != nil {
			return err
		}
		registered++
		logger.Info("twilio channel registered", "from", cfg.Channels.Twilio.From)
	}
	if shouldEnable("whatsapp", filter, cfg) {
		wa = whatsapp.New(cfg.Channels.WhatsApp, logger)
		if err := assistant.ChannelManager().Register(wa); err != nil {
			return err
		}
		registered++
		logger.Info("whatsapp channel registered")
	}
	if shouldEnable("console", filter, cfg) {
		if err := assistant.ChannelManager().Register(console.New(cfg.Channels.Console)); err != nil {
			return err
		}
		registered++
	}
	if registered == 0 {
		return errors.New("no channel enabled; set channels.enabled or pass --channel")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if wa != nil {
		go printQRCodes(ctx, wa)
	}

	if err := assistant.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	gw := gateway.New(assistant, cfg.Gateway, logger)
	if err := gw.Start(ctx); err != nil {
		assistant.Stop()
		return fmt.Errorf("starting gateway: %w", err)
	}

	logger.Info("LeadClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"channels", assistant.ChannelManager().Names(),
		"categories", len(cfg.Catalog.Categories),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := gw.Stop(context.Background()); err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}
		assistant.Stop()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(cfg.Gateway.ShutdownTimeout + 5*time.Second):
		logger.Warn("shutdown timed out, forcing exit")
	}
	return nil
}

// printQRCodes shows pairing codes on stdout until the device is linked.
func printQRCodes(ctx context.Context, wa *whatsapp.WhatsApp) {
	events, unsubscribe := wa.SubscribeQR()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Type {
			case "code":
				fmt.Println()
				fmt.Println("Scan this code in WhatsApp > Linked devices:")
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
				fmt.Printf("(valid for %ds)\n\n", evt.SecondsLeft)
			case "success":
				fmt.Println("WhatsApp linked.")
				return
			case "timeout", "error":
				fmt.Printf("WhatsApp pairing: %s %s\n", evt.Type, evt.Message)
			}
		}
	}
}
