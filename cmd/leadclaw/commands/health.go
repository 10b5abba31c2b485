package commands

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCmd creates `leadclaw health`, a health check against a running server.
// Used by the Docker HEALTHCHECK.
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server",
		Long:  `Query /health on the configured gateway address and exit non-zero when it is not healthy.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			url, _ := cmd.Flags().GetString("url")
			if url == "" {
				url = "http://" + probeAddress(cfg.Gateway.Address) + "/health"
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("server unreachable: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			fmt.Println(string(body))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: HTTP %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().String("url", "", "health URL (default: derived from gateway.address)")
	return cmd
}

// probeAddress turns a listen address into a dialable one.
func probeAddress(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
