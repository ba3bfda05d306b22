package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"idserver/server"
)

func newConnectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <provider>",
		Short: "Check that an upstream provider's login page is reachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath, opts.logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := runConnect(ctx, cfg, opts.logger, args[0], nil, nil); err != nil {
				opts.logger.Error("provider connectivity failed", "provider", args[0], "error", err)
				return err
			}
			return nil
		},
	}
}

// runConnect follows the authorization redirect chain of providerName and
// fails unless it ends on a 2xx page.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, providerName string, providers map[string]server.IdentityProvider, httpClient *http.Client) error {
	if providerName == "" {
		return errors.New("provider name required")
	}
	if providers == nil {
		var err error
		providers, err = server.BuildProviders(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("build providers: %w", err)
		}
	}
	provider, ok := providers[providerName]
	if !ok {
		return fmt.Errorf("provider %s not configured", providerName)
	}

	authURL := provider.AuthCodeURL(uuid.NewString(), uuid.NewString(), oauth2.GenerateVerifier())
	logger.Info("connect.start", "provider", providerName, "auth_url", authURL)

	client := &http.Client{Timeout: 30 * time.Second}
	if httpClient != nil {
		c := *httpClient
		client = &c
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	}

	logger.Info("connect.success", "provider", providerName)
	return nil
}
