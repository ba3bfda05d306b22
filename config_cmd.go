package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"idserver/server"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(opts.configPath); err == nil {
				return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", opts.configPath)
			}
			cfg := runSetup(newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()), opts.configPath)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := writeConfigFile(opts.configPath, cfg); err != nil {
				return err
			}
			opts.logger.Info("configuration initialized", "path", opts.configPath)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and probe upstream providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, opts.logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if !checkProviderURLs(ctx, cfg, opts.logger, true) {
				return errors.New("one or more providers are unreachable")
			}
			opts.logger.Info("configuration is valid", "path", opts.configPath)
			return nil
		},
	})
	return cmd
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run 'idserver config init' to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

// checkProviderURLs fetches the discovery document of every configured
// upstream provider. It reports whether all of them answered.
func checkProviderURLs(ctx context.Context, cfg server.Config, logger *slog.Logger, strict bool) bool {
	names := []string{"auth0", "entra"}
	for name := range cfg.Providers.Extra {
		names = append(names, name)
	}
	sort.Strings(names[2:])

	client := &http.Client{Timeout: 5 * time.Second}
	ok := true
	for _, name := range names {
		p := cfg.Provider(name)
		if p == nil || p.Issuer == "" || p.ClientID == "" {
			continue
		}
		wellKnown := p.Issuer + "/.well-known/openid-configuration"
		if err := probeURL(ctx, client, wellKnown); err != nil {
			ok = false
			level := slog.LevelWarn
			if strict {
				level = slog.LevelError
			}
			logger.Log(ctx, level, "provider discovery unreachable", "provider", name, "url", wellKnown, "error", err)
			continue
		}
		logger.Info("provider discovery reachable", "provider", name, "issuer", p.Issuer)
	}
	return ok
}

func probeURL(ctx context.Context, client *http.Client, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
