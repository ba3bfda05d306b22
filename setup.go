package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"idserver/server"
)

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) readLine() (string, bool) {
	line, err := p.in.ReadString('\n')
	return strings.TrimSpace(line), err == nil || line != ""
}

func (p *prompter) ask(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", prompt)
	}
	input, _ := p.readLine()
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

// askRequired loops until a value is entered. An exhausted input returns "".
func (p *prompter) askRequired(prompt string) string {
	for {
		fmt.Fprintf(p.out, "%s: ", prompt)
		input, more := p.readLine()
		if input != "" || !more {
			return input
		}
		fmt.Fprintln(p.out, "This value is required. Please enter a value.")
	}
}

func (p *prompter) askYesNo(prompt string, def bool) bool {
	label := "Y/n"
	if !def {
		label = "y/N"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, label)
		input, more := p.readLine()
		switch strings.ToLower(input) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if !more {
			return def
		}
		fmt.Fprintln(p.out, "Please enter 'y' or 'n'.")
	}
}

func (p *prompter) askChoice(prompt string, choices []string, def string) string {
	for {
		answer := strings.ToLower(p.ask(fmt.Sprintf("%s (%s)", prompt, strings.Join(choices, "/")), def))
		for _, c := range choices {
			if answer == c {
				return c
			}
		}
		fmt.Fprintf(p.out, "Please choose one of %s.\n", strings.Join(choices, ", "))
	}
}

// runSetup builds a configuration from the operator's answers.
func runSetup(p *prompter, path string) server.Config {
	fmt.Fprintf(p.out, "Creating %s. Press Enter to accept defaults.\n", path)
	cfg := server.DefaultConfig()

	cfg.Server.DevMode = p.askYesNo("Run in development mode?", true)
	if cfg.Server.DevMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.ask("Public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.ask("Listen address", cfg.Server.DevListenAddr)
	} else {
		domain := strings.TrimSuffix(p.askRequired("Public domain (e.g. id.example.com)"), "/")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + domain
		cfg.Server.TLS.Email = p.ask("ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	client := server.ClientConfig{
		ClientID:     p.ask("Client ID", "webapp"),
		RedirectURIs: normalizeList(p.ask("Client redirect URIs (comma separated)", "http://127.0.0.1:3000/callback"), []string{"http://127.0.0.1:3000/callback"}),
		Scopes:       []string{"openid", "profile", "email"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		RequirePKCE:  true,
	}
	if p.askYesNo("Is the client confidential (server side)?", true) {
		client.ClientSecret = randomSecret()
		fmt.Fprintf(p.out, "Generated client secret: %s\n", client.ClientSecret)
	}
	cfg.Clients = []server.ClientConfig{client}

	switch p.askChoice("Sign users in with", []string{"local", "entra", "auth0"}, "local") {
	case "local":
		login := p.ask("Local account login", "admin")
		password := p.askRequired("Local account password")
		owner := server.ResourceOwnerConfig{Login: login, Claims: map[string]any{"name": login}}
		if hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost); err == nil {
			owner.PasswordHash = string(hash)
		} else {
			owner.Password = password
		}
		cfg.ResourceOwners = []server.ResourceOwnerConfig{owner}
	case "entra":
		cfg.Providers.Default = "entra"
		cfg.Providers.Entra = server.UpstreamProvider{
			Issuer:       "https://login.microsoftonline.com/common/v2.0",
			TenantID:     p.askRequired("Microsoft Entra tenant ID"),
			ClientID:     p.askRequired("App registration client ID"),
			ClientSecret: p.askRequired("App registration client secret"),
		}
	case "auth0":
		domain := strings.TrimSuffix(strings.TrimPrefix(p.askRequired("Auth0 domain (e.g. tenant.eu.auth0.com)"), "https://"), "/")
		cfg.Providers.Default = "auth0"
		cfg.Providers.Auth0 = server.UpstreamProvider{
			Issuer:       "https://" + domain + "/",
			ClientID:     p.askRequired("Auth0 application client ID"),
			ClientSecret: p.askRequired("Auth0 application client secret"),
		}
	}
	return cfg
}

func normalizeList(input string, fallback []string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func randomSecret() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
