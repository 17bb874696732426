package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ceuplanner/config"
)

func newConfigCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create a configuration file with guided setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := o.resolvedConfigPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
			}
			cfg := runSetup(bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout())
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.WriteDefault(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	})

	var checkURLs bool
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.loadApp(false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration is valid")
			if !a.cfg.AuthConfigured() {
				fmt.Fprintln(out, "Authentication is not configured; requests are sent anonymously")
			}
			if !checkURLs {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := o.httpClient
			if client == nil {
				client = &http.Client{Timeout: 5 * time.Second}
			}
			targets := []string{a.cfg.APIBaseURL}
			if a.cfg.AuthConfigured() {
				targets = append(targets, a.cfg.AuthorizeEndpoint())
			}
			if a.cfg.Cognito.Issuer != "" {
				targets = append(targets, strings.TrimSuffix(a.cfg.Cognito.Issuer, "/")+"/.well-known/openid-configuration")
			}
			var failed bool
			for _, target := range targets {
				if err := checkURL(ctx, client, target); err != nil {
					a.logger.Warn("url not reachable", "url", target, "error", err)
					fmt.Fprintf(out, "unreachable: %s (%v)\n", target, err)
					failed = true
					continue
				}
				fmt.Fprintf(out, "reachable:   %s\n", target)
			}
			if failed {
				return errors.New("some configured URLs are not reachable")
			}
			return nil
		},
	}
	validate.Flags().BoolVar(&checkURLs, "check-urls", false, "Also check that configured endpoints respond")
	cmd.AddCommand(validate)

	return cmd
}

// checkURL reports whether target answers at all. Any status below 500 counts,
// since most endpoints reject a bare GET.
func checkURL(ctx context.Context, client *http.Client, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(reader *bufio.Reader, out io.Writer) config.Config {
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	cfg := config.Default()
	cfg.APIBaseURL = strings.TrimSuffix(ask(reader, out, "Planner API base URL", cfg.APIBaseURL), "/")
	cfg.AppOrigin = strings.TrimSuffix(ask(reader, out, "App origin", cfg.AppOrigin), "/")

	if askYesNo(reader, out, "Sign in with a hosted identity provider?", true) {
		cfg.Cognito.Domain = config.NormalizeDomain(askRequired(reader, out, "Identity domain (e.g. auth.example.com)"))
		cfg.Cognito.ClientID = askRequired(reader, out, "App client ID")
		cfg.Cognito.RedirectURI = ask(reader, out, "Redirect URI", cfg.AppOrigin+"/auth/callback")
		cfg.Cognito.LogoutURI = ask(reader, out, "Logout URI", cfg.AppOrigin)
		cfg.Cognito.Scope = ask(reader, out, "Scopes", cfg.Cognito.Scope)
		cfg.Cognito.Issuer = ask(reader, out, "Token issuer for ID token verification (optional)", "")
	} else {
		cfg.Cognito.RedirectURI = cfg.AppOrigin + "/auth/callback"
		cfg.Cognito.LogoutURI = cfg.AppOrigin
	}
	return cfg
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter 'y' or 'n'.")
	}
}
