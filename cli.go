package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"ceuplanner/api"
	"ceuplanner/auth"
	"ceuplanner/callback"
	"ceuplanner/config"
	"ceuplanner/gateway"
	"ceuplanner/storage"
)

// options carries global flags and the process surroundings. Tests replace
// the browser and HTTP client.
type options struct {
	configPath  string
	logLevel    string
	showMetrics bool

	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
	browser    auth.Navigator
	httpClient *http.Client
}

func defaultOptions() *options {
	return &options{
		configPath: os.Getenv("CEUPLANNER_CONFIG"),
		stdin:      os.Stdin,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		browser:    auth.BrowserNavigator{},
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "./config.yaml"
	}
	return filepath.Join(dir, "ceuplanner", "config.yaml")
}

func (o *options) resolvedConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return defaultConfigPath()
}

// app is the wired client for one command invocation.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	manager  *auth.Manager
	gateway  *gateway.Gateway
	client   *api.Client
	registry *prometheus.Registry
}

// loadApp resolves configuration and wires storage, auth and the gateway.
// Interactive commands open the browser; the others only tell the user to
// sign in when the session cannot be recovered.
func (o *options) loadApp(interactive bool) (*app, error) {
	level, err := parseLogLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}
	logger := newLogger(o.stderr, level)
	slog.SetDefault(logger)

	path := o.resolvedConfigPath()
	logger.Debug("loading config", "path", path)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel == "" && cfg.LogLevel != "" {
		level, err = parseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
		}
		logger = newLogger(o.stderr, level)
		slog.SetDefault(logger)
	}

	durable, err := storage.NewFileStorage(cfg.TokenFile, logger)
	if err != nil {
		return nil, err
	}

	var nav auth.Navigator = promptNavigator{w: o.stderr}
	if interactive {
		nav = callback.Navigator(o.browser)
	}

	registry := prometheus.NewRegistry()
	authOpts := []auth.Option{auth.WithLogger(logger)}
	gwOpts := []gateway.Option{gateway.WithLogger(logger), gateway.WithRegisterer(registry)}
	if o.httpClient != nil {
		authOpts = append(authOpts, auth.WithHTTPClient(o.httpClient))
		gwOpts = append(gwOpts, gateway.WithHTTPClient(o.httpClient))
	}

	m := auth.NewManager(cfg, durable, storage.NewMemoryStorage(), nav, authOpts...)
	gw := gateway.New(cfg.APIBaseURL, m, gwOpts...)
	return &app{
		cfg:      cfg,
		logger:   logger,
		manager:  m,
		gateway:  gw,
		client:   api.New(gw),
		registry: registry,
	}, nil
}

// promptNavigator stands in for the browser in non-interactive commands.
type promptNavigator struct {
	w io.Writer
}

func (p promptNavigator) Navigate(context.Context, string) error {
	fmt.Fprintln(p.w, "Your session has expired. Run 'ceuplanner login' to sign in again.")
	return nil
}

func newRootCmd(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "ceuplanner",
		Short: "Track continuing education credits from the terminal",
		Long: `ceuplanner signs in to the CEU planner with your hosted identity
provider and calls the planner API with the stored session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(o.stdin)
	root.SetOut(o.stdout)
	root.SetErr(o.stderr)

	root.PersistentFlags().StringVar(&o.configPath, "config", o.configPath, "Path to YAML config (default is the user config dir)")
	root.PersistentFlags().StringVarP(&o.logLevel, "log-level", "l", o.logLevel, "Logging level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&o.showMetrics, "metrics", false, "Print API client metrics to stderr after the command")

	root.AddCommand(
		newLoginCmd(o),
		newLogoutCmd(o),
		newStatusCmd(o),
		newTokenCmd(o),
		newMeCmd(o),
		newProgressCmd(o),
		newRequestCmd(o),
		newUploadCmd(o),
		newPreviewCmd(o),
		newConfigCmd(o),
	)
	return root
}

func newLoginCmd(o *options) *cobra.Command {
	var returnTo string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in through the browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.loadApp(true)
			if err != nil {
				return err
			}
			return runLogin(cmd.Context(), a, returnTo, timeout, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&returnTo, "return-to", auth.DefaultReturnTo, "Path recorded as the post-login destination")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the browser to complete sign in")
	return cmd
}

func runLogin(ctx context.Context, a *app, returnTo string, timeout time.Duration, out io.Writer) error {
	if !a.manager.Configured() {
		return fmt.Errorf("%w: set cognito.domain and cognito.client_id", auth.ErrNotConfigured)
	}

	srv, err := callback.New(a.cfg.Cognito.RedirectURI, a.manager, a.logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	res := a.manager.BeginLogin(ctx, returnTo)
	if res.Err != nil {
		return res.Err
	}
	fmt.Fprintf(out, "If the browser did not open, visit:\n  %s\n", res.URL)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	dest, err := srv.Wait(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s waiting for sign in", timeout)
	}
	if err != nil {
		return err
	}

	if id, ok := a.manager.Identity(); ok {
		fmt.Fprintf(out, "Signed in as %s\n", displayName(id))
	} else {
		fmt.Fprintln(out, "Signed in")
	}
	a.logger.Debug("login complete", "return_to", dest)
	return nil
}

func displayName(id auth.Identity) string {
	switch {
	case id.Email != "":
		return id.Email
	case id.Name != "":
		return id.Name
	default:
		return id.Subject
	}
}

func newLogoutCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session and sign out of the identity provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.loadApp(true)
			if err != nil {
				return err
			}
			res := a.manager.Logout(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			if res.Err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Finish signing out at:\n  %s\n", res.URL)
			}
			return nil
		},
	}
}

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.loadApp(false)
			if err != nil {
				return err
			}
			writeStatus(cmd.OutOrStdout(), a, time.Now())
			return nil
		},
	}
}

func writeStatus(out io.Writer, a *app, now time.Time) {
	fmt.Fprintf(out, "API:            %s\n", a.cfg.APIBaseURL)
	if !a.manager.Configured() {
		fmt.Fprintln(out, "Authentication: not configured (anonymous)")
		return
	}
	fmt.Fprintf(out, "Authentication: %s (client %s)\n", a.cfg.Cognito.Domain, a.cfg.Cognito.ClientID)

	tokens := a.manager.Tokens().Load()
	switch {
	case tokens == nil:
		fmt.Fprintln(out, "Session:        none")
	case auth.IsFresh(tokens, now):
		fmt.Fprintf(out, "Session:        active until %s\n", tokens.ExpiresAt.Local().Format(time.RFC3339))
	case tokens.RefreshToken != "":
		fmt.Fprintln(out, "Session:        expired, will refresh on next request")
	default:
		fmt.Fprintln(out, "Session:        expired")
	}
	if id, ok := a.manager.Identity(); ok {
		fmt.Fprintf(out, "Signed in as:   %s\n", displayName(id))
	}
}

func newTokenCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token, refreshing it if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.loadApp(false)
			if err != nil {
				return err
			}
			if !a.manager.Configured() {
				return auth.ErrNotConfigured
			}
			token, ok := a.manager.ValidAccessToken(cmd.Context())
			if !ok {
				return errAuthRequired
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func newMeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the signed in planner user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.loadApp(false)
			if err != nil {
				return err
			}
			defer o.printMetrics(a)
			me, err := a.client.Me(cmd.Context())
			if err != nil {
				return apiError(err, "Could not load your profile")
			}
			return printJSON(cmd.OutOrStdout(), me)
		},
	}
}

func newProgressCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show progress for every license cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := o.loadApp(false)
			if err != nil {
				return err
			}
			defer o.printMetrics(a)
			rows, err := a.client.Progress(cmd.Context())
			if err != nil {
				return apiError(err, "Could not load progress")
			}
			out := cmd.OutOrStdout()
			for _, r := range rows {
				fmt.Fprintf(out, "%-4s %s..%s  %s/%s h  %s%%  %-9s %d days left\n",
					r.StateCode, r.CycleStart, r.CycleEnd, r.EarnedHours, r.RequiredHours, r.Percent, r.Status, r.DaysRemaining)
				for _, w := range r.Warnings {
					fmt.Fprintf(out, "     warning: %s (%s)\n", w.Kind, w.CourseTitle)
				}
			}
			return nil
		},
	}
}

func newRequestCmd(o *options) *cobra.Command {
	var data, dataFile string
	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send an authenticated request to the planner API",
		Example: `  ceuplanner request GET /api/state-licenses
  ceuplanner request PATCH /api/courses/123 --data '{"hours":"2.5"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := requestBody(data, dataFile)
			if err != nil {
				return err
			}
			a, err := o.loadApp(false)
			if err != nil {
				return err
			}
			defer o.printMetrics(a)

			var out json.RawMessage
			if err := a.gateway.Do(cmd.Context(), strings.ToUpper(args[0]), args[1], body, &out); err != nil {
				return apiError(err, "Request failed")
			}
			if len(out) == 0 {
				return nil
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "Read the JSON request body from a file")
	return cmd
}

func requestBody(data, dataFile string) (*gateway.Payload, error) {
	if data != "" && dataFile != "" {
		return nil, errors.New("use either --data or --data-file, not both")
	}
	raw := []byte(data)
	if dataFile != "" {
		b, err := os.ReadFile(dataFile)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("request body is not valid JSON")
	}
	return &gateway.Payload{ContentType: "application/json", Data: raw}, nil
}

func newUploadCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "upload COURSE_ID FILE",
		Short: "Attach a certificate file to a course",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := o.loadApp(false)
			if err != nil {
				return err
			}
			defer o.printMetrics(a)
			cert, err := a.client.UploadCertificate(cmd.Context(), args[0], filepath.Base(args[1]), f)
			if err != nil {
				return apiError(err, "Could not upload certificate")
			}
			return printJSON(cmd.OutOrStdout(), cert)
		},
	}
}

func newPreviewCmd(o *options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "preview COURSE_ID CERTIFICATE_ID",
		Short: "Download an image certificate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.loadApp(false)
			if err != nil {
				return err
			}
			defer o.printMetrics(a)
			ctx := cmd.Context()

			certs, err := a.client.ListCertificates(ctx, args[0])
			if err != nil {
				return apiError(err, "Could not load certificates")
			}
			var cert *api.Certificate
			for i := range certs {
				if certs[i].ID == args[1] {
					cert = &certs[i]
					break
				}
			}
			if cert == nil {
				return fmt.Errorf("certificate %s not found on course %s", args[1], args[0])
			}

			blob, err := a.client.CertificatePreview(ctx, *cert)
			if err != nil {
				return apiError(err, "Could not load preview")
			}
			defer blob.Close()

			dest := output
			if dest == "" {
				dest = filepath.Base(cert.Filename)
			}
			if err := copyFile(blob.Path, dest); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s, %d bytes)\n", dest, blob.ContentType, blob.Size)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Where to save the image (default is the certificate file name)")
	return cmd
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return out.Close()
}

// apiError turns a gateway failure into a user-facing error. A 401 maps to
// errAuthRequired for the exit code.
func apiError(err error, fallback string) error {
	if gateway.IsUnauthorized(err) {
		return fmt.Errorf("%w: %s", errAuthRequired, api.ErrorMessage(err, "unauthorized"))
	}
	var netErr *auth.NetworkError
	if errors.As(err, &netErr) {
		return err
	}
	if errors.Is(err, api.ErrNotPreviewable) {
		return err
	}
	return errors.New(api.ErrorMessage(err, fallback))
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// printMetrics writes the gateway's request metrics when --metrics is set.
func (o *options) printMetrics(a *app) {
	if !o.showMetrics {
		return
	}
	families, err := a.registry.Gather()
	if err != nil {
		a.logger.Warn("gather metrics failed", "error", err)
		return
	}
	enc := expfmt.NewEncoder(o.stderr, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			a.logger.Warn("write metrics failed", "error", err)
			return
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		_ = closer.Close()
	}
}
