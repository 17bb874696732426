package auth

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// Navigator hands a URL to the user agent. A successful Navigate means the
// user has been sent away; nothing further happens in-process for that flow.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, url string) error

func (f NavigatorFunc) Navigate(ctx context.Context, url string) error {
	return f(ctx, url)
}

// BrowserNavigator opens URLs in the system's default browser.
type BrowserNavigator struct{}

// Navigate starts the platform browser opener without waiting for it.
func (BrowserNavigator) Navigate(_ context.Context, url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
