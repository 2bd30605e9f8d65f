package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/cli/healthupctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("HEALTHUP_CLI_TIMEOUT")), 10*time.Second)
	options := healthupctl.Options{
		BaseURL:   envOr("HEALTHUP_API_URL", "http://localhost:8080"),
		APIKey:    strings.TrimSpace(os.Getenv("HEALTHUP_API_KEY")),
		AccountID: strings.TrimSpace(os.Getenv("HEALTHUP_ACCOUNT_ID")),
		Timeout:   timeout,
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}

	// Interrupt cancels the context so an open chat stream shuts down
	// cleanly instead of dying mid-event.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	code := healthupctl.Run(ctx, os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid HEALTHUP_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
