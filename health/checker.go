package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type ProbeParams struct {
	URL      string
	Attempts int
	Interval time.Duration
	Timeout  time.Duration
}

const (
	defaultAttempts = 10
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
)

// Probe polls the health endpoint until it answers with a 2xx status or
// the attempts run out. Replaces the fixed sleep-then-check of a shell
// deploy with a bounded retry loop.
func Probe(ctx context.Context, params ProbeParams, logger zerolog.Logger) error {
	if params.Attempts <= 0 {
		params.Attempts = defaultAttempts
	}
	if params.Interval <= 0 {
		params.Interval = defaultInterval
	}
	if params.Timeout <= 0 {
		params.Timeout = defaultTimeout
	}

	client := &http.Client{Timeout: params.Timeout}
	logger = logger.With().Str("url", params.URL).Logger()

	var lastErr error
	for attempt := 1; attempt <= params.Attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = probeOnce(ctx, client, params.URL)
		if lastErr == nil {
			logger.Info().Int("attempt", attempt).Msg("health check passed")
			return nil
		}

		logger.Debug().Err(lastErr).Int("attempt", attempt).Msg("health check attempt failed")
		if attempt == params.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(params.Interval):
		}
	}

	return fmt.Errorf("health check failed after %d attempts: %w", params.Attempts, lastErr)
}

func probeOnce(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
