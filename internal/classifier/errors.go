package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/local/defectscan/internal/scan"
)

// ErrCircuitOpen is returned while the endpoint's breaker is in cooldown.
var ErrCircuitOpen = errors.New("circuit open")

// HTTPError is a non-2xx answer from the prediction API.
type HTTPError struct {
	StatusCode int
	Body       string
	Endpoint   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

// ConfigError is a permanent misconfiguration.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("classifier config: %s", e.Message)
}

// shouldTrip reports whether the failure should cool the endpoint down:
// 429, 5xx and unreachable endpoints. err must already be classified.
func shouldTrip(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	var te *scan.TransientError
	return errors.As(err, &te) && te.Reason == "network"
}

// classify maps a raw failure onto the scan error taxonomy. Context
// cancellation passes through unchanged so the scan stops.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return scan.Transient("timeout", err)
	}
	if scan.IsTransient(err) {
		return err
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return scan.Transient("rate limited", err)
		case httpErr.StatusCode >= 500 && httpErr.StatusCode < 600:
			return scan.Transient("server error", err)
		default:
			return err
		}
	}

	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return scan.Transient("network", err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof") {
		return scan.Transient("network", err)
	}
	return err
}
