package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportBoundaryError sends an error to Sentry if it is worth a human's
// attention. Network failures are routine on an offline-capable client and
// are deliberately not reported; malformed responses and storage corruption
// are.
func ReportBoundaryError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if Classify(err) == KindNetwork {
		return
	}
	GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
}
