package engine

import (
	"time"

	"github.com/1ureka/duet/internal/media"
	"github.com/1ureka/duet/internal/transport"
)

// DefaultSettleDelay is how long the initiator waits after subscribing
// before it publishes the offer.
const DefaultSettleDelay = 500 * time.Millisecond

type options struct {
	source             media.Source
	factory            transport.Factory
	settleDelay        time.Duration
	diagnostics        Diagnostics
	candidateRetries   int
	negotiationTimeout time.Duration
}

// Option customizes an Engine.
type Option func(*options)

// WithMediaSource replaces the default synthetic media source.
func WithMediaSource(s media.Source) Option {
	return func(o *options) { o.source = s }
}

// WithConnFactory replaces the default pion factory.
func WithConnFactory(f transport.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithSettleDelay sets how long the initiator waits before offering.
func WithSettleDelay(d time.Duration) Option {
	return func(o *options) { o.settleDelay = d }
}

// WithDiagnostics routes engine events to d instead of the debug log.
func WithDiagnostics(d Diagnostics) Option {
	return func(o *options) { o.diagnostics = d }
}

// WithCandidateRetryLimit drops a remote candidate after it failed to apply
// n times. Zero retries forever.
func WithCandidateRetryLimit(n int) Option {
	return func(o *options) { o.candidateRetries = n }
}

// WithNegotiationTimeout reports ErrNegotiationTimeout through OnError if
// the connection is not connected d after Initialize. Zero waits forever.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(o *options) { o.negotiationTimeout = d }
}
