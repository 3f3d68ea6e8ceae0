package taskloop

import "github.com/joeycumines/logiface"

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger             *logiface.Logger[logiface.Event]
	unhandledRejection func(reason Result)
	metricsEnabled     bool
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger wires structured logging into the Loop. The logger observes
// recovered callback panics, unhandled rejections, worker faults, and
// lifecycle transitions. A nil logger is valid and disables logging, which
// is also the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop.
// When enabled, metrics can be accessed via Loop.Metrics().
// This adds minimal overhead (e.g., record latency after each task, update
// queue depths). Disabled by default.
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithUnhandledRejection registers fn to observe rejections, including
// cancellations, that settle with no rejection handler attached. fn runs on
// the loop goroutine. Independently of fn, unhandled rejections are logged
// through the configured logger. An unhandled rejection is never fatal to
// the loop.
func WithUnhandledRejection(fn func(reason Result)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.unhandledRejection = fn
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
