package retime

import "go.uber.org/zap"

// Option configures Reset and Adjuster.
type Option func(*options)

type options struct {
	log *zap.Logger
}

// WithLogger sets the logger used for debug events. The default discards
// everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func newOptions(opts []Option) options {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
