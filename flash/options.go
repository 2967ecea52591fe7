package flash

import (
	"time"

	"github.com/sirupsen/logrus"
)

type config struct {
	// ReadyTimeout bounds WaitUntilReady. A 4 KiB erase takes up to 800 ms
	// on the slowest parts in the table.
	ReadyTimeout time.Duration

	// PollInterval is the pause between two status reads.
	PollInterval time.Duration

	Logger logrus.FieldLogger
}

func defaultConfig() config {
	return config{
		ReadyTimeout: 3 * time.Second,
		PollInterval: 100 * time.Microsecond,
		Logger:       logrus.StandardLogger(),
	}
}

// Option configures a Device.
type Option func(*config)

// WithReadyTimeout sets how long WaitUntilReady polls before giving up.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.ReadyTimeout = d
		}
	}
}

// WithPollInterval sets the pause between status polls. Zero polls back to
// back.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.PollInterval = d
		}
	}
}

// WithLogger sets the logger used for erase and timeout diagnostics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) {
		if l != nil {
			c.Logger = l
		}
	}
}
