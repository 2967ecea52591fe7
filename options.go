package fwup

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tocurd/go-fwup/flash"
)

// Progress is a snapshot of a session, reported after every chunk.
type Progress struct {
	State    State
	Received uint32
	Expected uint32
}

// Percentage returns how much of the declared total has been programmed.
func (p Progress) Percentage() float64 {
	if p.Expected == 0 {
		return 0
	}
	return float64(p.Received) / float64(p.Expected) * 100
}

// ProgressFunc is called synchronously from the session; it should return
// quickly.
type ProgressFunc func(Progress)

type config struct {
	Logger logrus.FieldLogger

	// Capacity is the largest total a header may declare.
	Capacity uint32

	// HeaderReassembly buffers a header split across transport chunks
	// instead of dropping it.
	HeaderReassembly bool

	// ProgressReplies sends HEADER_OK, ERASE_START and ERASE_DONE in
	// addition to the final OK.
	ProgressReplies bool

	Progress ProgressFunc
}

func defaultConfig() config {
	return config{
		Logger:   logrus.StandardLogger(),
		Capacity: flash.MaxAddress + 1,
	}
}

// Option configures a Session.
type Option func(*config)

// WithLogger sets the session logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithCapacity limits the declared total to the size of the flash part.
// Values above the 3-byte address space are clamped to it.
func WithCapacity(n uint32) Option {
	return func(c *config) {
		if n > 0 && n <= flash.MaxAddress+1 {
			c.Capacity = n
		}
	}
}

// WithHeaderReassembly enables buffering of a header that arrives split
// across chunks.
func WithHeaderReassembly(on bool) Option {
	return func(c *config) {
		c.HeaderReassembly = on
	}
}

// WithProgressReplies enables the HEADER_OK / ERASE_START / ERASE_DONE
// status messages.
func WithProgressReplies(on bool) Option {
	return func(c *config) {
		c.ProgressReplies = on
	}
}

// WithProgress sets a callback run after every consumed chunk.
func WithProgress(fn ProgressFunc) Option {
	return func(c *config) {
		c.Progress = fn
	}
}

type serverConfig struct {
	Logger     logrus.FieldLogger
	BufferSize int
	IdleSleep  time.Duration
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Logger:     logrus.StandardLogger(),
		BufferSize: 4096,
		IdleSleep:  time.Millisecond,
	}
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

// WithServerLogger sets the server logger.
func WithServerLogger(l logrus.FieldLogger) ServerOption {
	return func(c *serverConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithBufferSize sets the largest chunk read from the transport at once.
func WithBufferSize(n int) ServerOption {
	return func(c *serverConfig) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

// WithIdleSleep sets the pause after a poll that returned no bytes.
func WithIdleSleep(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		if d >= 0 {
			c.IdleSleep = d
		}
	}
}
