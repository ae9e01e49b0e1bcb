package charon

import (
	"errors"
	"log/slog"

	"github.com/meigma/charon/cache"
)

// Option configures a Service.
type Option func(*Service) error

// WithLogger sets the logger for request lifecycle events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}

// WithMaxConcurrentJobs bounds the number of requests running at once.
// Defaults to runtime.GOMAXPROCS(0).
func WithMaxConcurrentJobs(n int) Option {
	return func(s *Service) error {
		if n < 1 {
			return errors.New("charon: max concurrent jobs must be >= 1")
		}
		s.maxJobs = n
		return nil
	}
}

// WithMaxEntrySize limits the size of a single entry read into memory.
// Larger entries fail their request with ErrEntryTooLarge.
// Set limit to 0 to disable the limit. Defaults to core.DefaultMaxEntrySize.
func WithMaxEntrySize(limit uint64) Option {
	return func(s *Service) error {
		s.maxEntrySize = limit
		return nil
	}
}

// WithCache serves entries from c and fills it on misses.
//
// Entries are only cached when the file's engine can describe them
// (core.Stater); cached content is checked against the entry's CRC-32.
func WithCache(c cache.Cache) Option {
	return func(s *Service) error {
		s.cache = c
		return nil
	}
}
