package repository

import "github.com/okian/trustrep/pkg/logger"

// Option applies a configuration option to the SQLStore.
type Option func(*SQLStore)

// WithAutoMigrate controls whether NewSQLStore migrates to the latest schema.
func WithAutoMigrate(enabled bool) Option {
	return func(s *SQLStore) {
		s.autoMigrate = enabled
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *SQLStore) {
		if l != nil {
			s.log = l
		}
	}
}
