package storage

import (
	"time"
)

// Option configures either the JSON driver, the Postgres driver, or both.
type Option interface {
	applyJSON(*Storage)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	json func(*Storage)
	pg   func(*PostgresConfig)
}

func (o optionAdapter) applyJSON(store *Storage) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func jsonOnlyOption(json func(*Storage)) Option {
	return optionAdapter{json: json}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock overrides the time source. Intended for tests that assert usage
// accounting and wear ordering deterministically.
func WithClock(now func() time.Time) Option {
	return jsonOnlyOption(func(s *Storage) {
		if now != nil {
			s.nowFunc = now
		}
	})
}

// WithPersistOverride intercepts persistence for failure-injection tests.
func WithPersistOverride(persist func() error) Option {
	return jsonOnlyOption(func(s *Storage) {
		if persist != nil {
			s.persistOverride = func(dataset) error { return persist() }
		}
	})
}

// WithPostgresPoolLimits bounds the pgx pool size.
func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresPoolDurations tunes connection lifetimes and health checking.
func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

// WithPostgresAcquireTimeout bounds how long the repository waits for a
// connection from the pool. The same deadline covers statements issued with
// that connection.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

// WithPostgresApplicationName sets the application_name reported to Postgres.
func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.ApplicationName = name
	})
}
