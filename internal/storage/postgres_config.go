package storage

import "time"

// PostgresConfig captures pool sizing for the Postgres-backed repository.
type PostgresConfig struct {
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

func defaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxConnections:      8,
		MinConnections:      0,
		MaxConnLifetime:     30 * time.Minute,
		MaxConnIdleTime:     5 * time.Minute,
		HealthCheckInterval: time.Minute,
		AcquireTimeout:      5 * time.Second,
		ApplicationName:     "mentorlive",
	}
}
