package config

import "time"

type PostgresConfig struct {
	// libpq key/value pairs, e.g. host, port, user, password, dbname, sslmode
	Connection map[string]string `validate:"required"`
	// How long a transaction waits for a per-cluster row lock before giving up
	LockTimeout time.Duration `validate:"required"`
	MaxConns    int32
}
