package config

import "time"

type PostgresConfig struct {
	MaxOpenConns    int32
	MaxIdleConns    int32
	ConnMaxLifetime time.Duration
	// libpq key/value pairs, e.g. host, port, user, password, dbname, sslmode
	Connection map[string]string
}
