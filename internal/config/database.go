// internal/config/database.go
package config

import (
	"fmt"
)

// DSN renders a libpq keyword/value string for the pgx driver. Timestamps are
// stored in UTC so custody records compare across regions.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}
