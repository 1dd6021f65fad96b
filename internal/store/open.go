package store

import "fmt"

// Open creates a Store for the configured driver.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite3", "":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
