// Package migrations embeds the database schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Schema returns the initial schema.
func Schema() (string, error) {
	b, err := FS.ReadFile("001_init.sql")
	return string(b), err
}
