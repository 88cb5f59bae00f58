// Package migrations holds the SQL migrations applied to every tenant schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
