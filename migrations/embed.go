// Package migrations holds the SQL migrations for the deployment history
// store.
package migrations

import "embed"

// FS contains every *.sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS
