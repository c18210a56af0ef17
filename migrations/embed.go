// Package migrations embeds the SQL schema migrations so the binary can apply
// them without the source tree.
package migrations

import "embed"

// FS holds every *.sql migration, named NNNNNN_description.{up,down}.sql.
//
//go:embed *.sql
var FS embed.FS
