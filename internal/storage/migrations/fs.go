// Package migrations embeds the ordered schema migration steps. Each
// version step is strictly additive: the schema at version N is a superset
// of version N-1.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
