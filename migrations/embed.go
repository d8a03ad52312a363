// Package migrations embeds the schema applied to every practice.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
