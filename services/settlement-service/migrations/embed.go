// Package migrations embeds the settlement schema for goose.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
