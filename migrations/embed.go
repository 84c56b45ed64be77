// Package migrations embeds the versioned SQL migration suite so the
// durable store can apply it on connect.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
