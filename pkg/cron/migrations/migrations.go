// Package migrations embeds the tenant schema needed by the cron
// scheduler.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
