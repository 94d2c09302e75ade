// Package migrations embeds the cloud backend schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists migrations in apply order.
var Files = []string{
	"001_create_xp_ledger.sql",
	"002_create_activity_posts.sql",
	"003_create_stats_deltas.sql",
}
