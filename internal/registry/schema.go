package registry

import (
	"context"
	"fmt"

	"github.com/questbored/xpcore/internal/database"
)

// EnsureSchema creates the character and account tables plus their indexes
// when they do not exist yet. Everything runs in one transaction, so a
// half-created schema never survives a failure. minLevel seeds the default
// for the level column.
func (r *Repository) EnsureSchema(ctx context.Context, minLevel int) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			character_id       BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			character_name     TEXT NOT NULL,
			character_color    INTEGER,
			character_image    TEXT,
			total_xp           BIGINT NOT NULL DEFAULT 0,
			roleplay_xp        BIGINT NOT NULL DEFAULT 0,
			level              INTEGER NOT NULL DEFAULT %[3]d,
			level_notification BOOLEAN NOT NULL DEFAULT TRUE,
			words_cached       BIGINT NOT NULL DEFAULT 0,
			owner_id           BIGINT NOT NULL,
			pool_id            BIGINT NOT NULL,
			active_on_account  BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_pool ON %[1]s (pool_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_active ON %[1]s (active_on_account);
		CREATE TABLE IF NOT EXISTS %[2]s (
			account_id BIGINT PRIMARY KEY,
			pool_id    BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_pool ON %[2]s (pool_id)
	`, r.chars, r.accts, minLevel)
	return r.db.Commit(ctx, database.Stmt(ddl))
}
