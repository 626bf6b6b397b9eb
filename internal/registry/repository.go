package registry

import (
	"context"
	"fmt"

	"github.com/questbored/xpcore/internal/database"
	"github.com/questbored/xpcore/internal/models"
)

// Execer is the slice of the database manager the registry uses.
type Execer interface {
	Fetch(ctx context.Context, sql string, args ...any) ([]database.Row, error)
	Commit(ctx context.Context, stmts ...database.Statement) error
}

// characterColumns is the canonical select list; characterFromRow decodes
// rows in exactly this order.
const characterColumns = `character_id, character_name, character_color, character_image, total_xp, roleplay_xp, level, level_notification, words_cached, owner_id, pool_id, active_on_account`

// Repository issues every registry SQL statement. Table names come from
// configuration (validated to be plain identifiers) and are interpolated
// into the statement text; all values travel as positional arguments.
type Repository struct {
	db    Execer
	chars string
	accts string
}

func NewRepository(db Execer, characterTable, accountTable string) *Repository {
	return &Repository{db: db, chars: characterTable, accts: accountTable}
}

// Account returns the account row, or nil when the account has never been
// seen.
func (r *Repository) Account(ctx context.Context, id int64) (*models.Account, error) {
	rows, err := r.db.Fetch(ctx, fmt.Sprintf(`
		SELECT account_id, pool_id FROM %s WHERE account_id = $1
	`, r.accts), id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return accountFromRow(rows[0])
}

// CreateAccount inserts the account with its own singleton pool. Concurrent
// first-use races are absorbed: the insert is a no-op when the row already
// exists.
func (r *Repository) CreateAccount(ctx context.Context, id int64) error {
	return r.db.Commit(ctx, database.Stmt(fmt.Sprintf(`
		INSERT INTO %s (account_id, pool_id) VALUES ($1, $1)
		ON CONFLICT (account_id) DO NOTHING
	`, r.accts), id))
}

// AccountsInPool lists the accounts playing from the pool.
func (r *Repository) AccountsInPool(ctx context.Context, pool int64) ([]int64, error) {
	rows, err := r.db.Fetch(ctx, fmt.Sprintf(`
		SELECT account_id FROM %s WHERE pool_id = $1 ORDER BY account_id
	`, r.accts), pool)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(rows))
	for _, row := range rows {
		if len(row) != 1 {
			return nil, models.NewConsistencyError("account row has %d columns, want 1", len(row))
		}
		id, err := asInt64(row[0])
		if err != nil {
			return nil, fmt.Errorf("account_id: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}

// CharactersInPool lists every character in the pool.
func (r *Repository) CharactersInPool(ctx context.Context, pool int64) ([]*models.Character, error) {
	rows, err := r.db.Fetch(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE pool_id = $1 ORDER BY character_id
	`, characterColumns, r.chars), pool)
	if err != nil {
		return nil, err
	}
	return charactersFromRows(rows)
}

// ActiveCharacters lists the pool's characters currently active for the
// account. Pool surgery can leave a stale flag on a character in another
// pool; such rows do not count. The registry keeps this at one; more is a
// consistency violation the service reports.
func (r *Repository) ActiveCharacters(ctx context.Context, pool, account int64) ([]*models.Character, error) {
	rows, err := r.db.Fetch(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE pool_id = $1 AND active_on_account = $2 ORDER BY character_id
	`, characterColumns, r.chars), pool, account)
	if err != nil {
		return nil, err
	}
	return charactersFromRows(rows)
}

// CharactersByName lists pool characters matching the name, ignoring case.
func (r *Repository) CharactersByName(ctx context.Context, pool int64, name string) ([]*models.Character, error) {
	rows, err := r.db.Fetch(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE pool_id = $1 AND LOWER(character_name) = LOWER($2) ORDER BY character_id
	`, characterColumns, r.chars), pool, name)
	if err != nil {
		return nil, err
	}
	return charactersFromRows(rows)
}

// CharacterByID returns the character, or nil when absent.
func (r *Repository) CharacterByID(ctx context.Context, id int64) (*models.Character, error) {
	rows, err := r.db.Fetch(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE character_id = $1
	`, characterColumns, r.chars), id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return characterFromRow(rows[0])
}

// InsertActiveCharacter deactivates whatever the account had active and
// inserts the new character as active, one atomic group.
func (r *Repository) InsertActiveCharacter(ctx context.Context, name string, level int, owner, pool, account int64) error {
	return r.db.Commit(ctx,
		database.Stmt(fmt.Sprintf(`
			UPDATE %s SET active_on_account = 0 WHERE active_on_account = $1
		`, r.chars), account),
		database.Stmt(fmt.Sprintf(`
			INSERT INTO %s (character_name, total_xp, roleplay_xp, level, level_notification, words_cached, owner_id, pool_id, active_on_account)
			VALUES ($1, 0, 0, $2, TRUE, 0, $3, $4, $5)
		`, r.chars), name, level, owner, pool, account),
	)
}

// SwitchActive atomically moves the account's active flag to the character.
func (r *Repository) SwitchActive(ctx context.Context, account, characterID int64) error {
	return r.db.Commit(ctx,
		database.Stmt(fmt.Sprintf(`
			UPDATE %s SET active_on_account = 0 WHERE active_on_account = $1
		`, r.chars), account),
		database.Stmt(fmt.Sprintf(`
			UPDATE %s SET active_on_account = $1 WHERE character_id = $2
		`, r.chars), account, characterID),
	)
}

// UpdateFields applies pre-validated column changes as one statement.
func (r *Repository) UpdateFields(ctx context.Context, id int64, changes []fieldChange) error {
	if len(changes) == 0 {
		return models.NewUserError("no changes given")
	}
	set := ""
	args := make([]any, 0, len(changes)+1)
	for i, ch := range changes {
		if i > 0 {
			set += ", "
		}
		set += fmt.Sprintf("%s = $%d", ch.column, i+1)
		args = append(args, ch.value)
	}
	args = append(args, id)
	return r.db.Commit(ctx, database.Stmt(fmt.Sprintf(`
		UPDATE %s SET %s WHERE character_id = $%d
	`, r.chars, set, len(args)), args...))
}

// Delete removes the character row.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	return r.db.Commit(ctx, database.Stmt(fmt.Sprintf(`
		DELETE FROM %s WHERE character_id = $1
	`, r.chars), id))
}

// Transfer hands the character to a new owner and pool, deactivated.
func (r *Repository) Transfer(ctx context.Context, id, owner, pool int64) error {
	return r.db.Commit(ctx, database.Stmt(fmt.Sprintf(`
		UPDATE %s SET owner_id = $1, pool_id = $2, active_on_account = 0 WHERE character_id = $3
	`, r.chars), owner, pool, id))
}

// pooledName pairs a lowercased character name with the pool holding it,
// for merge validation.
type pooledName struct {
	name string
	pool int64
}

// PoolNames lists the lowercased character names of both pools.
func (r *Repository) PoolNames(ctx context.Context, poolA, poolB int64) ([]pooledName, error) {
	rows, err := r.db.Fetch(ctx, fmt.Sprintf(`
		SELECT LOWER(character_name), pool_id FROM %s WHERE pool_id = $1 OR pool_id = $2
	`, r.chars), poolA, poolB)
	if err != nil {
		return nil, err
	}
	out := make([]pooledName, 0, len(rows))
	for _, row := range rows {
		if len(row) != 2 {
			return nil, models.NewConsistencyError("name row has %d columns, want 2", len(row))
		}
		name, ok := row[0].(string)
		if !ok {
			return nil, fmt.Errorf("character_name: unexpected %T", row[0])
		}
		pool, err := asInt64(row[1])
		if err != nil {
			return nil, fmt.Errorf("pool_id: %w", err)
		}
		out = append(out, pooledName{name: name, pool: pool})
	}
	return out, nil
}

// MergeInto repoints every account and character of pool a at pool b in one
// atomic group.
func (r *Repository) MergeInto(ctx context.Context, a, b int64) error {
	return r.db.Commit(ctx,
		database.Stmt(fmt.Sprintf(`
			UPDATE %s SET pool_id = $1 WHERE pool_id = $2
		`, r.accts), b, a),
		database.Stmt(fmt.Sprintf(`
			UPDATE %s SET pool_id = $1 WHERE pool_id = $2
		`, r.chars), b, a),
	)
}

// SeparateKeepOwner handles separation when the shared pool is keyed on
// account a: every other account and every character moves to a pool keyed
// on b, then a's own characters come back to a. Account a's row is not
// touched.
func (r *Repository) SeparateKeepOwner(ctx context.Context, shared, accA, accB int64) error {
	return r.db.Commit(ctx,
		database.Stmt(fmt.Sprintf(`
			UPDATE %s SET pool_id = $1 WHERE pool_id = $2 AND account_id <> $3
		`, r.accts), accB, shared, accA),
		database.Stmt(fmt.Sprintf(`
			UPDATE %s SET pool_id = $1 WHERE pool_id = $2
		`, r.chars), accB, shared),
		database.Stmt(fmt.Sprintf(`
			UPDATE %s SET pool_id = $1 WHERE owner_id = $2 AND pool_id = $3
		`, r.chars), accA, accA, accB),
	)
}

// SeparateExtract pulls account a out of the shared pool into a singleton
// pool keyed on itself, taking the characters a owns along.
func (r *Repository) SeparateExtract(ctx context.Context, shared, accA int64) error {
	return r.db.Commit(ctx,
		database.Stmt(fmt.Sprintf(`
			UPDATE %s SET pool_id = $1 WHERE account_id = $1
		`, r.accts), accA),
		database.Stmt(fmt.Sprintf(`
			UPDATE %s SET pool_id = $1 WHERE owner_id = $1 AND pool_id = $2
		`, r.chars), accA, shared),
	)
}

// AccrueXP adds earned XP and stores the new word cache in one atomic
// statement, so two messages landing together can never overwrite each
// other's gains. With a cap the increment is clamped in SQL against the
// row's current roleplay_xp; both SET expressions read the pre-update row.
func (r *Repository) AccrueXP(ctx context.Context, id, xp, cached int64, capLimit *int64) (*models.Character, error) {
	var rows []database.Row
	var err error
	if capLimit == nil {
		rows, err = r.db.Fetch(ctx, fmt.Sprintf(`
			UPDATE %s SET total_xp = total_xp + $1, roleplay_xp = roleplay_xp + $1, words_cached = $2
			WHERE character_id = $3
			RETURNING %s
		`, r.chars, characterColumns), xp, cached, id)
	} else {
		rows, err = r.db.Fetch(ctx, fmt.Sprintf(`
			UPDATE %s SET
				total_xp = total_xp + GREATEST(LEAST($1, $2 - roleplay_xp), 0),
				roleplay_xp = roleplay_xp + GREATEST(LEAST($1, $2 - roleplay_xp), 0),
				words_cached = $3
			WHERE character_id = $4
			RETURNING %s
		`, r.chars, characterColumns), xp, *capLimit, cached, id)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, models.NewUserError("character no longer exists")
	}
	return characterFromRow(rows[0])
}

// ClaimNotification atomically clears the character's armed level
// notification. True means this caller claimed it and should notify.
func (r *Repository) ClaimNotification(ctx context.Context, id int64) (bool, error) {
	rows, err := r.db.Fetch(ctx, fmt.Sprintf(`
		UPDATE %s SET level_notification = FALSE
		WHERE character_id = $1 AND level_notification
		RETURNING character_id
	`, r.chars), id)
	if err != nil {
		return false, err
	}
	return len(rows) == 1, nil
}

// ResetPeriodicXP zeroes every character's periodic roleplay counter.
func (r *Repository) ResetPeriodicXP(ctx context.Context) error {
	return r.db.Commit(ctx, database.Stmt(fmt.Sprintf(`
		UPDATE %s SET roleplay_xp = 0
	`, r.chars)))
}

// Leaderboard returns the top characters by banked XP.
func (r *Repository) Leaderboard(ctx context.Context, limit int) ([]*models.Character, error) {
	rows, err := r.db.Fetch(ctx, fmt.Sprintf(`
		SELECT %s FROM %s ORDER BY total_xp DESC, character_id ASC LIMIT $1
	`, characterColumns, r.chars), limit)
	if err != nil {
		return nil, err
	}
	return charactersFromRows(rows)
}

// CountAbove counts characters holding strictly more XP, which makes the
// 1-based rank CountAbove+1, with ties sharing a rank.
func (r *Repository) CountAbove(ctx context.Context, totalXP int64) (int64, error) {
	rows, err := r.db.Fetch(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE total_xp > $1
	`, r.chars), totalXP)
	if err != nil {
		return 0, err
	}
	if len(rows) != 1 || len(rows[0]) != 1 {
		return 0, models.NewConsistencyError("count query returned %d rows", len(rows))
	}
	return asInt64(rows[0][0])
}
