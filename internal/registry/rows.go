package registry

import (
	"errors"
	"fmt"

	"github.com/questbored/xpcore/internal/database"
	"github.com/questbored/xpcore/internal/models"
)

// characterFromRow decodes one characterColumns row. The data layer hands
// back untyped column values, so the driver's integer widths are normalized
// here.
func characterFromRow(row database.Row) (*models.Character, error) {
	if len(row) != 12 {
		return nil, models.NewConsistencyError("character row has %d columns, want 12", len(row))
	}
	c := &models.Character{}
	var err error
	if c.ID, err = asInt64(row[0]); err != nil {
		return nil, fmt.Errorf("character_id: %w", err)
	}
	name, ok := row[1].(string)
	if !ok {
		return nil, fmt.Errorf("character_name: unexpected %T", row[1])
	}
	c.Name = name
	if c.Color, err = asNullableInt32(row[2]); err != nil {
		return nil, fmt.Errorf("character_color: %w", err)
	}
	if c.ImageURL, err = asNullableString(row[3]); err != nil {
		return nil, fmt.Errorf("character_image: %w", err)
	}
	if c.TotalXP, err = asInt64(row[4]); err != nil {
		return nil, fmt.Errorf("total_xp: %w", err)
	}
	if c.RoleplayXP, err = asInt64(row[5]); err != nil {
		return nil, fmt.Errorf("roleplay_xp: %w", err)
	}
	level, err := asInt64(row[6])
	if err != nil {
		return nil, fmt.Errorf("level: %w", err)
	}
	c.Level = int(level)
	notif, ok := row[7].(bool)
	if !ok {
		return nil, fmt.Errorf("level_notification: unexpected %T", row[7])
	}
	c.LevelNotification = notif
	if c.WordsCached, err = asInt64(row[8]); err != nil {
		return nil, fmt.Errorf("words_cached: %w", err)
	}
	if c.OwnerID, err = asInt64(row[9]); err != nil {
		return nil, fmt.Errorf("owner_id: %w", err)
	}
	if c.PoolID, err = asInt64(row[10]); err != nil {
		return nil, fmt.Errorf("pool_id: %w", err)
	}
	if c.ActiveOnAccount, err = asInt64(row[11]); err != nil {
		return nil, fmt.Errorf("active_on_account: %w", err)
	}
	return c, nil
}

func charactersFromRows(rows []database.Row) ([]*models.Character, error) {
	out := make([]*models.Character, 0, len(rows))
	for _, row := range rows {
		c, err := characterFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func accountFromRow(row database.Row) (*models.Account, error) {
	if len(row) != 2 {
		return nil, models.NewConsistencyError("account row has %d columns, want 2", len(row))
	}
	id, err := asInt64(row[0])
	if err != nil {
		return nil, fmt.Errorf("account_id: %w", err)
	}
	pool, err := asInt64(row[1])
	if err != nil {
		return nil, fmt.Errorf("pool_id: %w", err)
	}
	return &models.Account{ID: id, PoolID: pool}, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int:
		return int64(n), nil
	case nil:
		return 0, errors.New("unexpected NULL")
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}

func asNullableInt32(v any) (*int32, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case int32:
		return &n, nil
	case int64:
		n32 := int32(n)
		return &n32, nil
	case int16:
		n32 := int32(n)
		return &n32, nil
	case int:
		n32 := int32(n)
		return &n32, nil
	default:
		return nil, fmt.Errorf("unexpected %T", v)
	}
}

func asNullableString(v any) (*string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &s, nil
	default:
		return nil, fmt.Errorf("unexpected %T", v)
	}
}
