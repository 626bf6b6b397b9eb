package models

// DefaultCharacterName is used when a character is created without an
// explicit name, including the auto-created character on first contact.
const DefaultCharacterName = "character"

// MaxCharacterNameLen bounds stored character names.
const MaxCharacterNameLen = 32

// Character is one row of the character table. Names are stored lowercase;
// uniqueness inside a pool is case-insensitive. ActiveOnAccount holds the
// account snowflake the character is currently active for, 0 when inactive.
type Character struct {
	ID                int64   `json:"character_id"`
	Name              string  `json:"character_name"`
	Color             *int32  `json:"character_color,omitempty"`
	ImageURL          *string `json:"character_image,omitempty"`
	TotalXP           int64   `json:"total_xp"`
	RoleplayXP        int64   `json:"roleplay_xp"`
	Level             int     `json:"level"`
	LevelNotification bool    `json:"level_notification"`
	WordsCached       int64   `json:"words_cached"`
	OwnerID           int64   `json:"owner_id"`
	PoolID            int64   `json:"pool_id"`
	ActiveOnAccount   int64   `json:"active_on_account"`
}

// Active reports whether the character is the active one for some account.
func (c *Character) Active() bool {
	return c.ActiveOnAccount != 0
}
