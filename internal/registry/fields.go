package registry

import (
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/questbored/xpcore/internal/models"
)

// fieldChange is one validated column assignment.
type fieldChange struct {
	column string
	value  any
}

// CharacterPatch names every field a property update may touch; nil fields
// are untouched. The string fields carry raw user input and are normalized
// during validation. OwnerID, PoolID, and ActiveOnAccount pass through
// unchecked so pool surgery and transfers can set them directly.
type CharacterPatch struct {
	Name              *string
	Color             *string
	ImageURL          *string
	TotalXP           *int64
	RoleplayXP        *int64
	WordsCached       *int64
	Level             *int
	LevelNotification *bool
	OwnerID           *int64
	PoolID            *int64
	ActiveOnAccount   *int64
}

// changes validates the whole patch before anything is applied: one bad
// field rejects the lot, and an empty patch is itself an error.
func (p CharacterPatch) changes(minLevel, maxLevel int) ([]fieldChange, error) {
	var out []fieldChange
	if p.Name != nil {
		name, err := normalizeName(*p.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, fieldChange{"character_name", name})
	}
	if p.Color != nil {
		color, err := parseColor(*p.Color)
		if err != nil {
			return nil, err
		}
		var v any
		if color != nil {
			v = *color
		}
		out = append(out, fieldChange{"character_color", v})
	}
	if p.ImageURL != nil {
		image, err := parseImageURL(*p.ImageURL)
		if err != nil {
			return nil, err
		}
		var v any
		if image != nil {
			v = *image
		}
		out = append(out, fieldChange{"character_image", v})
	}
	if p.TotalXP != nil {
		if *p.TotalXP < 0 {
			return nil, models.NewUserError("total_xp cannot be negative")
		}
		out = append(out, fieldChange{"total_xp", *p.TotalXP})
	}
	if p.RoleplayXP != nil {
		if *p.RoleplayXP < 0 {
			return nil, models.NewUserError("roleplay_xp cannot be negative")
		}
		out = append(out, fieldChange{"roleplay_xp", *p.RoleplayXP})
	}
	if p.WordsCached != nil {
		if *p.WordsCached < 0 {
			return nil, models.NewUserError("words_cached cannot be negative")
		}
		out = append(out, fieldChange{"words_cached", *p.WordsCached})
	}
	if p.Level != nil {
		if *p.Level < minLevel || *p.Level > maxLevel {
			return nil, models.NewUserError("level must be between %d and %d", minLevel, maxLevel)
		}
		out = append(out, fieldChange{"level", *p.Level})
	}
	if p.LevelNotification != nil {
		out = append(out, fieldChange{"level_notification", *p.LevelNotification})
	}
	if p.OwnerID != nil {
		out = append(out, fieldChange{"owner_id", *p.OwnerID})
	}
	if p.PoolID != nil {
		out = append(out, fieldChange{"pool_id", *p.PoolID})
	}
	if p.ActiveOnAccount != nil {
		out = append(out, fieldChange{"active_on_account", *p.ActiveOnAccount})
	}
	if len(out) == 0 {
		return nil, models.NewUserError("no changes given")
	}
	return out, nil
}

// normalizeName lowercases a character name and enforces the stored-name
// rules: at most MaxCharacterNameLen characters and no quote characters,
// which keeps names safe to echo into chat messages.
func normalizeName(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if utf8.RuneCountInString(name) > models.MaxCharacterNameLen {
		return "", models.NewUserError("character names are limited to %d characters", models.MaxCharacterNameLen)
	}
	if strings.ContainsAny(name, `'"`) {
		return "", models.NewUserError("character names cannot contain quotes")
	}
	return name, nil
}

// parseColor turns user input into a 24-bit color value. "none" and "null"
// clear the color. Hex input may carry a 0x or # prefix; the whole rest of
// the string must be hex, and only the last six digits count.
func parseColor(raw string) (*int32, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "none" || s == "null" {
		return nil, nil
	}
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "#")
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return nil, models.NewUserError("%q is not a hex color", raw)
		}
	}
	if len(s) > 6 {
		s = s[len(s)-6:]
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return nil, models.NewUserError("%q is not a hex color", raw)
	}
	v := int32(n)
	return &v, nil
}

// parseImageURL validates and normalizes a character image URL. "none" and
// "null" clear it. Chat clients wrap pasted links in angle brackets to
// suppress embeds, so a matched bracket pair is stripped, and the query
// string is re-encoded so the stored URL is always well formed.
func parseImageURL(raw string) (*string, error) {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "none", "null":
		return nil, nil
	}
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") && len(s) > 1 {
		s = s[1 : len(s)-1]
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, models.NewUserError("%q is not a valid url", raw)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, models.NewUserError("image urls must be http or https")
	}
	u.RawQuery = u.Query().Encode()
	out := u.String()
	return &out, nil
}
