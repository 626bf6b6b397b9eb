package progression

import (
	"errors"
	"fmt"
	"sort"

	"github.com/questbored/xpcore/internal/models"
)

// Rate yields a per-level value. config.RateTable satisfies it for both the
// flat and the per-level shape.
type Rate interface {
	For(level int) (int64, bool)
}

// Table is the level ladder: each configured level mapped to the cumulative
// total XP required to hold it. Levels are the sorted key sequence; the
// lowest key is the starting level, the highest the ceiling.
type Table struct {
	levels     []int
	thresholds map[int]int64
}

// NewTable validates and freezes a level_req mapping. Thresholds must not
// decrease as levels rise.
func NewTable(req map[int]int64) (*Table, error) {
	if len(req) == 0 {
		return nil, errors.New("progression: level table is empty")
	}
	levels := make([]int, 0, len(req))
	thresholds := make(map[int]int64, len(req))
	for lvl, xp := range req {
		if xp < 0 {
			return nil, fmt.Errorf("progression: level %d has negative threshold %d", lvl, xp)
		}
		levels = append(levels, lvl)
		thresholds[lvl] = xp
	}
	sort.Ints(levels)
	for i := 1; i < len(levels); i++ {
		prev, cur := levels[i-1], levels[i]
		if thresholds[cur] < thresholds[prev] {
			return nil, fmt.Errorf("progression: threshold for level %d is below level %d", cur, prev)
		}
	}
	return &Table{levels: levels, thresholds: thresholds}, nil
}

// MinLevel is the lowest configured level, used as the starting level.
func (t *Table) MinLevel() int { return t.levels[0] }

// MaxLevel is the highest configured level.
func (t *Table) MaxLevel() int { return t.levels[len(t.levels)-1] }

// Levels returns the configured levels in ascending order.
func (t *Table) Levels() []int {
	out := make([]int, len(t.levels))
	copy(out, t.levels)
	return out
}

// Contains reports whether level is a configured level.
func (t *Table) Contains(level int) bool {
	_, ok := t.thresholds[level]
	return ok
}

// Threshold returns the cumulative XP required to hold level.
func (t *Table) Threshold(level int) (int64, bool) {
	v, ok := t.thresholds[level]
	return v, ok
}

// NextLevel returns the level after the given one on the ladder, false at
// (or beyond) the ceiling.
func (t *Table) NextLevel(level int) (int, bool) {
	i := sort.SearchInts(t.levels, level+1)
	if i >= len(t.levels) {
		return 0, false
	}
	return t.levels[i], true
}

// Calculator answers every XP question the registry has: distance to the
// next level, word-to-XP conversion, and the periodic roleplay cap.
type Calculator struct {
	table  *Table
	xpRate Rate
	cap    Rate
}

// NewCalculator wires a level table to the word rate and the optional
// periodic cap (nil means uncapped). Per-level rates must cover every
// configured level; gaps are config mistakes and are rejected here rather
// than at lookup time.
func NewCalculator(table *Table, xpRate Rate, cap Rate) (*Calculator, error) {
	if table == nil {
		return nil, errors.New("progression: level table is required")
	}
	if xpRate == nil {
		return nil, errors.New("progression: xp rate is required")
	}
	for _, lvl := range table.levels {
		r, ok := xpRate.For(lvl)
		if !ok {
			return nil, fmt.Errorf("progression: xp_rate has no entry for level %d", lvl)
		}
		if r <= 0 {
			return nil, fmt.Errorf("progression: xp_rate for level %d must be positive, got %d", lvl, r)
		}
		if cap != nil {
			c, ok := cap.For(lvl)
			if !ok {
				return nil, fmt.Errorf("progression: periodic_cap has no entry for level %d", lvl)
			}
			if c < 0 {
				return nil, fmt.Errorf("progression: periodic_cap for level %d must not be negative, got %d", lvl, c)
			}
		}
	}
	return &Calculator{table: table, xpRate: xpRate, cap: cap}, nil
}

// Table exposes the level ladder.
func (c *Calculator) Table() *Table { return c.table }

// XPToNext returns how much total XP the character still needs for the next
// level. Zero or negative means the character can level up now. The second
// result is false when the character already holds the top level.
func (c *Calculator) XPToNext(char *models.Character) (int64, bool) {
	next, ok := c.table.NextLevel(char.Level)
	if !ok {
		return 0, false
	}
	need := c.table.thresholds[next]
	return need - char.TotalXP, true
}

// CanLevelUp reports whether the character has banked enough total XP for
// the next level.
func (c *Calculator) CanLevelUp(char *models.Character) bool {
	remaining, ok := c.XPToNext(char)
	return ok && remaining <= 0
}

// WordsPerXP returns how many written words earn one XP at the given level.
// NewCalculator only vets the levels configured at the time, so a stored
// level that has since fallen off the ladder surfaces here as an error.
func (c *Calculator) WordsPerXP(level int) (int64, error) {
	r, ok := c.xpRate.For(level)
	if !ok || r <= 0 {
		return 0, models.NewConsistencyError("no xp rate configured for level %d", level)
	}
	return r, nil
}

// PeriodicCap returns the roleplay XP cap for the level, nil when no cap is
// configured at all. A per-level cap that skips the level is an error, not
// an uncapped level.
func (c *Calculator) PeriodicCap(level int) (*int64, error) {
	if c.cap == nil {
		return nil, nil
	}
	v, ok := c.cap.For(level)
	if !ok {
		return nil, models.NewConsistencyError("no periodic cap configured for level %d", level)
	}
	return &v, nil
}

// ConvertWords turns an externally counted word total into earned XP and the
// new leftover word cache. Words first top up the cache; every full rate's
// worth becomes one XP. XP beyond the character's remaining periodic cap is
// dropped, not banked, matching how capped messages have always behaved.
func (c *Calculator) ConvertWords(char *models.Character, words int64) (xp int64, cached int64, err error) {
	if words < 0 {
		words = 0
	}
	rate, err := c.WordsPerXP(char.Level)
	if err != nil {
		return 0, 0, err
	}
	pool := char.WordsCached + words
	xp = pool / rate
	cached = pool % rate
	capValue, err := c.PeriodicCap(char.Level)
	if err != nil {
		return 0, 0, err
	}
	if capValue != nil {
		room := *capValue - char.RoleplayXP
		if room < 0 {
			room = 0
		}
		if xp > room {
			xp = room
		}
	}
	return xp, cached, nil
}
