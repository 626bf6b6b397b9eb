package registry

import (
	"context"
	"strings"

	"github.com/questbored/xpcore/internal/models"
	"github.com/questbored/xpcore/internal/progression"
)

// defaultLeaderboardSize is used when a caller asks for a non-positive
// number of leaderboard rows.
const defaultLeaderboardSize = 10

// Service is the registry surface the command layer calls. Failures follow
// the three-kind contract: *models.UserError carries a message safe to
// relay to the person who typed the command, *models.ConsistencyError
// reports stored state breaking a registry invariant, and anything else is
// operational and has already been through the retry pipeline.
type Service interface {
	PoolByAccount(ctx context.Context, account int64) (int64, error)
	AvailableCharacters(ctx context.Context, account int64) ([]*models.Character, error)
	ActiveCharacter(ctx context.Context, account int64) (*models.Character, error)
	CharacterByName(ctx context.Context, account int64, name string) (*models.Character, error)
	SwitchActiveCharacter(ctx context.Context, account int64, name string) (*models.Character, error)
	AddCharacter(ctx context.Context, account int64, name string) (*models.Character, error)
	UpdateCharacter(ctx context.Context, id int64, patch CharacterPatch) (*models.Character, error)
	RemoveCharacter(ctx context.Context, id int64) error
	TransferCharacter(ctx context.Context, id, destAccount int64) (*models.Character, error)
	MergePools(ctx context.Context, poolA, poolB int64) error
	SeparatePools(ctx context.Context, accountA, accountB int64) error
	PoolMembers(ctx context.Context, account int64) ([]int64, error)
	Leaderboard(ctx context.Context, limit int) ([]*models.Character, error)
	Rank(ctx context.Context, id int64) (int64, error)
	AccrueWords(ctx context.Context, account, words int64) (*models.Character, error)
	LevelUp(ctx context.Context, account int64) (*models.Character, error)
	ClaimLevelNotification(ctx context.Context, id int64) (bool, error)
	ResetPeriodicXP(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
}

type service struct {
	repo       *Repository
	calc       *progression.Calculator
	maxPerPool int
}

func NewService(repo *Repository, calc *progression.Calculator, maxPerPool int) *service {
	return &service{repo: repo, calc: calc, maxPerPool: maxPerPool}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

// PoolByAccount returns the account's pool, creating the account with a
// singleton pool keyed on its own id on first contact. Concurrent first
// contacts converge on one row.
func (s *service) PoolByAccount(ctx context.Context, account int64) (int64, error) {
	acc, err := s.repo.Account(ctx, account)
	if err != nil {
		return 0, err
	}
	if acc != nil {
		return acc.PoolID, nil
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return 0, err
	}
	acc, err = s.repo.Account(ctx, account)
	if err != nil {
		return 0, err
	}
	if acc == nil {
		return 0, models.NewConsistencyError("account %d missing after create", account)
	}
	return acc.PoolID, nil
}

func (s *service) AvailableCharacters(ctx context.Context, account int64) ([]*models.Character, error) {
	pool, err := s.PoolByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	return s.repo.CharactersInPool(ctx, pool)
}

// ActiveCharacter returns the account's active character. An account whose
// pool has no characters at all gets the default one created and activated
// on the spot.
func (s *service) ActiveCharacter(ctx context.Context, account int64) (*models.Character, error) {
	pool, err := s.PoolByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	available, err := s.repo.CharactersInPool(ctx, pool)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		return s.AddCharacter(ctx, account, models.DefaultCharacterName)
	}
	actives, err := s.repo.ActiveCharacters(ctx, pool, account)
	if err != nil {
		return nil, err
	}
	switch len(actives) {
	case 1:
		return actives[0], nil
	case 0:
		return nil, models.NewUserError("no character is active on this account; switch to one first")
	default:
		names := make([]string, len(actives))
		for i, c := range actives {
			names[i] = c.Name
		}
		return nil, models.NewConsistencyError("account %d has %d active characters (%s)",
			account, len(actives), strings.Join(names, ", "))
	}
}

// CharacterByName finds a pool character by name, ignoring case.
func (s *service) CharacterByName(ctx context.Context, account int64, name string) (*models.Character, error) {
	pool, err := s.PoolByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	matches, err := s.repo.CharactersByName(ctx, pool, name)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, models.NewUserError("there is no character named %q in this pool", strings.ToLower(strings.TrimSpace(name)))
	default:
		return nil, models.NewConsistencyError("pool %d holds %d characters named %q", pool, len(matches), matches[0].Name)
	}
}

// SwitchActiveCharacter deactivates whatever was active for the account and
// activates the named character, atomically. Switching to the already
// active character is a no-op that succeeds.
func (s *service) SwitchActiveCharacter(ctx context.Context, account int64, name string) (*models.Character, error) {
	target, err := s.CharacterByName(ctx, account, name)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SwitchActive(ctx, account, target.ID); err != nil {
		return nil, err
	}
	target.ActiveOnAccount = account
	return target, nil
}

// AddCharacter creates a character in the account's pool and makes it the
// account's active one. An empty name falls back to the default.
func (s *service) AddCharacter(ctx context.Context, account int64, name string) (*models.Character, error) {
	if strings.TrimSpace(name) == "" {
		name = models.DefaultCharacterName
	}
	normalized, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	pool, err := s.PoolByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.CharactersInPool(ctx, pool)
	if err != nil {
		return nil, err
	}
	if len(existing) >= s.maxPerPool {
		return nil, models.NewUserError("this pool already holds the maximum of %d characters", s.maxPerPool)
	}
	for _, c := range existing {
		if strings.EqualFold(c.Name, normalized) {
			return nil, models.NewUserError("a character named %q already exists in this pool", normalized)
		}
	}
	if err := s.repo.InsertActiveCharacter(ctx, normalized, s.calc.Table().MinLevel(), account, pool, account); err != nil {
		return nil, err
	}
	return s.CharacterByName(ctx, account, normalized)
}

// UpdateCharacter applies a validated patch. Validation is all-or-nothing:
// one bad field and no column changes.
func (s *service) UpdateCharacter(ctx context.Context, id int64, patch CharacterPatch) (*models.Character, error) {
	table := s.calc.Table()
	changes, err := patch.changes(table.MinLevel(), table.MaxLevel())
	if err != nil {
		return nil, err
	}
	char, err := s.repo.CharacterByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if char == nil {
		return nil, models.NewUserError("that character does not exist")
	}
	if err := s.repo.UpdateFields(ctx, id, changes); err != nil {
		return nil, err
	}
	updated, err := s.repo.CharacterByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, models.NewUserError("that character no longer exists")
	}
	return updated, nil
}

// RemoveCharacter deletes the character outright. Callers are expected to
// run their confirmation flow first.
func (s *service) RemoveCharacter(ctx context.Context, id int64) error {
	char, err := s.repo.CharacterByID(ctx, id)
	if err != nil {
		return err
	}
	if char == nil {
		return models.NewUserError("that character does not exist")
	}
	return s.repo.Delete(ctx, id)
}

// TransferCharacter moves a character to the destination account's pool,
// owned by that account and deactivated. Cross-pool moves respect the
// capacity and name-uniqueness rules of the destination.
func (s *service) TransferCharacter(ctx context.Context, id, destAccount int64) (*models.Character, error) {
	char, err := s.repo.CharacterByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if char == nil {
		return nil, models.NewUserError("that character does not exist")
	}
	destPool, err := s.PoolByAccount(ctx, destAccount)
	if err != nil {
		return nil, err
	}
	if destPool != char.PoolID {
		members, err := s.repo.CharactersInPool(ctx, destPool)
		if err != nil {
			return nil, err
		}
		if len(members) >= s.maxPerPool {
			return nil, models.NewUserError("the destination pool already holds the maximum of %d characters", s.maxPerPool)
		}
		for _, c := range members {
			if strings.EqualFold(c.Name, char.Name) {
				return nil, models.NewUserError("the destination pool already has a character named %q", char.Name)
			}
		}
	}
	if err := s.repo.Transfer(ctx, id, destAccount, destPool); err != nil {
		return nil, err
	}
	moved, err := s.repo.CharacterByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if moved == nil {
		return nil, models.NewUserError("that character no longer exists")
	}
	return moved, nil
}

// MergePools folds pool a into pool b. The combined pool must respect the
// character limit and case-insensitive name uniqueness; a violation rejects
// the merge before anything moves.
func (s *service) MergePools(ctx context.Context, poolA, poolB int64) error {
	if poolA == poolB {
		return models.NewUserError("cannot merge a pool with itself")
	}
	names, err := s.repo.PoolNames(ctx, poolA, poolB)
	if err != nil {
		return err
	}
	inA := make(map[string]bool)
	inB := make(map[string]bool)
	for _, pn := range names {
		if pn.pool == poolA {
			inA[pn.name] = true
		} else {
			inB[pn.name] = true
		}
	}
	for name := range inA {
		if inB[name] {
			return models.NewUserError("both pools have a character named %q", name)
		}
	}
	if total := len(inA) + len(inB); total > s.maxPerPool {
		return models.NewUserError("a merged pool would hold %d characters, over the limit of %d", total, s.maxPerPool)
	}
	return s.repo.MergeInto(ctx, poolA, poolB)
}

// SeparatePools splits two accounts that share a pool. When the shared pool
// is keyed on account a, everyone else moves to a pool keyed on b and a
// keeps its own characters; otherwise a is extracted into a fresh singleton
// pool. Either way the move is one atomic group.
func (s *service) SeparatePools(ctx context.Context, accountA, accountB int64) error {
	if accountA == accountB {
		return models.NewUserError("cannot separate an account from itself")
	}
	poolA, err := s.PoolByAccount(ctx, accountA)
	if err != nil {
		return err
	}
	poolB, err := s.PoolByAccount(ctx, accountB)
	if err != nil {
		return err
	}
	if poolA != poolB {
		return models.NewUserError("those accounts do not share a pool")
	}
	if poolA == accountA {
		return s.repo.SeparateKeepOwner(ctx, poolA, accountA, accountB)
	}
	return s.repo.SeparateExtract(ctx, poolA, accountA)
}

// PoolMembers lists the accounts playing from the same pool as account.
func (s *service) PoolMembers(ctx context.Context, account int64) ([]int64, error) {
	pool, err := s.PoolByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	return s.repo.AccountsInPool(ctx, pool)
}

// Leaderboard returns the top characters by total XP.
func (s *service) Leaderboard(ctx context.Context, limit int) ([]*models.Character, error) {
	if limit <= 0 {
		limit = defaultLeaderboardSize
	}
	return s.repo.Leaderboard(ctx, limit)
}

// Rank returns the character's 1-based position by total XP; ties share a
// rank.
func (s *service) Rank(ctx context.Context, id int64) (int64, error) {
	char, err := s.repo.CharacterByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if char == nil {
		return 0, models.NewUserError("that character does not exist")
	}
	above, err := s.repo.CountAbove(ctx, char.TotalXP)
	if err != nil {
		return 0, err
	}
	return above + 1, nil
}

// AccrueWords converts an externally counted word total into XP for the
// account's active character. The database applies the increment and the
// periodic cap atomically, so concurrent messages never lose each other's
// gains.
func (s *service) AccrueWords(ctx context.Context, account, words int64) (*models.Character, error) {
	char, err := s.ActiveCharacter(ctx, account)
	if err != nil {
		return nil, err
	}
	xp, cached, err := s.calc.ConvertWords(char, words)
	if err != nil {
		return nil, err
	}
	capLimit, err := s.calc.PeriodicCap(char.Level)
	if err != nil {
		return nil, err
	}
	return s.repo.AccrueXP(ctx, char.ID, xp, cached, capLimit)
}

// LevelUp advances the account's active character one level when it has
// banked enough XP, re-arming the level notification.
func (s *service) LevelUp(ctx context.Context, account int64) (*models.Character, error) {
	char, err := s.ActiveCharacter(ctx, account)
	if err != nil {
		return nil, err
	}
	remaining, ok := s.calc.XPToNext(char)
	if !ok {
		return nil, models.NewUserError("%s is already at the maximum level", char.Name)
	}
	if remaining > 0 {
		return nil, models.NewUserError("%s needs %d more xp to level up", char.Name, remaining)
	}
	next, _ := s.calc.Table().NextLevel(char.Level)
	notify := true
	return s.UpdateCharacter(ctx, char.ID, CharacterPatch{Level: &next, LevelNotification: &notify})
}

// ClaimLevelNotification reports whether a level-up notification should be
// sent for the character and disarms it so only one caller sends it.
func (s *service) ClaimLevelNotification(ctx context.Context, id int64) (bool, error) {
	char, err := s.repo.CharacterByID(ctx, id)
	if err != nil {
		return false, err
	}
	if char == nil || !char.LevelNotification || !s.calc.CanLevelUp(char) {
		return false, nil
	}
	return s.repo.ClaimNotification(ctx, id)
}

// ResetPeriodicXP zeroes every character's periodic roleplay counter. The
// external scheduler calls this at each period boundary.
func (s *service) ResetPeriodicXP(ctx context.Context) error {
	return s.repo.ResetPeriodicXP(ctx)
}

// EnsureSchema creates the configured tables when missing.
func (s *service) EnsureSchema(ctx context.Context) error {
	return s.repo.EnsureSchema(ctx, s.calc.Table().MinLevel())
}
