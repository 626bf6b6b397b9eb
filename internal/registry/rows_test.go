package registry

import (
	"testing"

	"github.com/questbored/xpcore/internal/database"
	"github.com/questbored/xpcore/internal/models"
)

// ---------------------------------------------------------------------------
// 1. TestCharacterFromRowRejectsWrongShape
// ---------------------------------------------------------------------------

func TestCharacterFromRowRejectsWrongShape(t *testing.T) {
	_, err := characterFromRow(database.Row{int64(1), "alice"})
	if !models.IsConsistencyError(err) {
		t.Fatalf("error: got %v, want a consistency error", err)
	}
}

// ---------------------------------------------------------------------------
// 2. TestCharacterFromRowDecodesNullables
// ---------------------------------------------------------------------------

func TestCharacterFromRowDecodesNullables(t *testing.T) {
	bare, err := characterFromRow(database.Row{
		int64(7), "alice", nil, nil, int64(10), int64(4),
		int32(2), true, int64(3), int64(42), int64(42), int64(0),
	})
	if err != nil {
		t.Fatalf("characterFromRow: %v", err)
	}
	if bare.Color != nil || bare.ImageURL != nil {
		t.Errorf("NULL columns should decode to nil, got %v %v", bare.Color, bare.ImageURL)
	}
	if bare.ID != 7 || bare.Level != 2 || bare.TotalXP != 10 {
		t.Errorf("decoded character: %+v", bare)
	}

	full, err := characterFromRow(database.Row{
		int64(7), "alice", int32(0xAABBCC), "https://img.example/a.png", int64(10), int64(4),
		int32(2), true, int64(3), int64(42), int64(42), int64(42),
	})
	if err != nil {
		t.Fatalf("characterFromRow: %v", err)
	}
	if full.Color == nil || *full.Color != 0xAABBCC {
		t.Errorf("color: got %v", full.Color)
	}
	if full.ImageURL == nil || *full.ImageURL != "https://img.example/a.png" {
		t.Errorf("image: got %v", full.ImageURL)
	}
	if !full.Active() {
		t.Error("active_on_account 42 should read as active")
	}
}

// ---------------------------------------------------------------------------
// 3. TestCharacterFromRowNormalizesIntegerWidths
// ---------------------------------------------------------------------------

func TestCharacterFromRowNormalizesIntegerWidths(t *testing.T) {
	got, err := characterFromRow(database.Row{
		int(7), "alice", int16(3), nil, int32(10), int16(4),
		int64(2), true, int(3), int32(42), int16(42), int(0),
	})
	if err != nil {
		t.Fatalf("characterFromRow: %v", err)
	}
	if got.Level != 2 || got.TotalXP != 10 || got.PoolID != 42 {
		t.Errorf("decoded character: %+v", got)
	}
	if got.Color == nil || *got.Color != 3 {
		t.Errorf("color: got %v, want 3", got.Color)
	}
}

// ---------------------------------------------------------------------------
// 4. TestCharacterFromRowRejectsNullRequiredColumn
// ---------------------------------------------------------------------------

func TestCharacterFromRowRejectsNullRequiredColumn(t *testing.T) {
	_, err := characterFromRow(database.Row{
		nil, "alice", nil, nil, int64(10), int64(4),
		int32(2), true, int64(3), int64(42), int64(42), int64(0),
	})
	if err == nil {
		t.Fatal("a NULL id must not decode")
	}
}

// ---------------------------------------------------------------------------
// 5. TestAccountFromRow
// ---------------------------------------------------------------------------

func TestAccountFromRow(t *testing.T) {
	got, err := accountFromRow(database.Row{int64(42), int64(99)})
	if err != nil {
		t.Fatalf("accountFromRow: %v", err)
	}
	if got.ID != 42 || got.PoolID != 99 {
		t.Errorf("account: %+v", got)
	}

	if _, err := accountFromRow(database.Row{int64(42)}); !models.IsConsistencyError(err) {
		t.Errorf("short row: got %v, want a consistency error", err)
	}
}
