package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/elonfeng/langsync/internal/store"
	"github.com/elonfeng/langsync/pkg/status"
)

// MustOpenStore opens a fresh SQLite store in a per-test temp directory and
// closes it on cleanup.
func MustOpenStore(t testing.TB) *store.SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "langsync.db")
	s, err := store.New(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// Str returns a pointer to v.
func Str(v string) *string { return &v }

// SeedTrack inserts a synced item with no text.
func SeedTrack(t testing.TB, s store.Store, id, name, artists, addedAt string) {
	t.Helper()

	err := s.Upsert(context.Background(), store.ItemUpdate{
		ID:          id,
		DisplayName: Str(name),
		Attribution: Str(artists),
		AddedAt:     Str(addedAt),
		Source:      Str("spotify"),
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

// SeedClassified inserts a synced item with text and stores confidences
// resolved against the default thresholds.
func SeedClassified(t testing.TB, s store.Store, id, addedAt string, conf map[string]float64) {
	t.Helper()

	SeedTrack(t, s, id, "Song "+id, "Artist "+id, addedAt)
	ctx := context.Background()
	if err := s.Upsert(ctx, store.ItemUpdate{ID: id, Text: Str("lyrics of " + id)}); err != nil {
		t.Fatalf("seed text %s: %v", id, err)
	}
	err := s.SetClassification(ctx, id, store.Classification{
		Confidences: conf,
		Resolution:  status.Resolve(conf, status.DefaultThresholds()),
		ModelTag:    "test-model",
	})
	if err != nil {
		t.Fatalf("seed classification %s: %v", id, err)
	}
}
