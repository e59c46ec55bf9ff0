package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/cellsync/internal/store"
)

type fakeStore struct {
	ids     []string
	listErr error
	failing map[string]bool
	pruned  map[string]int
}

func (f *fakeStore) DocumentIDsWithChangeLogs(ctx context.Context) ([]string, error) {
	return f.ids, f.listErr
}

func (f *fakeStore) PruneChangeLogs(ctx context.Context, documentID string, keep int) (int64, error) {
	if f.failing[documentID] {
		return 0, errors.New("boom")
	}
	if f.pruned == nil {
		f.pruned = make(map[string]int)
	}
	f.pruned[documentID] = keep
	return 2, nil
}

func TestPruneNowVisitsEveryDocument(t *testing.T) {
	fs := &fakeStore{ids: []string{"1", "2", "3"}, failing: map[string]bool{"2": true}}
	s := New(fs, Config{Interval: time.Minute, KeepPerDocument: 5})

	removed := s.PruneNow(context.Background())

	assert.Equal(t, int64(4), removed)
	assert.Equal(t, map[string]int{"1": 5, "3": 5}, fs.pruned)
}

func TestPruneNowListFailure(t *testing.T) {
	fs := &fakeStore{listErr: errors.New("db down")}
	s := New(fs, DefaultConfig())

	assert.Zero(t, s.PruneNow(context.Background()))
	assert.Empty(t, fs.pruned)
}

func TestDisabledService(t *testing.T) {
	fs := &fakeStore{ids: []string{"1"}}
	s := New(fs, Config{Interval: time.Minute})

	assert.False(t, s.Enabled())
	assert.Zero(t, s.PruneNow(context.Background()))

	s.Start()
	s.Stop()
	assert.NotPanics(t, s.Stop)
	assert.Empty(t, fs.pruned)
}

func TestServiceRunsOnInterval(t *testing.T) {
	db, err := store.New(store.DriverSQLite, filepath.Join(t.TempDir(), "retention.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.CreateUser(ctx, "u1", "alice")
	require.NoError(t, err)
	_, err = db.CreateDocument(ctx, "42", "Budget", "u1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		row, col := i, 0
		value := "v"
		_, err := db.AppendChangeLog(ctx, store.ChangeLogAppend{
			DocumentID: "42",
			UserID:     "u1",
			Action:     "CELL_EDIT",
			Row:        &row,
			Col:        &col,
			NewValue:   &value,
		})
		require.NoError(t, err)
	}

	s := New(db, Config{Interval: 20 * time.Millisecond, KeepPerDocument: 2})
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		_, total, err := db.ListChangeLogs(ctx, "42", 0, 50)
		return err == nil && total == 2
	}, 3*time.Second, 20*time.Millisecond)
}
