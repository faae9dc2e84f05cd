package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidityKeeper/internal/model"
)

func TestJsonlStorageAppendsSteps(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "steps.jsonl")
	sink := NewJsonlStorage(path)

	require.NoError(t, sink.PutSteps(ctx, []model.StepRow{{Step: 0, Tick: 10}, {Step: 1, Tick: 20}}))
	require.NoError(t, sink.PutSteps(ctx, nil))
	require.NoError(t, sink.PutSteps(ctx, []model.StepRow{{Step: 2, Tick: -5, Error: "boom"}}))

	rows, err := ReadLines[model.StepRow](path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int32(20), rows[1].Tick)
	assert.Equal(t, "boom", rows[2].Error)
}

func TestFileStateStore(t *testing.T) {
	ctx := context.Background()
	store := &FileStateStore{Path: filepath.Join(t.TempDir(), "state.json")}

	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, at))

	got, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, at.Equal(got))
}

func TestNilStateStoreIsEmpty(t *testing.T) {
	var store *FileStateStore
	_, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, store.Save(context.Background(), time.Now()))
}
