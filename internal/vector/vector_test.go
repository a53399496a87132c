package vector_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/activitylog/internal/vector"
)

func rec(id int64, ts int64, typ, doc string) vector.Record {
	return vector.Record{
		ID:       vector.RecordID(id),
		Document: doc,
		Metadata: vector.Metadata{
			TimestampUnix: ts,
			EndUnix:       ts + 60,
			RecordType:    vector.RecordTypeSession,
			ActivityType:  typ,
			SourceDBID:    id,
			SourceType:    "screen",
			App:           "firefox",
			Extra:         map[string]string{"k": "v"},
		},
	}
}

type backendCase struct {
	name string
	open func(t *testing.T, dir string) vector.Backend
}

func backends() []backendCase {
	return []backendCase{
		{"sqlite", func(t *testing.T, dir string) vector.Backend {
			b, err := vector.NewSQLiteBackend(vector.SQLiteConfig{Dir: dir, Embedder: vector.NewHashEmbedder(4096), BatchLimit: 10})
			require.NoError(t, err)
			return b
		}},
		{"bleve", func(t *testing.T, dir string) vector.Backend {
			b, err := vector.NewBleveBackend(vector.BleveConfig{Dir: dir, BatchLimit: 10})
			require.NoError(t, err)
			return b
		}},
	}
}

func TestBackends(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			b := bc.open(t, "")
			t.Cleanup(func() { b.Close() })

			assert.Equal(t, 10, b.MaxBatch())
			max, err := b.MaxSourceID(ctx)
			require.NoError(t, err)
			assert.Zero(t, max, "empty backend")

			require.NoError(t, b.Upsert(ctx, []vector.Record{
				rec(1, 1000, "coding", "editing main.go in vim"),
				rec(2, 2000, "browsing", "reading golang documentation"),
				rec(3, 3000, "coding", "debugging tests in vim"),
			}))

			t.Run("upsert overwrites", func(t *testing.T) {
				require.NoError(t, b.Upsert(ctx, []vector.Record{rec(2, 2000, "browsing", "reading rust documentation")}))
				n, err := b.Count(ctx)
				require.NoError(t, err)
				assert.Equal(t, 3, n)

				got, err := b.Query(ctx, "rust", 10, &vector.TimeRange{Start: 2000, End: 2000})
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, "reading rust documentation", got[0].Document)
			})

			t.Run("time filter", func(t *testing.T) {
				got, err := b.Query(ctx, "vim", 10, &vector.TimeRange{Start: 2500, End: 3500})
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, vector.RecordID(3), got[0].ID)
				assert.Equal(t, int64(3), got[0].Metadata.SourceDBID)
				assert.Equal(t, "coding", got[0].Metadata.ActivityType)
				assert.Equal(t, "firefox", got[0].Metadata.App)
				assert.Equal(t, "v", got[0].Metadata.Extra["k"])

				none, err := b.Query(ctx, "vim", 10, &vector.TimeRange{Start: 5000, End: 6000})
				require.NoError(t, err)
				assert.Empty(t, none)
			})

			t.Run("ranking and k", func(t *testing.T) {
				got, err := b.Query(ctx, "vim", 2, &vector.TimeRange{Start: 0, End: 10000})
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, "coding", got[0].Metadata.ActivityType)
				assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
			})

			t.Run("max source id", func(t *testing.T) {
				max, err := b.MaxSourceID(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(3), max)
			})

			t.Run("batch limit", func(t *testing.T) {
				big := make([]vector.Record, 11)
				for i := range big {
					big[i] = rec(int64(100+i), 9000, "x", "x")
				}
				assert.Error(t, b.Upsert(ctx, big))
			})

			t.Run("delete before", func(t *testing.T) {
				n, err := b.DeleteBefore(ctx, 2000)
				require.NoError(t, err)
				assert.Equal(t, 1, n)
				count, _ := b.Count(ctx)
				assert.Equal(t, 2, count)
			})

			t.Run("reset", func(t *testing.T) {
				require.NoError(t, b.Reset(ctx))
				count, err := b.Count(ctx)
				require.NoError(t, err)
				assert.Zero(t, count)
			})
		})
	}
}

func TestBackends_PersistAcrossReopen(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			b := bc.open(t, dir)
			require.NoError(t, b.Upsert(ctx, []vector.Record{rec(7, 100, "a", "alpha"), rec(9, 200, "a", "beta")}))
			require.NoError(t, b.Close())

			b2 := bc.open(t, dir)
			defer b2.Close()
			max, err := b2.MaxSourceID(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(9), max)
		})
	}
}

func TestBackends_Closed(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			b := bc.open(t, "")
			require.NoError(t, b.Close())
			require.NoError(t, b.Close(), "close is idempotent")
			err := b.Upsert(context.Background(), []vector.Record{rec(1, 1, "a", "a")})
			assert.True(t, errors.Is(err, vector.ErrClosed))
		})
	}
}

func TestRecordID(t *testing.T) {
	assert.Equal(t, "record_42", vector.RecordID(42))
	id, err := vector.ParseRecordID("record_42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	_, err = vector.ParseRecordID("doc_1")
	assert.Error(t, err)
}
