package taxonomy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkRecord(kind Kind, msg string) *Record {
	return Capture(map[string]interface{}{"message": msg}, kind)
}

func TestHistory_RingEviction(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 150; i++ {
		h.Append(mkRecord(KindRuntime, fmt.Sprintf("error %d", i)))
	}

	records := h.Records(Filter{})
	require.Len(t, records, HistoryCapacity)

	// Oldest first: records 50..149 survive.
	assert.Equal(t, "error 50", records[0].Message)
	assert.Equal(t, "error 149", records[len(records)-1].Message)
}

func TestHistory_OrderBeforeWrap(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 10; i++ {
		h.Append(mkRecord(KindParse, fmt.Sprintf("error %d", i)))
	}
	records := h.Records(Filter{})
	require.Len(t, records, 10)
	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("error %d", i), rec.Message)
	}
}

func TestHistory_FilterByKindAndCategory(t *testing.T) {
	h := NewHistory()
	h.Append(mkRecord(KindCompile, "Unexpected token ')'"))
	h.Append(mkRecord(KindRuntime, "null instance access"))
	h.Append(mkRecord(KindRuntime, "Index out of bounds"))
	h.Append(mkRecord(KindSecurity, "blocked pattern"))

	assert.Len(t, h.Records(Filter{Kind: KindRuntime}), 2)
	assert.Len(t, h.Records(Filter{Kind: KindCompile}), 1)
	assert.Len(t, h.Records(Filter{Category: CategoryIndexOOB}), 1)
	assert.Len(t, h.Records(Filter{Kind: KindRuntime, Category: CategoryNullPointer}), 1)
	assert.Empty(t, h.Records(Filter{Kind: KindCompile, Category: CategoryNullPointer}))
}

func TestHistory_FilterSince(t *testing.T) {
	h := NewHistory()
	old := mkRecord(KindRuntime, "old")
	old.Timestamp = time.Now().Add(-time.Hour)
	h.Append(old)
	h.Append(mkRecord(KindRuntime, "new"))

	recent := h.Records(Filter{Since: time.Now().Add(-time.Minute)})
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].Message)
}

func TestHistory_Resolve(t *testing.T) {
	h := NewHistory()
	rec := mkRecord(KindCompile, "Expected ':'")
	h.Append(rec)

	require.False(t, rec.Resolved)
	h.Resolve(rec)
	assert.True(t, rec.Resolved)
	assert.False(t, rec.ResolvedAt.IsZero())

	// Resolving again keeps the original resolution time.
	first := rec.ResolvedAt
	h.Resolve(rec)
	assert.Equal(t, first, rec.ResolvedAt)

	h.Resolve(nil) // must not panic
}

func TestHistory_Stats(t *testing.T) {
	h := NewHistory()
	h.Append(mkRecord(KindRuntime, "null instance"))
	h.Append(mkRecord(KindRuntime, "Index out of bounds"))
	h.Append(mkRecord(KindCompile, "Unexpected token"))

	stale := mkRecord(KindParse, "old parse failure")
	stale.Timestamp = time.Now().Add(-time.Hour)
	h.Append(stale)

	stats := h.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByKind[KindRuntime])
	assert.Equal(t, 1, stats.ByKind[KindCompile])
	assert.Equal(t, 1, stats.ByKind[KindParse])
	assert.Equal(t, 1, stats.ByCategory[CategoryNullPointer])
	assert.Equal(t, 3, stats.RecentCount)
}
