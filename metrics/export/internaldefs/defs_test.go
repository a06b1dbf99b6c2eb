package internaldefs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterDefsUniqueAndPrefixed(t *testing.T) {
	names := make(map[string]struct{}, len(CounterDefs))
	ids := make(map[uint16]struct{}, len(CounterDefs))
	for _, def := range CounterDefs {
		assert.True(t, strings.HasPrefix(def.Name, "authcore_"), def.Name)
		assert.True(t, strings.HasSuffix(def.Name, "_total"), def.Name)
		assert.NotEmpty(t, def.Help)

		_, dupName := names[def.Name]
		_, dupID := ids[uint16(def.ID)]
		require.False(t, dupName, "duplicate name %s", def.Name)
		require.False(t, dupID, "duplicate id for %s", def.Name)
		names[def.Name] = struct{}{}
		ids[uint16(def.ID)] = struct{}{}
	}
}

func TestBucketHelpers(t *testing.T) {
	assert.Equal(t, [8]uint64{1, 2, 0, 0, 0, 0, 0, 0}, NormalizeBuckets([]uint64{1, 2}))
	assert.Equal(t, [8]uint64{1, 2, 3, 4, 5, 6, 7, 8}, NormalizeBuckets([]uint64{1, 2, 3, 4, 5, 6, 7, 8, 9}))
	assert.Equal(t, [8]uint64{1, 3, 6, 10, 15, 21, 28, 36}, CumulativeBuckets([8]uint64{1, 2, 3, 4, 5, 6, 7, 8}))
	assert.Len(t, HistogramBounds, len(HistogramBoundSuffix))
}
