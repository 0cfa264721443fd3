package llm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDimensionGuard(t *testing.T) {
	var g DimensionGuard

	_, ok := g.Dimensions("e")
	assert.False(t, ok)

	require.NoError(t, g.Check("embed", "e", 2, []EmbeddingVector{{1, 2, 3}, {4, 5, 6}}))
	n, ok := g.Dimensions("e")
	require.True(t, ok)
	assert.Equal(t, 3, n)

	tests := []struct {
		name    string
		want    int
		vectors []EmbeddingVector
	}{
		{"count", 3, []EmbeddingVector{{1, 2, 3}}},
		{"ragged", 2, []EmbeddingVector{{1, 2, 3}, {1, 2}}},
		{"empty vector", 1, []EmbeddingVector{{}}},
		{"width changed", 1, []EmbeddingVector{{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check("embed", "e", tt.want, tt.vectors)
			assert.True(t, IsProtocol(err), "got %v", err)
		})
	}

	// Other models keep their own width.
	assert.NoError(t, g.Check("embed", "other", 1, []EmbeddingVector{{1, 2}}))
}

func TestDimensionGuardConcurrent(t *testing.T) {
	var g DimensionGuard
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Check("embed", "e", 1, []EmbeddingVector{{1, 2, 3, 4}}))
		}()
	}
	wg.Wait()
	n, _ := g.Dimensions("e")
	assert.Equal(t, 4, n)
}
