/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixinfer.ai/inferengine/pkg/types"
)

func testManager(numBlocks int) *Manager {
	return NewManager(Config{
		NumLayers: 2,
		NumBlocks: numBlocks,
		BlockSize: 4,
		KVHeads:   2,
		HeadDim:   8,
		Layout:    FullPrecision,
	})
}

func kv(n int) []float32 { return make([]float32, n*2*8) }

func TestAllocateAndWrite(t *testing.T) {
	m := testManager(8)
	require.NoError(t, m.Allocate("s1", 6))

	toks := []types.Token{1, 2, 3, 4, 5, 6}
	mapping, err := m.Write("s1", 0, toks, kv(6), kv(6))
	require.NoError(t, err)
	require.Len(t, mapping, 6)
	assert.Equal(t, 2, len(m.tables["s1"]))
	assert.Equal(t, 6, m.FreeBlockCount())
}

func TestOutOfMemory(t *testing.T) {
	m := testManager(1)
	err := m.Allocate("s1", 100)
	require.Error(t, err)
	assert.IsType(t, ErrOutOfMemory{}, err)
}

func TestForkIncrementsRefcountAndCopyOnWrite(t *testing.T) {
	m := testManager(8)
	require.NoError(t, m.Allocate("parent", 4))
	_, err := m.Write("parent", 0, []types.Token{1, 2, 3}, kv(3), kv(3))
	require.NoError(t, err)

	require.NoError(t, m.Fork("parent", "child"))
	assert.Equal(t, int64(2), refcountOf(m, m.tables["parent"][0].id))

	// Writing into the shared block on either side triggers COW and
	// leaves the other side's block untouched.
	_, err = m.Write("child", 0, []types.Token{5}, kv(1), kv(1))
	require.NoError(t, err)
	assert.NotEqual(t, m.tables["parent"][0].id, m.tables["child"][0].id)
	assert.Equal(t, int64(1), refcountOf(m, m.tables["parent"][0].id))
}

func TestForkRewindLetsSiblingRewriteTheLastPromptSlot(t *testing.T) {
	m := testManager(8)
	require.NoError(t, m.Allocate("parent", 3))
	_, err := m.Write("parent", 0, []types.Token{1, 2, 3}, kv(3), kv(3))
	require.NoError(t, err)

	require.NoError(t, m.ForkRewind("parent", "child"))
	assert.Equal(t, 2, m.tables["child"][0].committed, "rewound by one slot relative to parent's 3")
	assert.Equal(t, 3, m.tables["parent"][0].committed, "parent's own committed count is untouched")

	// The scheduler always re-feeds a Running sequence's own last
	// committed token; for a fresh sibling that is the prompt's last
	// token, landing back in the slot it already occupies rather than
	// past the end of what the fork actually copied.
	_, err = m.Write("child", 0, []types.Token{3}, kv(1), kv(1))
	require.NoError(t, err)
	assert.Equal(t, 3, m.tables["child"][0].committed)
	assert.NotEqual(t, m.tables["parent"][0].id, m.tables["child"][0].id, "the shared slot was copy-on-written on first divergent write")
}

func refcountOf(m *Manager, id BlockID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.refcount[id])
}

func TestFreeReturnsBlocksToFreeList(t *testing.T) {
	m := testManager(8)
	require.NoError(t, m.Allocate("s1", 4))
	before := m.FreeBlockCount()
	m.Free("s1")
	assert.Equal(t, before+1, m.FreeBlockCount())
	assert.Equal(t, int64(0), m.TotalRefcount())
}

func TestGatherForAttentionSlidingWindow(t *testing.T) {
	m := testManager(8)
	require.NoError(t, m.Allocate("s1", 8))
	_, err := m.Write("s1", 0, make([]types.Token, 8), kv(8), kv(8))
	require.NoError(t, err)

	view, err := m.GatherForAttention("s1", 0)
	require.NoError(t, err)
	assert.Equal(t, 8, view.ContextLength)

	windowed, err := m.GatherForAttention("s1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, windowed.ContextLength)
	assert.Len(t, windowed.Blocks, len(view.Blocks), "sliding window trims context length, not the block table, until the sequence is freed")
}

func TestRefcountInvariantHoldsAcrossForkAndFree(t *testing.T) {
	m := testManager(8)
	require.NoError(t, m.Allocate("p", 4))
	require.NoError(t, m.Fork("p", "c1"))
	require.NoError(t, m.Fork("p", "c2"))
	assert.Equal(t, int64(3), m.TotalRefcount())
	m.Free("c1")
	assert.Equal(t, int64(2), m.TotalRefcount())
	m.Free("c2")
	m.Free("p")
	assert.Equal(t, int64(0), m.TotalRefcount())
	assert.Equal(t, 8, m.FreeBlockCount())
}
