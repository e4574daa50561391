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
	"sync"

	"matrixinfer.ai/inferengine/pkg/logger"
	"matrixinfer.ai/inferengine/pkg/types"
)

var log = logger.NewLogger("kvcache")

// AttentionView is what GatherForAttention hands the attention executor:
// the ordered block ids backing a sequence and how many tokens of
// context they currently hold.
type AttentionView struct {
	Blocks        []BlockID
	ContextLength int
	// TotalLength is the sequence's full committed token count, before
	// any sliding-window trim; ReadLayer needs it to find the window's
	// tail within the physically stored range.
	TotalLength int
}

// layerArena is one layer's physical K/V storage. K and V are both laid
// out token-major as [numBlocks, B, kvHeads, headDim], flattened into a
// single slice per tensor; the interleaved K layout that
// Layout.Interleave() describes is not applied here.
type layerArena struct {
	k []float32
	v []float32
}

func newLayerArena(numBlocks, kvHeads, headDim, blockSize int) layerArena {
	return layerArena{
		k: make([]float32, numBlocks*kvHeads*headDim*blockSize),
		v: make([]float32, numBlocks*kvHeads*headDim*blockSize),
	}
}

// Manager is the local tier of Component D: a free-list, per-sequence
// block tables, and a refcount per block, shared by every layer's arena.
type Manager struct {
	mu sync.Mutex

	blockSize int
	kvHeads   int
	headDim   int
	numBlocks int
	layout    Layout

	freeList []BlockID
	refcount []int32
	tables   map[SeqID][]blockHandle

	layers []layerArena
}

// Config bundles the static shape parameters a Manager is built from.
type Config struct {
	NumLayers int
	NumBlocks int
	BlockSize int
	KVHeads   int
	HeadDim   int
	Layout    Layout
}

// NewManager allocates the full block arena (every layer's K/V tensors)
// and the free-list up front; no dynamic tensor growth happens after
// this point (§9: fixed-size arenas).
func NewManager(cfg Config) *Manager {
	m := &Manager{
		blockSize: cfg.BlockSize,
		kvHeads:   cfg.KVHeads,
		headDim:   cfg.HeadDim,
		numBlocks: cfg.NumBlocks,
		layout:    cfg.Layout,
		refcount:  make([]int32, cfg.NumBlocks),
		tables:    make(map[SeqID][]blockHandle),
		layers:    make([]layerArena, cfg.NumLayers),
	}
	m.freeList = make([]BlockID, cfg.NumBlocks)
	for i := range m.freeList {
		m.freeList[i] = BlockID(i)
	}
	for i := range m.layers {
		m.layers[i] = newLayerArena(cfg.NumBlocks, cfg.KVHeads, cfg.HeadDim, cfg.BlockSize)
	}
	return m
}

func (m *Manager) blocksNeededFor(existing []blockHandle, totalTokens int) int {
	capacity := 0
	if len(existing) > 0 {
		capacity = (len(existing)-1)*m.blockSize + m.blockSize
	}
	remaining := totalTokens - capacity
	if remaining <= 0 {
		return 0
	}
	n := remaining / m.blockSize
	if remaining%m.blockSize != 0 {
		n++
	}
	return n
}

// Allocate ensures seq's block table can hold neededTokens total
// tokens, appending fresh refcount-1 blocks from the free-list (§4.3).
func (m *Manager) Allocate(seq SeqID, neededTokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.tables[seq]
	toAdd := m.blocksNeededFor(existing, neededTokens)
	if toAdd == 0 {
		return nil
	}
	if toAdd > len(m.freeList) {
		return ErrOutOfMemory{Seq: seq, BlocksNeeded: toAdd, BlocksFree: len(m.freeList)}
	}

	newBlocks := m.freeList[len(m.freeList)-toAdd:]
	m.freeList = m.freeList[:len(m.freeList)-toAdd]
	for _, id := range newBlocks {
		m.refcount[id] = 1
		existing = append(existing, blockHandle{id: id, committed: 0})
	}
	m.tables[seq] = existing
	return nil
}

// Fork copies parent's block table into child and increments every
// block's refcount, in O(|table|) (§4.3).
func (m *Manager) Fork(parent, child SeqID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forkLocked(parent, child, false)
}

// ForkRewind forks parent into child like Fork, then rewinds child's
// last block's committed counter back by one slot. A fresh fork's
// committed counts otherwise mirror parent's exactly — physical cache
// content matching logical prompt length slot for slot — but the
// scheduler always re-feeds a Running sequence's own last committed
// token to produce the next step's logits, and for a sibling that
// token is the prompt's final one, already written under the parent.
// Rewinding lets that re-feed land back in the slot it already
// occupies (recomputing identical K/V for a token that never moves)
// instead of appending past everything actually cached; the shared
// block's refcount still forces a private copy on that first write,
// same as any other divergent sibling history (§4.3, §6: n_choices
// fan-out via fork).
func (m *Manager) ForkRewind(parent, child SeqID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forkLocked(parent, child, true)
}

func (m *Manager) forkLocked(parent, child SeqID, rewind bool) error {
	parentTable, ok := m.tables[parent]
	if !ok {
		return ErrUnknownSequence{Seq: parent}
	}
	childTable := make([]blockHandle, len(parentTable))
	copy(childTable, parentTable)
	for _, h := range childTable {
		m.refcount[h.id]++
	}
	if rewind {
		if last := len(childTable) - 1; last >= 0 && childTable[last].committed > 0 {
			childTable[last].committed--
		}
	}
	m.tables[child] = childTable
	return nil
}

// SlotMapping is where, physically, each of a Write call's new tokens
// lands: which block and which slot within that block.
type SlotMapping struct {
	Block BlockID
	Slot  int
}

// Write computes the slot mapping for newTokens and scatters
// (newK, newV) into the physical tensors, copy-on-writing the block
// writing resumes in first if it is shared (§4.3).
func (m *Manager) Write(seq SeqID, layer int, newTokens []types.Token, newK, newV []float32) ([]SlotMapping, error) {
	if m.layout != FullPrecision {
		return nil, ErrUnsupportedLayout{Layout: m.layout}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[seq]
	if !ok {
		return nil, ErrUnknownSequence{Seq: seq}
	}
	if len(table) == 0 {
		return nil, ErrOutOfMemory{Seq: seq, BlocksNeeded: 1, BlocksFree: len(m.freeList)}
	}

	// Writing resumes at the first block with a free slot; Allocate may
	// have appended several empty blocks after it.
	start := 0
	for start < len(table)-1 && table[start].committed == m.blockSize {
		start++
	}
	if m.refcount[table[start].id] > 1 {
		if err := m.copyOnWrite(seq, table, start); err != nil {
			return nil, err
		}
		table = m.tables[seq]
	}

	mapping := make([]SlotMapping, 0, len(newTokens))
	arena := &m.layers[layer]
	stride := m.kvHeads * m.headDim

	idx := start
	for range newTokens {
		if table[idx].committed == m.blockSize {
			idx++
			if idx >= len(table) {
				return nil, ErrOutOfMemory{Seq: seq, BlocksNeeded: 1, BlocksFree: len(m.freeList)}
			}
		}
		slot := table[idx].committed
		mapping = append(mapping, SlotMapping{Block: table[idx].id, Slot: slot})
		table[idx].committed++
	}
	m.tables[seq] = table

	for i, sm := range mapping {
		base := int(sm.Block)*stride*m.blockSize + sm.Slot*stride
		copy(arena.k[base:base+stride], newK[i*stride:(i+1)*stride])
		copy(arena.v[base:base+stride], newV[i*stride:(i+1)*stride])
	}
	return mapping, nil
}

// copyOnWrite replaces table[idx] with a fresh block holding the same
// committed slots (copied across every layer's arena at once, since a
// block table entry is shared by all layers), decrementing the shared
// block's refcount.
func (m *Manager) copyOnWrite(seq SeqID, table []blockHandle, idx int) error {
	if len(m.freeList) == 0 {
		return ErrOutOfMemory{Seq: seq, BlocksNeeded: 1, BlocksFree: 0}
	}
	fresh := m.freeList[len(m.freeList)-1]
	m.freeList = m.freeList[:len(m.freeList)-1]
	m.refcount[fresh] = 1

	old := table[idx]
	stride := m.kvHeads * m.headDim
	for _, arena := range m.layers {
		srcBase := int(old.id) * stride * m.blockSize
		dstBase := int(fresh) * stride * m.blockSize
		n := old.committed * stride
		copy(arena.k[dstBase:dstBase+n], arena.k[srcBase:srcBase+n])
		copy(arena.v[dstBase:dstBase+n], arena.v[srcBase:srcBase+n])
	}

	m.refcount[old.id]--
	if m.refcount[old.id] == 0 {
		m.freeList = append(m.freeList, old.id)
	}

	newTable := make([]blockHandle, len(table))
	copy(newTable, table)
	newTable[idx] = blockHandle{id: fresh, committed: old.committed}
	m.tables[seq] = newTable
	return nil
}

// Free decrements the refcount on every block in seq's table, reclaiming
// any block that drops to zero (§4.3).
func (m *Manager) Free(seq SeqID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[seq]
	if !ok {
		return
	}
	for _, h := range table {
		m.refcount[h.id]--
		if m.refcount[h.id] == 0 {
			m.freeList = append(m.freeList, h.id)
		}
	}
	delete(m.tables, seq)
}

// GatherForAttention produces the block table and context length the
// attention kernel needs (§4.3). window, when > 0, trims the reported
// context length to the last window tokens without reclaiming any
// block mid-sequence (§4.3's sliding-window paragraph): evicted
// positions are logically unreadable but their storage stays owned by
// the sequence until Free.
func (m *Manager) GatherForAttention(seq SeqID, window int) (AttentionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[seq]
	if !ok {
		return AttentionView{}, ErrUnknownSequence{Seq: seq}
	}
	total := 0
	for _, h := range table {
		total += h.committed
	}
	ctxLen := total
	if window > 0 && window < total {
		ctxLen = window
	}
	blocks := make([]BlockID, len(table))
	for i, h := range table {
		blocks[i] = h.id
	}
	return AttentionView{Blocks: blocks, ContextLength: ctxLen, TotalLength: total}, nil
}

// ReadLayer gathers layer's committed K/V content for blocks into two
// flat [totalTokens, kvHeads*headDim] slices, then returns only the
// last contextLen tokens of that range — the window-trimmed tail, as
// GatherForAttention's ContextLength means when a sliding window is in
// effect (§4.3: evicted positions stay stored but unreadable until the
// sequence is freed).
func (m *Manager) ReadLayer(layer int, blocks []BlockID, totalTokens, contextLen int) (k, v []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stride := m.kvHeads * m.headDim
	allK := make([]float32, 0, totalTokens*stride)
	allV := make([]float32, 0, totalTokens*stride)
	arena := &m.layers[layer]
	remaining := totalTokens
	for _, id := range blocks {
		if remaining <= 0 {
			break
		}
		take := m.blockSize
		if take > remaining {
			take = remaining
		}
		base := int(id) * stride * m.blockSize
		n := take * stride
		allK = append(allK, arena.k[base:base+n]...)
		allV = append(allV, arena.v[base:base+n]...)
		remaining -= take
	}
	if contextLen >= totalTokens {
		return allK, allV
	}
	skip := (totalTokens - contextLen) * stride
	return allK[skip:], allV[skip:]
}

// Capacity reports the manager's fixed total block count, for callers
// deciding whether a request could ever fit even after evicting
// everything else.
func (m *Manager) Capacity() int {
	return m.numBlocks
}

// BlockSize reports the fixed number of token slots per block.
func (m *Manager) BlockSize() int {
	return m.blockSize
}

// FreeBlockCount reports the current free-list size, for metrics.
func (m *Manager) FreeBlockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.freeList)
}

// TotalRefcount sums refcounts over every block, an invariant check
// exercised by tests (§4.3: "sum of refcounts ... equals total
// outstanding references").
func (m *Manager) TotalRefcount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, rc := range m.refcount {
		total += int64(rc)
	}
	return total
}
