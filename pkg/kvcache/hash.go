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
	"encoding/binary"

	"github.com/cespare/xxhash"

	"matrixinfer.ai/inferengine/pkg/types"
)

// BlockHashes splits tokens into fixed-size blocks and returns one
// chained hash per block: block i's hash folds in block i-1's hash, so
// two sequences only share a hash at position i if every block up to
// and including i is identical. This lets LongestPrefixOwner-style prefix
// lookups (pkg/kvcache's distributed directory) stop at the first
// mismatch instead of matching out-of-order block collisions.
func BlockHashes(tokens []types.Token, blockSize int) []uint64 {
	if len(tokens) == 0 || blockSize <= 0 {
		return nil
	}
	numBlocks := len(tokens) / blockSize
	if numBlocks == 0 {
		return nil
	}
	hashes := make([]uint64, numBlocks)
	var prev uint64
	buf := make([]byte, blockSize*4+8)
	for i := 0; i < numBlocks; i++ {
		block := tokens[i*blockSize : (i+1)*blockSize]
		n := 0
		binary.BigEndian.PutUint64(buf[n:], prev)
		n += 8
		for _, tok := range block {
			binary.BigEndian.PutUint32(buf[n:], uint32(tok))
			n += 4
		}
		h := xxhash.Sum64(buf[:n])
		hashes[i] = h
		prev = h
	}
	return hashes
}
