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
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// directoryKeyPrefix mirrors the teacher's "matrix:kv:block:" scheme,
// scoped here to worker-ownership announcements rather than pod
// routing scores: the field set under one block's key is the set of
// worker ids that currently hold it, not a score.
const directoryKeyPrefix = "matrix:kv:block:"

// directoryTimeout bounds every Redis round trip this package makes,
// matching the teacher's 5s budget for cache-coordination queries.
const directoryTimeout = 5 * time.Second

// Directory is the optional distributed tier: a Redis-backed map from
// (model, block hash) to the set of worker ids known to hold that
// block, letting a worker discover a cross-worker prefix match before
// falling back to local-only matching (§3.4's "Distributed directory").
type Directory struct {
	client *redis.Client
}

// NewDirectory wraps an existing Redis client. The caller owns the
// client's lifecycle (connection pool, TLS, auth).
func NewDirectory(client *redis.Client) *Directory {
	return &Directory{client: client}
}

func directoryKey(model string, hash uint64) string {
	return fmt.Sprintf("%s%s@%d", directoryKeyPrefix, model, hash)
}

// Announce records that workerID holds the block identified by
// (model, hash), so other workers' FindOwners calls can discover it.
func (d *Directory) Announce(ctx context.Context, model string, hash uint64, workerID string) error {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	key := directoryKey(model, hash)
	return d.client.HSet(ctx, key, workerID, strconv.FormatInt(time.Now().Unix(), 10)).Err()
}

// Withdraw removes workerID's ownership record for a block, called
// when a worker frees the sequence that was backing it.
func (d *Directory) Withdraw(ctx context.Context, model string, hash uint64, workerID string) error {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	return d.client.HDel(ctx, directoryKey(model, hash), workerID).Err()
}

// FindOwners pipelines one HKeys per hash and returns, for each
// position in hashes, the worker ids that own that block. A hash with
// no owners yet is omitted from the result map.
func (d *Directory) FindOwners(ctx context.Context, model string, hashes []uint64) (map[uint64][]string, error) {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()

	owners := make(map[uint64][]string, len(hashes))
	if len(hashes) == 0 {
		return owners, nil
	}

	pipe := d.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(hashes))
	for i, h := range hashes {
		cmds[i] = pipe.HKeys(ctx, directoryKey(model, h))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for i, cmd := range cmds {
		workers, err := cmd.Result()
		if err != nil || len(workers) == 0 {
			continue
		}
		owners[hashes[i]] = workers
	}
	return owners, nil
}

// LongestPrefixOwner walks hashes from the start, returning the worker
// id holding the longest unbroken prefix match and how many blocks
// matched. ok is false when no worker holds even the first block.
func LongestPrefixOwner(owners map[uint64][]string, hashes []uint64) (worker string, matchedBlocks int, ok bool) {
	if len(hashes) == 0 {
		return "", 0, false
	}
	first, exists := owners[hashes[0]]
	if !exists || len(first) == 0 {
		return "", 0, false
	}
	candidates := map[string]bool{}
	for _, w := range first {
		candidates[w] = true
	}

	matched := 0
	for i := 0; i < len(hashes); i++ {
		workers, exists := owners[hashes[i]]
		if !exists {
			break
		}
		present := map[string]bool{}
		for _, w := range workers {
			present[w] = true
		}
		next := map[string]bool{}
		for w := range candidates {
			if present[w] {
				next[w] = true
			}
		}
		if len(next) == 0 {
			break
		}
		candidates = next
		matched = i + 1
	}
	for w := range candidates {
		return w, matched, true
	}
	return "", 0, false
}
