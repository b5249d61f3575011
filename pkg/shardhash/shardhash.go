// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shardhash computes the stable FNV-1a shard index used to
// partition an index actor's instances across N shard actors.
package shardhash

const (
	offsetBasis uint32 = 0x811c9dc5
	primeFNV    uint32 = 0x01000193
)

// Of returns the shard index for id within [0, shardCount). The
// algorithm is pinned byte-for-byte (seed and prime constants, XOR then
// multiply per byte) so the same id maps to the same shard in every
// implementation of this spec, not just this one.
func Of(id string, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	h := offsetBasis
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= primeFNV
	}
	return int(h % uint32(shardCount))
}
