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

package hashring

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/datastore"
	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/logger"
)

var log = logger.NewLogger("hashring")

const (
	DefaultVirtualNodes = 160
	MaxVirtualNodes     = 4096
)

type vnode struct {
	hash  uint64
	owner int32
	index int32
}

// snapshot is never modified after it is published.
type snapshot struct {
	version uint64
	vnodes  []vnode
	owners  []datastore.Worker
	byAddr  map[string]int32
}

// Ring is a consistent hash ring over the workers of a single role.
// Lookups read the current snapshot without locking; mutations build a new
// snapshot under mu and swap it in.
type Ring struct {
	role         datastore.Role
	virtualNodes int

	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

func New(role datastore.Role, virtualNodes int) (*Ring, error) {
	if virtualNodes <= 0 || virtualNodes > MaxVirtualNodes {
		return nil, fmt.Errorf("virtual nodes must be in [1, %d], got %d", MaxVirtualNodes, virtualNodes)
	}
	r := &Ring{role: role, virtualNodes: virtualNodes}
	r.current.Store(&snapshot{byAddr: map[string]int32{}})
	return r, nil
}

func vnodeHash(address string, i int) uint64 {
	return xxhash.Sum64String(address + ":" + strconv.Itoa(i))
}

// KeyHash is the position of a routing key on the ring.
func KeyHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

func (r *Ring) Role() datastore.Role {
	return r.role
}

func (r *Ring) VirtualNodes() int {
	return r.virtualNodes
}

func (r *Ring) Version() uint64 {
	return r.current.Load().version
}

// Len returns the number of virtual nodes on the ring.
func (r *Ring) Len() int {
	return len(r.current.Load().vnodes)
}

// Members returns the ring owners ordered by address.
func (r *Ring) Members() []datastore.Worker {
	snap := r.current.Load()
	members := make([]datastore.Worker, len(snap.owners))
	copy(members, snap.owners)
	sort.Slice(members, func(i, j int) bool { return members[i].Address < members[j].Address })
	return members
}

// Build replaces the ring contents with the given workers.
func (r *Ring) Build(workers []datastore.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owners := make([]datastore.Worker, 0, len(workers))
	byAddr := make(map[string]int32, len(workers))
	for _, w := range workers {
		if idx, ok := byAddr[w.Address]; ok {
			owners[idx] = w
			continue
		}
		byAddr[w.Address] = int32(len(owners))
		owners = append(owners, w)
	}

	vnodes := make([]vnode, 0, len(owners)*r.virtualNodes)
	for idx, w := range owners {
		vnodes = r.appendVnodes(vnodes, w.Address, int32(idx))
	}
	sortVnodes(vnodes, owners)
	r.publish(vnodes, owners, byAddr)
}

// Add places a worker on the ring. Adding a known address only refreshes
// its metadata and status.
func (r *Ring) Add(w datastore.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if idx, ok := cur.byAddr[w.Address]; ok {
		owners := make([]datastore.Worker, len(cur.owners))
		copy(owners, cur.owners)
		owners[idx] = w
		r.publish(cur.vnodes, owners, cur.byAddr)
		return
	}

	owners := make([]datastore.Worker, len(cur.owners), len(cur.owners)+1)
	copy(owners, cur.owners)
	owners = append(owners, w)
	byAddr := make(map[string]int32, len(owners))
	for k, v := range cur.byAddr {
		byAddr[k] = v
	}
	idx := int32(len(owners) - 1)
	byAddr[w.Address] = idx

	vnodes := make([]vnode, len(cur.vnodes), len(cur.vnodes)+r.virtualNodes)
	copy(vnodes, cur.vnodes)
	vnodes = r.appendVnodes(vnodes, w.Address, idx)
	sortVnodes(vnodes, owners)
	r.publish(vnodes, owners, byAddr)
	log.Debugf("%s ring: added %s, %d vnodes", r.role, w.Address, len(vnodes))
}

// Remove takes every virtual node of the address off the ring.
func (r *Ring) Remove(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	removed, ok := cur.byAddr[address]
	if !ok {
		return false
	}

	owners := make([]datastore.Worker, 0, len(cur.owners)-1)
	byAddr := make(map[string]int32, len(cur.owners)-1)
	remap := make([]int32, len(cur.owners))
	for idx, w := range cur.owners {
		if int32(idx) == removed {
			remap[idx] = -1
			continue
		}
		remap[idx] = int32(len(owners))
		byAddr[w.Address] = int32(len(owners))
		owners = append(owners, w)
	}

	vnodes := make([]vnode, 0, len(cur.vnodes)-r.virtualNodes)
	for _, vn := range cur.vnodes {
		if vn.owner == removed {
			continue
		}
		vn.owner = remap[vn.owner]
		vnodes = append(vnodes, vn)
	}
	r.publish(vnodes, owners, byAddr)
	log.Debugf("%s ring: removed %s, %d vnodes", r.role, address, len(vnodes))
	return true
}

// SetStatus changes the health of a ring owner without moving any virtual node.
func (r *Ring) SetStatus(address string, status datastore.HealthStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	idx, ok := cur.byAddr[address]
	if !ok {
		return false
	}
	if cur.owners[idx].Status == status {
		return true
	}
	owners := make([]datastore.Worker, len(cur.owners))
	copy(owners, cur.owners)
	owners[idx].Status = status
	r.publish(cur.vnodes, owners, cur.byAddr)
	return true
}

// Lookup returns the first healthy owner clockwise from the key's hash.
func (r *Ring) Lookup(key string) (datastore.Worker, error) {
	w, _, err := r.LookupWithVersion(key)
	return w, err
}

// LookupWithVersion is Lookup plus the version of the snapshot that answered.
func (r *Ring) LookupWithVersion(key string) (datastore.Worker, uint64, error) {
	snap := r.current.Load()
	n := len(snap.vnodes)
	if n == 0 {
		return datastore.Worker{}, snap.version, fmt.Errorf("%s ring is empty: %w", r.role, datastore.ErrNoAvailableWorker)
	}

	h := KeyHash(key)
	start := sort.Search(n, func(i int) bool { return snap.vnodes[i].hash >= h })

	var skipped []bool
	unavailable := 0
	for step := 0; step < n; step++ {
		vn := snap.vnodes[(start+step)%n]
		owner := snap.owners[vn.owner]
		if owner.Available() {
			return owner, snap.version, nil
		}
		if skipped == nil {
			skipped = make([]bool, len(snap.owners))
		}
		if !skipped[vn.owner] {
			skipped[vn.owner] = true
			unavailable++
			if unavailable == len(snap.owners) {
				break
			}
		}
	}
	return datastore.Worker{}, snap.version, fmt.Errorf("no healthy owner on %s ring: %w", r.role, datastore.ErrNoAvailableWorker)
}

// Distribution returns the fraction of the hash space owned by each address.
func (r *Ring) Distribution() map[string]float64 {
	snap := r.current.Load()
	dist := make(map[string]float64, len(snap.owners))
	n := len(snap.vnodes)
	if n == 0 {
		return dist
	}
	if len(snap.owners) == 1 {
		dist[snap.owners[0].Address] = 1
		return dist
	}
	const space = float64(1<<63) * 2
	for i, vn := range snap.vnodes {
		prev := snap.vnodes[(i+n-1)%n].hash
		// keys in (prev, vn.hash] land on vn, uint64 subtraction handles the wrap
		arc := vn.hash - prev
		dist[snap.owners[vn.owner].Address] += float64(arc) / space
	}
	return dist
}

func (r *Ring) appendVnodes(vnodes []vnode, address string, owner int32) []vnode {
	for i := 0; i < r.virtualNodes; i++ {
		vnodes = append(vnodes, vnode{hash: vnodeHash(address, i), owner: owner, index: int32(i)})
	}
	return vnodes
}

// sortVnodes orders by hash, breaking ties by owner address and then vnode index.
func sortVnodes(vnodes []vnode, owners []datastore.Worker) {
	sort.Slice(vnodes, func(i, j int) bool {
		a, b := vnodes[i], vnodes[j]
		if a.hash != b.hash {
			return a.hash < b.hash
		}
		if owners[a.owner].Address != owners[b.owner].Address {
			return owners[a.owner].Address < owners[b.owner].Address
		}
		return a.index < b.index
	})
}

func (r *Ring) publish(vnodes []vnode, owners []datastore.Worker, byAddr map[string]int32) {
	next := &snapshot{
		version: r.current.Load().version + 1,
		vnodes:  vnodes,
		owners:  owners,
		byAddr:  byAddr,
	}
	r.current.Store(next)
}
