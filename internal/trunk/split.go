package trunk

import (
	"context"
	"sort"

	"github.com/IVOES/splinterdb/internal/btree"
	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/filter"
	"github.com/IVOES/splinterdb/internal/workers"
)

// maxConcurrentChildChecks bounds how many children distributeBranch
// just pushed into get re-examined for overflow at once, so a leaf
// split or push-down with a wide fanout doesn't pile up one goroutine
// per child.
const maxConcurrentChildChecks = 4

// memSource replays a fixed, already-sorted in-memory (key, message)
// slice, feeding btree.Pack when rebuilding a branch's data across a
// new pivot band (spec.md §4.5, Packed B-tree is "built bulk from a
// sorted iterator").
type memSource struct {
	keys [][]byte
	msgs []config.Message
	i    int
}

func (s *memSource) Next() ([]byte, config.Message, bool, error) {
	if s.i >= len(s.keys) {
		return nil, config.Message{}, false, nil
	}
	k, m := s.keys[s.i], s.msgs[s.i]
	s.i++
	return k, m, true, nil
}

const targetBranchesPerLeaf = 4

// maybeSplitLeaf implements spec.md §4.7 "Leaf split": called with n's
// write lock already held (by InsertBranch). A leaf whose own branch
// list has grown past threshold is turned into a k-way index node,
// each new pivot band getting its own freshly repacked slice of every
// overflowing branch.
//
// A node that is already an index node re-overflowing on its own
// pending branches (admitted directly, since InsertBranch always
// targets the root) is instead handled by pushing those branches down
// into its *existing* children (pushDownOwnBranches) rather than
// re-splitting, since its pivot set is already fixed.
func (t *Tree) maybeSplitLeaf(id nodeID, n *node) error {
	if len(n.branches) <= t.maxBranches && n.tupleCount <= t.maxTuples {
		return nil
	}
	if !n.isLeaf() {
		return t.pushDownOwnBranches(n)
	}

	k := len(n.branches) / targetBranchesPerLeaf
	if k < 2 {
		k = 2
	}
	if k-1 > t.maxPivotKeys {
		// REDESIGN FLAGS item 9: raise the bound rather than cascade
		// the split into a parent or reject the insert.
		t.logger.Warn().Int("node", int(id)).Int("needed", k-1).Int("had", t.maxPivotKeys).
			Msg("raising trunk max pivot keys to absorb oversized leaf split")
		t.maxPivotKeys = k - 1
	}

	pivots := choosePivots(n.branches, t.cmp, k)
	children := make([]nodeID, k)
	nodes := make([]*node, k)
	for i := range children {
		children[i] = t.newNode(true)
		nodes[i] = t.node(children[i])
	}

	for _, b := range n.branches {
		if err := t.distributeBranch(b, pivots, nodes); err != nil {
			return err
		}
	}

	n.children = children
	n.pivots = pivots
	n.branches = nil
	n.filt = filter.New(256, t.fpRate)
	n.nextLID = 0
	n.tupleCount = 0
	n.generation++
	t.logger.Info().Int("node", int(id)).Int("children", k).Msg("trunk leaf split")
	return t.checkChildrenOverflow(children)
}

// pushDownOwnBranches distributes an index node's own pending branches
// across its existing children by pivot-band overlap, without
// changing its pivot set.
func (t *Tree) pushDownOwnBranches(n *node) error {
	nodes := make([]*node, len(n.children))
	for i, cid := range n.children {
		nodes[i] = t.node(cid)
	}
	children := n.children
	for _, b := range n.branches {
		if err := t.distributeBranch(b, n.pivots, nodes); err != nil {
			return err
		}
	}
	n.branches = nil
	n.filt = filter.New(256, t.fpRate)
	n.nextLID = 0
	n.tupleCount = 0
	n.generation++
	return t.checkChildrenOverflow(children)
}

// checkChildrenOverflow re-examines each of ids after distributeBranch
// has just pushed branches into them: distributeBranch only repacks
// and appends, it never retriggers a split or compaction on its
// targets, so without this a non-root child's branch list could grow
// past threshold indefinitely. Each child is checked concurrently,
// bounded by a workers.Batch so a wide fanout doesn't spawn one
// goroutine per child unchecked.
func (t *Tree) checkChildrenOverflow(ids []nodeID) error {
	b := workers.NewBatch(context.Background(), maxConcurrentChildChecks)
	for _, id := range ids {
		id := id
		b.Go(func(context.Context) error {
			return t.checkOverflow(id)
		})
	}
	return b.Wait()
}

// checkOverflow re-applies the same threshold test InsertBranch runs
// on the root to a child that was just handed new branches via
// distributeBranch, recursing into maybeSplitLeaf/pushDownOwnBranches
// if it now overflows.
func (t *Tree) checkOverflow(id nodeID) error {
	n := t.node(id)
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.branches) <= t.maxBranches && n.tupleCount <= t.maxTuples {
		return nil
	}
	return t.maybeSplitLeaf(id, n)
}

// choosePivots samples k-1 evenly spaced pivot keys from the sorted,
// deduplicated keyMin of branches.
func choosePivots(branches []*branch, cmp func(a, b []byte) int, k int) [][]byte {
	keys := make([][]byte, 0, len(branches))
	for _, b := range branches {
		if b.keyMin != nil {
			keys = append(keys, b.keyMin)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return cmp(keys[i], keys[j]) < 0 })
	keys = dedupeSorted(keys, cmp)
	if len(keys) == 0 {
		return nil
	}
	if k-1 >= len(keys) {
		k = len(keys) + 1
	}
	if k < 2 {
		return nil
	}
	pivots := make([][]byte, 0, k-1)
	step := float64(len(keys)) / float64(k)
	for i := 1; i < k; i++ {
		idx := int(float64(i) * step)
		if idx >= len(keys) {
			idx = len(keys) - 1
		}
		pivots = append(pivots, keys[idx])
	}
	return pivots
}

func dedupeSorted(keys [][]byte, cmp func(a, b []byte) int) [][]byte {
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || cmp(k, out[len(out)-1]) != 0 {
			out = append(out, k)
		}
	}
	return out
}

// childBand returns the index of the pivot band key falls into, given
// pivots in ascending order (band i covers [pivots[i-1], pivots[i])).
func childBand(key []byte, pivots [][]byte, cmp func(a, b []byte) int) int {
	idx := 0
	for i, p := range pivots {
		if cmp(key, p) >= 0 {
			idx = i + 1
		} else {
			break
		}
	}
	return idx
}

// distributeBranch streams b's full contents once and routes each
// entry into the node owning its pivot band, repacking each non-empty
// slice into a brand-new branch on that node.
func (t *Tree) distributeBranch(b *branch, pivots [][]byte, nodes []*node) error {
	p := btree.OpenPacked(t.cache, b.root, t.cmp)
	it, err := p.Iter()
	if err != nil {
		return err
	}
	defer it.Close()

	keys := make([][][]byte, len(nodes))
	msgs := make([][]config.Message, len(nodes))
	for it.Valid() {
		k, m := it.Deref()
		band := childBand(k, pivots, t.cmp)
		keys[band] = append(keys[band], append([]byte(nil), k...))
		msgs[band] = append(msgs[band], config.Message{Kind: m.Kind, Data: append([]byte(nil), m.Data...)})
		it.Next()
	}
	for i, n := range nodes {
		if err := t.packInto(n, keys[i], msgs[i]); err != nil {
			return err
		}
	}
	return nil
}

// packInto bulk-packs keys/msgs into a fresh branch owned by n,
// registering it in n's filter under a freshly issued local branch id.
func (t *Tree) packInto(n *node, keys [][]byte, msgs []config.Message) error {
	if len(keys) == 0 {
		return nil
	}
	root, count, err := btree.Pack(t.cache, t.alloc, allocBatch, t.pageSize, &memSource{keys: keys, msgs: msgs})
	if err != nil {
		return err
	}
	localID := n.nextLID
	n.nextLID++
	for _, k := range keys {
		n.filt.Add(filter.Hash(k), localID)
	}
	n.branches = append(n.branches, &branch{localID: localID, root: root, keyMin: keys[0], keyMax: keys[len(keys)-1], tuples: count})
	n.tupleCount += count
	n.generation++
	return nil
}
