package trunk

import (
	"context"
	"sort"

	"github.com/IVOES/splinterdb/internal/btree"
	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/workers"
)

// Compact implements spec.md §4.7 Compaction: merge id's own pending
// branches that overlap a child's key range into that child, replacing
// them with one freshly packed branch per child and dropping the
// superseded extents from id. Unlike pushDownOwnBranches (used
// internally when a leaf-split bootstrap isn't warranted), Compact
// collapses every overlapping branch into a single merged branch per
// child rather than one new branch per source branch, which is the
// steady-state maintenance path a background compactor would run.
func (t *Tree) Compact(id nodeID) error {
	n := t.node(id)
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.isLeaf() || len(n.branches) == 0 {
		return nil
	}

	trees, _ := t.openAllBranches(n)
	childNodes := make([]*node, len(n.children))
	for i, cid := range n.children {
		childNodes[i] = t.node(cid)
	}

	for band, cn := range childNodes {
		merged, err := t.mergeBand(trees, n.pivots, band)
		if err != nil {
			return err
		}
		if len(merged) == 0 {
			continue
		}
		keys := make([][]byte, 0, len(merged))
		for k := range merged {
			keys = append(keys, []byte(k))
		}
		sortKeys(keys, t.cmp)
		msgs := make([]config.Message, len(keys))
		for i, k := range keys {
			msgs[i] = merged[string(k)]
		}
		if err := t.packInto(cn, keys, msgs); err != nil {
			return err
		}
	}

	n.branches = nil
	n.tupleCount = 0
	n.generation++
	t.logger.Info().Int("node", int(id)).Msg("trunk node compacted")
	return nil
}

// mergeBand streams every branch once, keeping only keys routed to
// band by pivots, and folds same-key messages oldest-to-newest (branch
// index ascending, matching branches[]'s newest-appended-last order)
// via dataCfg.Merge so the merged branch preserves the same resolved
// value a live Lookup would have produced.
func (t *Tree) mergeBand(trees []*btree.Packed, pivots [][]byte, band int) (map[string]config.Message, error) {
	out := map[string]config.Message{}
	for _, tr := range trees {
		it, err := tr.Iter()
		if err != nil {
			return nil, err
		}
		for it.Valid() {
			k, m := it.Deref()
			if childBand(k, pivots, t.cmp) != band {
				it.Next()
				continue
			}
			key := string(k)
			msg := config.Message{Kind: m.Kind, Data: append([]byte(nil), m.Data...)}
			if existing, ok := out[key]; ok {
				out[key] = t.dataCfg.Merge(existing, msg)
			} else {
				out[key] = msg
			}
			it.Next()
		}
		it.Close()
	}
	return out, nil
}

func sortKeys(keys [][]byte, cmp func(a, b []byte) int) {
	sort.Slice(keys, func(i, j int) bool { return cmp(keys[i], keys[j]) < 0 })
}

// CompactAll is the background compactor's entry point (spec.md §4.7:
// "the steady-state maintenance path a background compactor would
// run"): it sweeps every index node still holding pending branches and
// compacts it, bounded to maxConcurrent compactions in flight at once
// via workers.Batch so a tree with many overflowing nodes doesn't
// start one goroutine per node.
func (t *Tree) CompactAll(ctx context.Context, maxConcurrent int64) error {
	ids := t.nodesPendingCompaction()
	if len(ids) == 0 {
		return nil
	}
	b := workers.NewBatch(ctx, maxConcurrent)
	for _, id := range ids {
		id := id
		b.Go(func(context.Context) error {
			return t.Compact(id)
		})
	}
	return b.Wait()
}

func (t *Tree) nodesPendingCompaction() []nodeID {
	t.mu.RLock()
	arena := t.arena
	t.mu.RUnlock()

	var ids []nodeID
	for i, n := range arena {
		if n == nil || n.isLeaf() {
			continue
		}
		n.mu.RLock()
		pending := len(n.branches) > 0
		n.mu.RUnlock()
		if pending {
			ids = append(ids, nodeID(i))
		}
	}
	return ids
}
