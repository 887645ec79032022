package trunk

import (
	"sort"

	"github.com/IVOES/splinterdb/internal/btree"
	"github.com/IVOES/splinterdb/internal/config"
)

// RangeFrom implements spec.md §6's Range operation: every live key
// >= start, ascending, with deletes and UPDATE chains already resolved
// (spec.md §4.7's Lookup merge rule applied per key instead of just at
// one key). limit caps the result count; 0 means unlimited.
//
// Each node's branches are materialized into an accumulator map in one
// pass rather than merged through a streaming cursor: trunk leaves are
// bounded by Config.MaxTuples, so a leaf-at-a-time full scan stays
// cheap without the complexity of a k-way streaming merge across
// branches and tree levels.
func (t *Tree) RangeFrom(start []byte, limit int) ([][]byte, []config.Message, error) {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()

	acc := map[string]config.Message{}
	var keys [][]byte
	if err := t.rangeWalk(root, start, acc, &keys); err != nil {
		return nil, nil, err
	}

	sort.Slice(keys, func(i, j int) bool { return t.cmp(keys[i], keys[j]) < 0 })

	outKeys := make([][]byte, 0, len(keys))
	outMsgs := make([]config.Message, 0, len(keys))
	for _, k := range keys {
		msg := t.dataCfg.MergeFinal(acc[string(k)])
		if msg.Kind == config.Delete {
			continue
		}
		outKeys = append(outKeys, k)
		outMsgs = append(outMsgs, msg)
		if limit > 0 && len(outKeys) >= limit {
			break
		}
	}
	return outKeys, outMsgs, nil
}

func (t *Tree) rangeWalk(id nodeID, start []byte, acc map[string]config.Message, keys *[][]byte) error {
	n := t.node(id)
	n.mu.RLock()
	defer n.mu.RUnlock()

	// This node's own pending branches sit "ahead of" its children in
	// merge order (spec.md §4.7), so fold them in newest-first before
	// descending.
	for i := len(n.branches) - 1; i >= 0; i-- {
		b := n.branches[i]
		p := btree.OpenPacked(t.cache, b.root, t.cmp)
		it, err := p.Seek(start, btree.GE)
		if err != nil {
			return err
		}
		for it.Valid() {
			k, msg := it.Deref()
			ks := string(k)
			if existing, ok := acc[ks]; ok {
				acc[ks] = t.dataCfg.Merge(msg, existing)
			} else {
				acc[ks] = msg
				*keys = append(*keys, append([]byte(nil), k...))
			}
			it.Next()
		}
		it.Close()
	}

	if n.isLeaf() {
		return nil
	}
	for _, child := range n.children {
		if err := t.rangeWalk(child, start, acc, keys); err != nil {
			return err
		}
	}
	return nil
}
