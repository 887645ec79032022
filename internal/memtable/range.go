package memtable

import (
	"sort"

	"github.com/IVOES/splinterdb/internal/btree"
	"github.com/IVOES/splinterdb/internal/config"
)

// RangeFrom returns every key >= start currently held across the
// ring's live slots, ascending, folded newest-slot-first the same way
// Get folds a single key (spec.md §4.6). Slots are small and bounded
// by the flush threshold, so each is materialized in full rather than
// merged through a streaming cursor.
func (r *Ring) RangeFrom(start []byte, limit int) ([][]byte, []config.Message, error) {
	order := r.snapshotNewestFirst()

	acc := map[string]config.Message{}
	var keys [][]byte
	for _, slot := range order {
		if slot.tree == nil {
			continue
		}
		it, err := slot.tree.Seek(start, btree.GE)
		if err != nil {
			return nil, nil, err
		}
		for it.Valid() {
			k, msg := it.Deref()
			ks := string(k)
			if existing, ok := acc[ks]; ok {
				acc[ks] = r.dataCfg.Merge(msg, existing)
			} else {
				acc[ks] = msg
				keys = append(keys, append([]byte(nil), k...))
			}
			it.Next()
		}
		it.Close()
	}

	sort.Slice(keys, func(i, j int) bool { return r.dataCfg.Compare(keys[i], keys[j]) < 0 })

	outKeys := make([][]byte, 0, len(keys))
	outMsgs := make([]config.Message, 0, len(keys))
	for _, k := range keys {
		msg := r.dataCfg.MergeFinal(acc[string(k)])
		outKeys = append(outKeys, k)
		outMsgs = append(outMsgs, msg)
		if limit > 0 && len(outKeys) >= limit {
			break
		}
	}
	return outKeys, outMsgs, nil
}
