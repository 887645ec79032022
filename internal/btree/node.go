// Package btree implements the two B-tree personalities of spec.md
// §4.5: an in-place, lock-coupled Dynamic tree backing each memtable,
// and a copy-on-write Packed tree bulk-built from a sorted iterator to
// back each on-disk branch. Both share the node encoding in this file,
// adapted from the teacher's BNode (sorted offset array over a flat
// byte page) generalized from raw values to spec.md §3 messages
// (INSERT/UPDATE/DELETE, merged via a user-supplied DataConfig).
package btree

import (
	"encoding/binary"

	"github.com/IVOES/splinterdb/internal/config"
	"github.com/IVOES/splinterdb/internal/pagestore"
)

// header layout, mirroring the teacher's BNode but leaving byte 0 for
// the shared pagestore page-type tag:
//
//	| ptype(1) | nkeys(2) | pointers (nkeys*8) | offsets (nkeys*2) | entries... |
const (
	headerOff = 1
	header    = headerOff + 2
)

// node is a thin view over one page's raw bytes, generalizing the
// teacher's BNode to carry a message (kind + payload) per leaf entry
// instead of a bare value.
type node struct {
	data []byte
}

func (n node) isLeaf() bool {
	return pagestore.TypeOf(n.data) == pagestore.TypeBTreeLeaf
}

func (n node) nKeys() uint16 {
	return binary.LittleEndian.Uint16(n.data[headerOff:])
}

func (n node) setNKeys(k uint16) {
	binary.LittleEndian.PutUint16(n.data[headerOff:], k)
}

func (n node) getPtr(i uint16) pagestore.PageAddr {
	pos := header + 8*i
	return pagestore.PageAddr(binary.LittleEndian.Uint64(n.data[pos:]))
}

func (n node) setPtr(i uint16, addr pagestore.PageAddr) {
	pos := header + 8*i
	binary.LittleEndian.PutUint64(n.data[pos:], uint64(addr))
}

func offsetPos(n node, i uint16) int {
	return header + 8*int(n.nKeys()) + 2*(int(i)-1)
}

func (n node) getOffset(i uint16) uint16 {
	if i == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(n.data[offsetPos(n, i):])
}

func (n node) setOffset(i uint16, off uint16) {
	binary.LittleEndian.PutUint16(n.data[offsetPos(n, i):], off)
}

func (n node) kvPos(i uint16) int {
	return header + 8*int(n.nKeys()) + 2*int(n.nKeys()) + int(n.getOffset(i))
}

// entry layout: klen(2) kind(1) vlen(2) key val
const entryHeader = 5

func (n node) getKey(i uint16) []byte {
	pos := n.kvPos(i)
	klen := binary.LittleEndian.Uint16(n.data[pos:])
	return n.data[pos+entryHeader:][:klen]
}

func (n node) getMessage(i uint16) config.Message {
	pos := n.kvPos(i)
	klen := binary.LittleEndian.Uint16(n.data[pos:])
	kind := config.MessageKind(n.data[pos+2])
	vlen := binary.LittleEndian.Uint16(n.data[pos+3:])
	val := n.data[pos+entryHeader+int(klen):][:vlen]
	return config.Message{Kind: kind, Data: val}
}

func (n node) nbytes() int {
	return n.kvPos(n.nKeys())
}

func setHeader(n node, t pagestore.PageType, nkeys uint16) {
	pagestore.PutType(n.data, t)
	n.setNKeys(nkeys)
}

// appendKV writes entry i of new: ptr (child addr, 0 for a leaf), key,
// and msg (zero-value for an index entry). It also advances the
// offset of entry i+1 so appends can proceed left to right.
func appendKV(new node, i uint16, ptr pagestore.PageAddr, key []byte, msg config.Message) {
	new.setPtr(i, ptr)
	pos := new.kvPos(i)
	binary.LittleEndian.PutUint16(new.data[pos:], uint16(len(key)))
	new.data[pos+2] = byte(msg.Kind)
	binary.LittleEndian.PutUint16(new.data[pos+3:], uint16(len(msg.Data)))
	copy(new.data[pos+entryHeader:], key)
	copy(new.data[pos+entryHeader+len(key):], msg.Data)
	new.setOffset(i+1, new.getOffset(i)+entryHeader+uint16(len(key)+len(msg.Data)))
}

// appendRange copies num entries from old[src:] into new[dst:],
// preserving pointers and re-basing offsets.
func appendRange(new, old node, dst, src, num uint16) {
	if num == 0 {
		return
	}
	for i := uint16(0); i < num; i++ {
		new.setPtr(dst+i, old.getPtr(src+i))
	}
	dstBegin := new.getOffset(dst)
	srcBegin := old.getOffset(src)
	for i := uint16(1); i <= num; i++ {
		new.setOffset(dst+i, dstBegin+old.getOffset(src+i)-srcBegin)
	}
	begin := old.kvPos(src)
	end := old.kvPos(src + num)
	copy(new.data[new.kvPos(dst):], old.data[begin:end])
}

// lookupLE returns the largest index i such that node's key[i] <= key
// (index 0 if none, matching the teacher's convention of a leading
// dummy/pivot key that covers the whole key space).
func lookupLE(n node, key []byte, cmp func(a, b []byte) int) uint16 {
	found := uint16(0)
	nk := n.nKeys()
	for i := uint16(1); i < nk; i++ {
		c := cmp(n.getKey(i), key)
		if c <= 0 {
			found = i
		}
		if c > 0 {
			break
		}
	}
	return found
}
