// Package btree implements devi's per-collection primary index: an
// ordered string-key → page-number map stored as a B+Tree over pages
// handed out by storage.Pager, plus TxBTree, the transaction-scoped
// copy-on-write overlay used while a write transaction is active.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/devi-db/devi/dberr"
	"github.com/devi-db/devi/storage"
)

// Order bounds keys/children per node before a split (spec.md BTREE_ORDER).
const Order = storage.BTreeOrder

// maxNodeEntries is a defensive cap rejecting corrupt pages that claim
// an implausible entry/child count.
const maxNodeEntries = 1000

const (
	nodeTypeInternal byte = 0
	nodeTypeLeaf     byte = 1

	nodeTypeOff  = 0
	nodeKeysOff  = 1 // uint16 key count
	nodeParentOff = 3 // uint64, informational only

	leafNextLeafOff = nodeParentOff + 8 // uint64
	leafDataOff     = leafNextLeafOff + 8 + 2 // + uint16 entry count

	internalChildCountOff = nodeParentOff + 8 // uint16
	internalDataOff       = internalChildCountOff + 2
)

// Entry is one (key, value) pair in a leaf.
type Entry struct {
	Key   string
	Value storage.PageNum
}

// Node is the in-memory decoding of one B+Tree page.
type Node struct {
	Leaf     bool
	Parent   storage.PageNum
	Entries  []Entry          // leaf only, sorted ascending by Key
	NextLeaf storage.PageNum  // leaf only
	Keys     []string         // internal only, sorted ascending
	Children []storage.PageNum // internal only, len == len(Keys)+1
}

// NewLeaf returns an empty leaf node.
func NewLeaf() *Node { return &Node{Leaf: true} }

// Serialize renders n into a page-sized buffer per spec.md §3.4.
func (n *Node) Serialize() ([storage.PageSize]byte, error) {
	var buf [storage.PageSize]byte
	if n.Leaf {
		if len(n.Entries) > maxNodeEntries {
			return buf, fmt.Errorf("devi: leaf has %d entries, exceeds cap %d", len(n.Entries), maxNodeEntries)
		}
		buf[nodeTypeOff] = nodeTypeLeaf
		binary.LittleEndian.PutUint16(buf[nodeKeysOff:], uint16(len(n.Entries)))
		binary.LittleEndian.PutUint64(buf[nodeParentOff:], uint64(n.Parent))
		binary.LittleEndian.PutUint64(buf[leafNextLeafOff:], uint64(n.NextLeaf))
		binary.LittleEndian.PutUint16(buf[leafNextLeafOff+8:], uint16(len(n.Entries)))
		off := leafDataOff
		for _, e := range n.Entries {
			kb := []byte(e.Key)
			if off+2+len(kb)+8 > storage.PageSize {
				return buf, fmt.Errorf("devi: leaf node overflowed page capacity")
			}
			binary.LittleEndian.PutUint16(buf[off:], uint16(len(kb)))
			off += 2
			copy(buf[off:], kb)
			off += len(kb)
			binary.LittleEndian.PutUint64(buf[off:], uint64(e.Value))
			off += 8
		}
		return buf, nil
	}

	if len(n.Keys)+1 != len(n.Children) {
		return buf, fmt.Errorf("devi: internal node has %d keys but %d children", len(n.Keys), len(n.Children))
	}
	if len(n.Keys) > maxNodeEntries {
		return buf, fmt.Errorf("devi: internal node has %d keys, exceeds cap %d", len(n.Keys), maxNodeEntries)
	}
	buf[nodeTypeOff] = nodeTypeInternal
	binary.LittleEndian.PutUint16(buf[nodeKeysOff:], uint16(len(n.Keys)))
	binary.LittleEndian.PutUint64(buf[nodeParentOff:], uint64(n.Parent))
	binary.LittleEndian.PutUint16(buf[internalChildCountOff:], uint16(len(n.Children)))
	off := internalDataOff
	for _, c := range n.Children {
		if off+8 > storage.PageSize {
			return buf, fmt.Errorf("devi: internal node overflowed page capacity")
		}
		binary.LittleEndian.PutUint64(buf[off:], uint64(c))
		off += 8
	}
	for _, k := range n.Keys {
		kb := []byte(k)
		if off+2+len(kb) > storage.PageSize {
			return buf, fmt.Errorf("devi: internal node overflowed page capacity")
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(kb)))
		off += 2
		copy(buf[off:], kb)
		off += len(kb)
	}
	return buf, nil
}

// DeserializeNode decodes a page-sized buffer back into a Node.
func DeserializeNode(buf [storage.PageSize]byte, pageNum storage.PageNum) (*Node, error) {
	nodeType := buf[nodeTypeOff]
	numKeys := binary.LittleEndian.Uint16(buf[nodeKeysOff:])
	if int(numKeys) > maxNodeEntries {
		return nil, dberr.Corruption("btree", uint64(pageNum), "key count exceeds node capacity")
	}
	parent := storage.PageNum(binary.LittleEndian.Uint64(buf[nodeParentOff:]))

	switch nodeType {
	case nodeTypeLeaf:
		nextLeaf := storage.PageNum(binary.LittleEndian.Uint64(buf[leafNextLeafOff:]))
		entryCount := binary.LittleEndian.Uint16(buf[leafNextLeafOff+8:])
		if int(entryCount) > maxNodeEntries {
			return nil, dberr.Corruption("btree", uint64(pageNum), "entry count exceeds node capacity")
		}
		entries := make([]Entry, 0, entryCount)
		off := leafDataOff
		for i := 0; i < int(entryCount); i++ {
			if off+2 > storage.PageSize {
				return nil, dberr.Corruption("btree", uint64(pageNum), "leaf entry truncated")
			}
			kl := int(binary.LittleEndian.Uint16(buf[off:]))
			off += 2
			if off+kl+8 > storage.PageSize {
				return nil, dberr.Corruption("btree", uint64(pageNum), "leaf entry truncated")
			}
			key := string(buf[off : off+kl])
			off += kl
			val := storage.PageNum(binary.LittleEndian.Uint64(buf[off:]))
			off += 8
			entries = append(entries, Entry{Key: key, Value: val})
		}
		return &Node{Leaf: true, Parent: parent, Entries: entries, NextLeaf: nextLeaf}, nil

	case nodeTypeInternal:
		childCount := binary.LittleEndian.Uint16(buf[internalChildCountOff:])
		if int(childCount) > maxNodeEntries+1 {
			return nil, dberr.Corruption("btree", uint64(pageNum), "child count exceeds node capacity")
		}
		off := internalDataOff
		children := make([]storage.PageNum, 0, childCount)
		for i := 0; i < int(childCount); i++ {
			if off+8 > storage.PageSize {
				return nil, dberr.Corruption("btree", uint64(pageNum), "internal children truncated")
			}
			children = append(children, storage.PageNum(binary.LittleEndian.Uint64(buf[off:])))
			off += 8
		}
		keys := make([]string, 0, numKeys)
		for i := 0; i < int(numKeys); i++ {
			if off+2 > storage.PageSize {
				return nil, dberr.Corruption("btree", uint64(pageNum), "internal keys truncated")
			}
			kl := int(binary.LittleEndian.Uint16(buf[off:]))
			off += 2
			if off+kl > storage.PageSize {
				return nil, dberr.Corruption("btree", uint64(pageNum), "internal keys truncated")
			}
			keys = append(keys, string(buf[off:off+kl]))
			off += kl
		}
		if len(keys)+1 != len(children) {
			return nil, dberr.Corruption("btree", uint64(pageNum), "key/child count mismatch")
		}
		return &Node{Leaf: false, Parent: parent, Keys: keys, Children: children}, nil

	default:
		return nil, dberr.Corruption("btree", uint64(pageNum), "invalid node type byte")
	}
}
