package btree

import (
	"sort"

	"github.com/devi-db/devi/storage"
)

// BTree is the plain, non-transactional view of a persistent index:
// simple recursive descent, in-place writes of freshly allocated
// pages. Used for reads outside a transaction and for building a
// brand-new index (Database.CreateIndex).
type BTree struct {
	Root  storage.PageNum
	pager *storage.Pager
}

// Open wraps an existing root page.
func Open(pager *storage.Pager, root storage.PageNum) *BTree {
	return &BTree{Root: root, pager: pager}
}

// New allocates an empty leaf root and returns a BTree over it.
func New(pager *storage.Pager) (*BTree, error) {
	pn, err := pager.AllocPage()
	if err != nil {
		return nil, err
	}
	buf, err := NewLeaf().Serialize()
	if err != nil {
		return nil, err
	}
	if err := pager.WritePage(pn, buf); err != nil {
		return nil, err
	}
	return &BTree{Root: pn, pager: pager}, nil
}

func (t *BTree) readNode(pn storage.PageNum) (*Node, error) {
	buf, err := t.pager.ReadPage(pn)
	if err != nil {
		return nil, err
	}
	return DeserializeNode(buf, pn)
}

// childIndex returns the index of the child subtree that may contain
// key, given an internal node's sorted Keys: all keys in
// children[i] are < Keys[i], and in children[i+1] are >= Keys[i].
func childIndex(keys []string, key string) int {
	return sort.Search(len(keys), func(i int) bool { return keys[i] > key })
}

// Get descends to the leaf owning key and returns its value.
func (t *BTree) Get(key string) (storage.PageNum, bool, error) {
	pn := t.Root
	for {
		n, err := t.readNode(pn)
		if err != nil {
			return 0, false, err
		}
		if n.Leaf {
			i := sort.Search(len(n.Entries), func(i int) bool { return n.Entries[i].Key >= key })
			if i < len(n.Entries) && n.Entries[i].Key == key {
				return n.Entries[i].Value, true, nil
			}
			return 0, false, nil
		}
		pn = n.Children[childIndex(n.Keys, key)]
	}
}

// HasPrefix reports whether any key in the tree starts with prefix,
// short-circuiting on the first match, e.g. whether any composite
// "<value>\x1f<doc_id>" index entry exists for a value.
func (t *BTree) HasPrefix(prefix string) (bool, error) {
	leaf, err := t.leftmostLeaf()
	if err != nil {
		return false, err
	}
	for leaf != 0 {
		n, err := t.readNode(leaf)
		if err != nil {
			return false, err
		}
		for _, e := range n.Entries {
			if len(e.Key) >= len(prefix) && e.Key[:len(prefix)] == prefix {
				return true, nil
			}
		}
		leaf = n.NextLeaf
	}
	return false, nil
}

func (t *BTree) leftmostLeaf() (storage.PageNum, error) {
	pn := t.Root
	for {
		n, err := t.readNode(pn)
		if err != nil {
			return 0, err
		}
		if n.Leaf {
			return pn, nil
		}
		pn = n.Children[0]
	}
}

// All returns every (key, value) pair in ascending key order.
func (t *BTree) All() ([]Entry, error) {
	var out []Entry
	leaf, err := t.leftmostLeaf()
	if err != nil {
		return nil, err
	}
	for leaf != 0 {
		n, err := t.readNode(leaf)
		if err != nil {
			return nil, err
		}
		out = append(out, n.Entries...)
		leaf = n.NextLeaf
	}
	return out, nil
}

// Insert is the simple, non-CoW insert used when building a fresh
// index outside a transaction (Database.CreateIndex): it writes
// mutated nodes back in place. Splitting reuses the same page for the
// left half and allocates a new page for the right half and, if the
// root itself splits, for the new root.
func (t *BTree) Insert(key string, value storage.PageNum) error {
	path := []storage.PageNum{}
	pn := t.Root
	for {
		path = append(path, pn)
		n, err := t.readNode(pn)
		if err != nil {
			return err
		}
		if n.Leaf {
			break
		}
		pn = n.Children[childIndex(n.Keys, key)]
	}

	leafPN := path[len(path)-1]
	leaf, err := t.readNode(leafPN)
	if err != nil {
		return err
	}
	i := sort.Search(len(leaf.Entries), func(i int) bool { return leaf.Entries[i].Key >= key })
	if i < len(leaf.Entries) && leaf.Entries[i].Key == key {
		leaf.Entries[i].Value = value
	} else {
		leaf.Entries = append(leaf.Entries, Entry{})
		copy(leaf.Entries[i+1:], leaf.Entries[i:])
		leaf.Entries[i] = Entry{Key: key, Value: value}
	}

	if len(leaf.Entries) <= Order {
		return t.writeNode(leafPN, leaf)
	}
	return t.splitLeaf(path, leaf)
}

func (t *BTree) writeNode(pn storage.PageNum, n *Node) error {
	buf, err := n.Serialize()
	if err != nil {
		return err
	}
	return t.pager.WritePage(pn, buf)
}

func (t *BTree) splitLeaf(path []storage.PageNum, leaf *Node) error {
	leafPN := path[len(path)-1]
	mid := len(leaf.Entries) / 2
	right := &Node{Leaf: true, Entries: append([]Entry{}, leaf.Entries[mid:]...), NextLeaf: leaf.NextLeaf}
	leaf.Entries = leaf.Entries[:mid]

	rightPN, err := t.pager.AllocPage()
	if err != nil {
		return err
	}
	leaf.NextLeaf = rightPN
	promoted := right.Entries[0].Key

	if err := t.writeNode(leafPN, leaf); err != nil {
		return err
	}
	if err := t.writeNode(rightPN, right); err != nil {
		return err
	}
	return t.insertIntoParent(path[:len(path)-1], leafPN, promoted, rightPN)
}

func (t *BTree) insertIntoParent(path []storage.PageNum, left storage.PageNum, key string, right storage.PageNum) error {
	if len(path) == 0 {
		newRoot := &Node{Keys: []string{key}, Children: []storage.PageNum{left, right}}
		rootPN, err := t.pager.AllocPageMinimum(t.Root)
		if err != nil {
			return err
		}
		t.Root = rootPN
		return t.writeNode(rootPN, newRoot)
	}

	parentPN := path[len(path)-1]
	parent, err := t.readNode(parentPN)
	if err != nil {
		return err
	}
	i := childIndex(parent.Keys, key)
	parent.Keys = append(parent.Keys, "")
	copy(parent.Keys[i+1:], parent.Keys[i:])
	parent.Keys[i] = key
	parent.Children = append(parent.Children, 0)
	copy(parent.Children[i+2:], parent.Children[i+1:])
	parent.Children[i+1] = right

	if len(parent.Keys) <= Order {
		return t.writeNode(parentPN, parent)
	}

	mid := len(parent.Keys) / 2
	medianKey := parent.Keys[mid]
	rightNode := &Node{Keys: append([]string{}, parent.Keys[mid+1:]...), Children: append([]storage.PageNum{}, parent.Children[mid+1:]...)}
	parent.Keys = parent.Keys[:mid]
	parent.Children = parent.Children[:mid+1]

	rightPN, err := t.pager.AllocPage()
	if err != nil {
		return err
	}
	if err := t.writeNode(parentPN, parent); err != nil {
		return err
	}
	if err := t.writeNode(rightPN, rightNode); err != nil {
		return err
	}
	return t.insertIntoParent(path[:len(path)-1], parentPN, medianKey, rightPN)
}
