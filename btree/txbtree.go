package btree

import (
	"sort"

	"github.com/devi-db/devi/storage"
)

// TxBTree is the transaction-scoped copy-on-write overlay over a
// BTree: every node it touches is written to a freshly allocated
// page, leaving the snapshot root's pages untouched for concurrent
// readers holding an older snapshot (spec.md §4.3.2).
type TxBTree struct {
	pager        *storage.Pager
	SnapshotRoot storage.PageNum
	modifiedRoot storage.PageNum
	cowPages     map[storage.PageNum]storage.PageNum // old page -> new page, this tx only
	newPages     map[storage.PageNum]bool            // pages allocated fresh this tx
	txWrites     map[storage.PageNum][storage.PageSize]byte
}

// NewTxBTree opens a CoW overlay rooted at root; txWrites is the
// owning transaction's shared staged-write buffer.
func NewTxBTree(pager *storage.Pager, root storage.PageNum, txWrites map[storage.PageNum][storage.PageSize]byte) *TxBTree {
	return &TxBTree{
		pager:        pager,
		SnapshotRoot: root,
		modifiedRoot: root,
		cowPages:     make(map[storage.PageNum]storage.PageNum),
		newPages:     make(map[storage.PageNum]bool),
		txWrites:     txWrites,
	}
}

// Root returns the current (possibly CoW'd) root page of this overlay.
func (t *TxBTree) Root() storage.PageNum { return t.modifiedRoot }

// NewEmptyTxBTree allocates a fresh leaf page and returns a CoW overlay
// rooted at it — used the first time a transaction writes into a
// collection or index whose btree_root is still 0 ("empty, allocate
// on first write", spec.md §3.5).
func NewEmptyTxBTree(pager *storage.Pager, txWrites map[storage.PageNum][storage.PageSize]byte) (*TxBTree, error) {
	pn, err := pager.AllocPage()
	if err != nil {
		return nil, err
	}
	t := &TxBTree{
		pager:        pager,
		SnapshotRoot: 0,
		modifiedRoot: pn,
		cowPages:     make(map[storage.PageNum]storage.PageNum),
		newPages:     map[storage.PageNum]bool{pn: true},
		txWrites:     txWrites,
	}
	if err := t.stageWrite(pn, NewLeaf()); err != nil {
		return nil, err
	}
	return t, nil
}

type pathStep struct {
	pn  storage.PageNum
	idx int
}

func (t *TxBTree) actualPage(pn storage.PageNum) storage.PageNum {
	if np, ok := t.cowPages[pn]; ok {
		return np
	}
	return pn
}

func (t *TxBTree) readNode(pn storage.PageNum) (*Node, error) {
	actual := t.actualPage(pn)
	if buf, ok := t.txWrites[actual]; ok {
		return DeserializeNode(buf, actual)
	}
	buf, err := t.pager.ReadPage(actual)
	if err != nil {
		return nil, err
	}
	return DeserializeNode(buf, actual)
}

func (t *TxBTree) stageWrite(pn storage.PageNum, n *Node) error {
	buf, err := n.Serialize()
	if err != nil {
		return err
	}
	t.txWrites[pn] = buf
	return t.pager.WritePage(pn, buf)
}

func (t *TxBTree) allocateNewPage() (storage.PageNum, error) {
	pn, err := t.pager.AllocPage()
	if err != nil {
		return 0, err
	}
	t.newPages[pn] = true
	return pn, nil
}

// writeNode is the CoW write path of spec.md §4.3.2: a page already
// allocated this tx is overwritten in place; a page already CoW'd
// this tx reuses its mapped new page; otherwise a fresh page is
// allocated (AllocPageMinimum when pn is the current root, to avoid
// root regression) and the mapping is recorded. The original page is
// never freed here — it stays visible to older snapshots.
func (t *TxBTree) writeNode(pn storage.PageNum, n *Node) (storage.PageNum, error) {
	if t.newPages[pn] {
		return pn, t.stageWrite(pn, n)
	}
	if np, ok := t.cowPages[pn]; ok {
		return np, t.stageWrite(np, n)
	}

	var newPN storage.PageNum
	var err error
	if pn == t.modifiedRoot {
		newPN, err = t.pager.AllocPageMinimum(t.modifiedRoot)
	} else {
		newPN, err = t.pager.AllocPage()
	}
	if err != nil {
		return 0, err
	}
	t.cowPages[pn] = newPN
	t.newPages[newPN] = true
	if pn == t.modifiedRoot {
		t.modifiedRoot = newPN
	}
	return newPN, t.stageWrite(newPN, n)
}

func (t *TxBTree) leftmostLeaf() (storage.PageNum, error) {
	pn := t.modifiedRoot
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

// findPath descends from the root recording, at each internal node,
// the child index followed; the final step is the owning leaf.
func (t *TxBTree) findPath(key string) ([]pathStep, error) {
	var path []pathStep
	pn := t.modifiedRoot
	for {
		n, err := t.readNode(pn)
		if err != nil {
			return nil, err
		}
		if n.Leaf {
			path = append(path, pathStep{pn: pn})
			return path, nil
		}
		idx := childIndex(n.Keys, key)
		path = append(path, pathStep{pn: pn, idx: idx})
		pn = n.Children[idx]
	}
}

// Get performs a point lookup, resolving this tx's CoW overlay.
func (t *TxBTree) Get(key string) (storage.PageNum, bool, error) {
	path, err := t.findPath(key)
	if err != nil {
		return 0, false, err
	}
	leaf, err := t.readNode(path[len(path)-1].pn)
	if err != nil {
		return 0, false, err
	}
	i := sort.Search(len(leaf.Entries), func(i int) bool { return leaf.Entries[i].Key >= key })
	if i < len(leaf.Entries) && leaf.Entries[i].Key == key {
		return leaf.Entries[i].Value, true, nil
	}
	return 0, false, nil
}

// propagateUp is update_path_after_modification: walk up ancestorPath
// rewriting each parent whose child pointer refers to a page that
// just changed, stopping as soon as a parent's own page didn't change.
func (t *TxBTree) propagateUp(ancestorPath []pathStep, oldChild, newChild storage.PageNum) error {
	if oldChild == newChild {
		return nil
	}
	for i := len(ancestorPath) - 1; i >= 0; i-- {
		step := ancestorPath[i]
		n, err := t.readNode(step.pn)
		if err != nil {
			return err
		}
		n.Children[step.idx] = newChild
		newPN, err := t.writeNode(step.pn, n)
		if err != nil {
			return err
		}
		if newPN == step.pn {
			return nil
		}
		oldChild, newChild = step.pn, newPN
	}
	return nil
}

// repairPredecessorNextLeaf fixes up the left sibling's next_leaf
// pointer when a leaf's page changed due to CoW (spec.md §4.3.3 step 6).
func (t *TxBTree) repairPredecessorNextLeaf(oldLeafPN, newLeafPN storage.PageNum) error {
	if oldLeafPN == newLeafPN {
		return nil
	}
	pn, err := t.leftmostLeaf()
	if err != nil {
		return err
	}
	visited := map[storage.PageNum]bool{}
	var predPN storage.PageNum
	for pn != 0 {
		if visited[pn] {
			break
		}
		visited[pn] = true
		n, err := t.readNode(pn)
		if err != nil {
			return err
		}
		if n.NextLeaf == oldLeafPN {
			predPN = pn
			break
		}
		pn = n.NextLeaf
	}
	if predPN == 0 {
		return nil // oldLeafPN was the leftmost leaf; no predecessor to fix
	}

	predNode, err := t.readNode(predPN)
	if err != nil {
		return err
	}
	predNode.NextLeaf = newLeafPN

	var anchorKey string
	if len(predNode.Entries) > 0 {
		anchorKey = predNode.Entries[0].Key
	}
	path, err := t.findPath(anchorKey)
	if err != nil {
		return err
	}
	newPredPN, err := t.writeNode(predPN, predNode)
	if err != nil {
		return err
	}
	if len(path) > 0 && path[len(path)-1].pn == predPN {
		return t.propagateUp(path[:len(path)-1], predPN, newPredPN)
	}
	return nil
}

// Insert upserts (key, value), splitting leaves/internal nodes as
// needed per spec.md §4.3.3.
func (t *TxBTree) Insert(key string, value storage.PageNum) error {
	path, err := t.findPath(key)
	if err != nil {
		return err
	}
	leafStep := path[len(path)-1]
	leaf, err := t.readNode(leafStep.pn)
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
		newLeafPN, err := t.writeNode(leafStep.pn, leaf)
		if err != nil {
			return err
		}
		if newLeafPN != leafStep.pn {
			if err := t.repairPredecessorNextLeaf(leafStep.pn, newLeafPN); err != nil {
				return err
			}
			return t.propagateUp(path[:len(path)-1], leafStep.pn, newLeafPN)
		}
		return nil
	}
	return t.splitLeaf(path, leaf)
}

func (t *TxBTree) splitLeaf(path []pathStep, leaf *Node) error {
	leafStep := path[len(path)-1]
	mid := len(leaf.Entries) / 2
	right := &Node{Leaf: true, Entries: append([]Entry{}, leaf.Entries[mid:]...), NextLeaf: leaf.NextLeaf}
	leaf.Entries = leaf.Entries[:mid]

	rightPN, err := t.allocateNewPage()
	if err != nil {
		return err
	}
	if err := t.stageWrite(rightPN, right); err != nil {
		return err
	}
	leaf.NextLeaf = rightPN
	promoted := right.Entries[0].Key

	newLeafPN, err := t.writeNode(leafStep.pn, leaf)
	if err != nil {
		return err
	}
	if newLeafPN != leafStep.pn {
		if err := t.repairPredecessorNextLeaf(leafStep.pn, newLeafPN); err != nil {
			return err
		}
	}
	return t.insertIntoParent(path[:len(path)-1], newLeafPN, promoted, rightPN)
}

func (t *TxBTree) insertIntoParent(ancestorPath []pathStep, left storage.PageNum, key string, right storage.PageNum) error {
	if len(ancestorPath) == 0 {
		newRootPN, err := t.pager.AllocPageMinimum(t.modifiedRoot)
		if err != nil {
			return err
		}
		t.newPages[newRootPN] = true
		t.modifiedRoot = newRootPN
		newRoot := &Node{Keys: []string{key}, Children: []storage.PageNum{left, right}}
		return t.stageWrite(newRootPN, newRoot)
	}

	step := ancestorPath[len(ancestorPath)-1]
	parent, err := t.readNode(step.pn)
	if err != nil {
		return err
	}
	parent.Children[step.idx] = left
	i := step.idx
	parent.Keys = append(parent.Keys, "")
	copy(parent.Keys[i+1:], parent.Keys[i:])
	parent.Keys[i] = key
	parent.Children = append(parent.Children, 0)
	copy(parent.Children[i+2:], parent.Children[i+1:])
	parent.Children[i+1] = right

	if len(parent.Keys) <= Order {
		newParentPN, err := t.writeNode(step.pn, parent)
		if err != nil {
			return err
		}
		return t.propagateUp(ancestorPath[:len(ancestorPath)-1], step.pn, newParentPN)
	}

	mid := len(parent.Keys) / 2
	medianKey := parent.Keys[mid]
	rightNode := &Node{Keys: append([]string{}, parent.Keys[mid+1:]...), Children: append([]storage.PageNum{}, parent.Children[mid+1:]...)}
	parent.Keys = parent.Keys[:mid]
	parent.Children = parent.Children[:mid+1]

	rightPN, err := t.allocateNewPage()
	if err != nil {
		return err
	}
	if err := t.stageWrite(rightPN, rightNode); err != nil {
		return err
	}
	newParentPN, err := t.writeNode(step.pn, parent)
	if err != nil {
		return err
	}
	return t.insertIntoParent(ancestorPath[:len(ancestorPath)-1], newParentPN, medianKey, rightPN)
}

// Delete removes key. No rebalancing is performed (spec.md §4.3.4) —
// leaves may become underfull; space is reclaimed only by GC/compaction.
func (t *TxBTree) Delete(key string) error {
	path, err := t.findPath(key)
	if err != nil {
		return err
	}
	leafStep := path[len(path)-1]
	leaf, err := t.readNode(leafStep.pn)
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range leaf.Entries {
		if e.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	leaf.Entries = append(leaf.Entries[:idx], leaf.Entries[idx+1:]...)

	newLeafPN, err := t.writeNode(leafStep.pn, leaf)
	if err != nil {
		return err
	}
	if newLeafPN != leafStep.pn {
		if err := t.repairPredecessorNextLeaf(leafStep.pn, newLeafPN); err != nil {
			return err
		}
		return t.propagateUp(path[:len(path)-1], leafStep.pn, newLeafPN)
	}
	return nil
}

// reachableFromRoot reports whether pn is some node's page in the
// tree currently rooted at modifiedRoot — used by All to detect a
// stale next_leaf pointer left by a concurrent writer.
func (t *TxBTree) reachableFromRoot(pn storage.PageNum) bool {
	visited := map[storage.PageNum]bool{}
	var walk func(cur storage.PageNum) bool
	walk = func(cur storage.PageNum) bool {
		if visited[cur] {
			return false
		}
		visited[cur] = true
		n, err := t.readNode(cur)
		if err != nil {
			return false
		}
		if cur == pn {
			return true
		}
		if n.Leaf {
			return false
		}
		for _, c := range n.Children {
			if walk(c) {
				return true
			}
		}
		return false
	}
	return walk(t.modifiedRoot)
}

// All returns every (key, value) pair in ascending order, re-locating
// the next leaf by key when a traversed next_leaf pointer turns out
// not to be reachable from the current root (spec.md §4.3.5).
func (t *TxBTree) All() ([]Entry, error) {
	var out []Entry
	pn, err := t.leftmostLeaf()
	if err != nil {
		return nil, err
	}
	var lastKey string
	haveLast := false
	visited := map[storage.PageNum]bool{}
	for pn != 0 {
		if visited[pn] {
			break
		}
		visited[pn] = true
		n, err := t.readNode(pn)
		if err != nil {
			return nil, err
		}
		out = append(out, n.Entries...)
		if len(n.Entries) > 0 {
			lastKey = n.Entries[len(n.Entries)-1].Key
			haveLast = true
		}

		next := n.NextLeaf
		if next != 0 && !t.reachableFromRoot(next) {
			if haveLast {
				path, err := t.findPath(lastKey + "\x00")
				if err != nil {
					return nil, err
				}
				next = path[len(path)-1].pn
				if visited[next] {
					next = 0
				}
			} else {
				next = 0
			}
		}
		pn = next
	}
	return out, nil
}
