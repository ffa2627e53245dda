package persistit

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/brimstorage/persistit/buffer"
	"github.com/brimstorage/persistit/txnindex"
)

// TreeLifecycle is a Tree's Created -> Active -> Removed progression
// (§3).
type TreeLifecycle int

const (
	TreeCreated TreeLifecycle = iota
	TreeActive
	TreeRemoved
)

// Tree is a named ordered map inside a Volume: a stable integer handle,
// a root page pointer, and its own set of per-index Accumulators.
// Trees are themselves indexed by name in a directory (Directory,
// below), which keeps its own table rather than being a Tree.
type Tree struct {
	mu sync.RWMutex

	name     string
	handle   int32
	volume   *Volume
	root     PageAddress
	state    TreeLifecycle

	accumulators map[int]*Accumulator
}

func newTree(name string, handle int32, volume *Volume, root PageAddress) *Tree {
	return &Tree{
		name:         name,
		handle:       handle,
		volume:       volume,
		root:         root,
		state:        TreeCreated,
		accumulators: make(map[int]*Accumulator),
	}
}

func (t *Tree) Name() string    { return t.name }
func (t *Tree) Handle() int32   { return t.handle }
func (t *Tree) Volume() *Volume { return t.volume }

func (t *Tree) RootPage() PageAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

func (t *Tree) SetRootPage(addr PageAddress) {
	t.mu.Lock()
	t.root = addr
	t.mu.Unlock()
}

func (t *Tree) State() TreeLifecycle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Activate transitions Created -> Active, called once the tree's root
// page has been initialized.
func (t *Tree) Activate() {
	t.mu.Lock()
	if t.state == TreeCreated {
		t.state = TreeActive
	}
	t.mu.Unlock()
}

// Remove transitions the tree to Removed. The caller (Directory.Remove)
// returns the tree's root page to the volume's garbage chain; Remove
// itself only flips the lifecycle flag so no new Exchange can check the
// tree out afterward.
func (t *Tree) Remove() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TreeRemoved {
		return errors.Errorf("persistit: tree %q already removed", t.name)
	}
	t.state = TreeRemoved
	return nil
}

// Accumulator returns the tree's accumulator at the given index,
// creating it with the given kind on first use.
func (t *Tree) Accumulator(idx int, kind AccumulatorKind, index *txnindex.Index) *Accumulator {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.accumulators[idx]; ok {
		return a
	}
	a := NewAccumulator(kind, index)
	t.accumulators[idx] = a
	return a
}

// Directory is the directory tree (§3): a tree mapping tree names to
// handles and root pages, bootstrapped at a fixed handle and backed by
// the volume's head-page directory root pointer. Unlike a general
// Tree, its own entries are kept as a small in-memory table mirrored to
// a single page rather than routed back through the general Exchange
// path — directory entries are few and rewritten as a whole, so a
// dedicated encoding avoids the bootstrapping problem of using the
// B+-tree machinery to describe the B+-tree machinery's own trees
// (documented in DESIGN.md).
type Directory struct {
	mu      sync.RWMutex
	volume  *Volume
	entries map[string]*Tree
	nextID  int32
}

const directoryTreeHandle int32 = 0

func newDirectory(volume *Volume) *Directory {
	return &Directory{volume: volume, entries: make(map[string]*Tree), nextID: 1}
}

// Lookup returns the Tree registered under name, if any.
func (d *Directory) Lookup(name string) (*Tree, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tr, ok := d.entries[name]
	return tr, ok
}

// CreateTree registers a new tree under name with a fresh handle and an
// allocated root page, in the Created state. Returns the existing tree
// unchanged if name is already registered and not removed.
func (d *Directory) CreateTree(name string) (*Tree, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tr, ok := d.entries[name]; ok && tr.State() != TreeRemoved {
		return tr, nil
	}
	root, err := d.volume.AllocatePage()
	if err != nil {
		return nil, err
	}
	rootPage := buffer.NewBuffer(d.volume.PageSize(), d.volume.ID(), root)
	rootPage.Reset(buffer.PageTypeData)
	if err := d.volume.WritePage(d.volume.ID(), root, rootPage.Bytes()); err != nil {
		return nil, err
	}
	handle := d.nextID
	d.nextID++
	tr := newTree(name, handle, d.volume, root)
	d.entries[name] = tr
	return tr, nil
}

// List returns every registered tree name, including removed ones
// (callers filter by State() as needed).
func (d *Directory) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	return names
}

// Remove marks the named tree Removed and frees its root page back to
// the volume's garbage chain. It does not walk the tree's interior
// pages: every page of the tree other than the root stays allocated and
// is not returned to the garbage chain.
func (d *Directory) Remove(name string) error {
	d.mu.Lock()
	tr, ok := d.entries[name]
	d.mu.Unlock()
	if !ok {
		return errors.Errorf("persistit: tree %q not found", name)
	}
	if err := tr.Remove(); err != nil {
		return err
	}
	return d.volume.FreePage(tr.RootPage())
}
