package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"

	"github.com/fxamacker/cbor/v2"

	"github.com/radryc/snapfs/internal/channel"
	"github.com/radryc/snapfs/internal/model"
	"github.com/radryc/snapfs/internal/overlay"
	"github.com/radryc/snapfs/internal/store"
)

// rootInodeNumber is the fixed inode number of the working-copy root.
const rootInodeNumber uint64 = 1

const (
	modeDir     = syscall.S_IFDIR | 0755
	modeFile    = syscall.S_IFREG | 0644
	modeExec    = syscall.S_IFREG | 0755
	modeSymlink = syscall.S_IFLNK | 0777
)

func defaultMode(typ model.EntryType) uint32 {
	switch typ {
	case model.TypeTree:
		return modeDir
	case model.TypeExecutableFile:
		return modeExec
	case model.TypeSymlink:
		return modeSymlink
	}
	return modeFile
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// entry is one name inside a loaded directory. Fields are guarded by the
// owning TreeInode's mutex.
type entry struct {
	typ model.EntryType
	// id is the backing snapshot object; empty once the entry is
	// materialized in the overlay.
	id           model.ObjectID
	materialized bool

	// ino is 0 until the entry is first exposed to the kernel or
	// materialized.
	ino   uint64
	child *TreeInode

	mode uint32
	uid  uint32
	gid  uint32

	size      uint64
	sizeValid bool
	symlink   string
}

// TreeInode is a loaded directory. name and parent are fixed at load time;
// everything else is guarded by mu. Lock ordering is parent before child.
type TreeInode struct {
	m      *Mount
	ino    uint64
	parent *TreeInode
	name   string

	mu sync.RWMutex
	// id is the snapshot tree this listing mirrors; empty once materialized.
	id           model.ObjectID
	materialized bool
	entries      map[string]*entry
}

// path returns the repo-relative path, "" for the root.
func (t *TreeInode) path() string {
	if t.parent == nil {
		return ""
	}
	return joinPath(t.parent.path(), t.name)
}

func entriesFromTree(tree *model.Tree) map[string]*entry {
	entries := make(map[string]*entry, len(tree.Entries))
	for _, e := range tree.Entries {
		entries[e.Name] = &entry{typ: e.Type, id: e.ID}
	}
	return entries
}

// inodeRecord resolves a kernel inode number back to the tree. Directories
// carry their TreeInode; leaves carry their parent and name.
type inodeRecord struct {
	parent     *TreeInode
	name       string
	tree       *TreeInode
	fsRefcount uint64
}

// InodeMap tracks every inode number the kernel may still reference.
type InodeMap struct {
	m      *Mount
	logger *slog.Logger

	mu            sync.Mutex
	byIno         map[uint64]*inodeRecord
	root          *TreeInode
	unloadedTotal uint64
	unmounted     bool
}

func newInodeMap(m *Mount, logger *slog.Logger) *InodeMap {
	return &InodeMap{
		m:      m,
		logger: logger.With("component", "inodemap"),
		byIno:  make(map[uint64]*inodeRecord),
	}
}

func (im *InodeMap) entriesFromOverlayDir(dirPath string, list []overlay.DirEntry) (map[string]*entry, error) {
	entries := make(map[string]*entry, len(list))
	for _, e := range list {
		ent := &entry{typ: e.Type, id: e.ID, materialized: e.ID == ""}
		if ent.materialized {
			meta, err := im.m.overlay.GetMeta(joinPath(dirPath, e.Name))
			if err != nil && !errors.Is(err, overlay.ErrNotMaterialized) {
				return nil, err
			}
			if err == nil {
				ent.ino = meta.Ino
				ent.mode = meta.Mode
				ent.uid = meta.UID
				ent.gid = meta.GID
				ent.symlink = meta.SymlinkTarget
			}
		}
		entries[e.Name] = ent
	}
	return entries, nil
}

// Initialize builds the root inode, preferring a materialized overlay
// listing over the snapshot tree.
func (im *InodeMap) Initialize(ctx context.Context, rootTree *model.Tree) error {
	rootMaterialized := false
	if _, err := im.m.overlay.GetMeta(""); err == nil {
		rootMaterialized = true
	} else if !errors.Is(err, overlay.ErrNotMaterialized) {
		return fmt.Errorf("load root overlay meta: %w", err)
	}

	var entries map[string]*entry
	var rootID model.ObjectID
	if rootMaterialized {
		list, err := im.m.overlay.LoadDir("")
		if err != nil {
			return err
		}
		entries, err = im.entriesFromOverlayDir("", list)
		if err != nil {
			return err
		}
	} else {
		entries = entriesFromTree(rootTree)
		rootID = rootTree.ID
	}

	root := &TreeInode{
		m:            im.m,
		ino:          rootInodeNumber,
		id:           rootID,
		materialized: rootMaterialized,
		entries:      entries,
	}
	im.mu.Lock()
	im.root = root
	im.byIno[rootInodeNumber] = &inodeRecord{tree: root, fsRefcount: 1}
	im.mu.Unlock()
	im.logger.Debug("inode table initialized", "root_materialized", rootMaterialized, "entries", len(entries))
	return nil
}

// Root returns the root directory inode.
func (im *InodeMap) Root() *TreeInode {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.root
}

// Counts reports the loaded inode count and the lifetime unload count.
func (im *InodeMap) Counts() (loaded, unloaded uint64) {
	im.mu.Lock()
	defer im.mu.Unlock()
	return uint64(len(im.byIno)), im.unloadedTotal
}

func (im *InodeMap) lookupRecord(ino uint64) (*inodeRecord, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	rec, ok := im.byIno[ino]
	if !ok {
		return nil, syscall.ESTALE
	}
	return rec, nil
}

func (im *InodeMap) registerTree(t *TreeInode) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if _, ok := im.byIno[t.ino]; !ok {
		im.byIno[t.ino] = &inodeRecord{parent: t.parent, name: t.name, tree: t}
	}
}

func (im *InodeMap) registerLeaf(parent *TreeInode, name string, ino uint64) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if _, ok := im.byIno[ino]; !ok {
		im.byIno[ino] = &inodeRecord{parent: parent, name: name}
	}
}

// incFsRefcount counts one kernel reference; called when a lookup reply
// exposes the inode number.
func (im *InodeMap) incFsRefcount(ino uint64) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.unmounted {
		return
	}
	if rec, ok := im.byIno[ino]; ok {
		rec.fsRefcount++
	}
}

// Forget drops nlookup kernel references. Leaf records with no references
// left are removed; directories stay until an unload pass visits them.
func (im *InodeMap) Forget(ino, nlookup uint64) {
	im.mu.Lock()
	defer im.mu.Unlock()
	rec, ok := im.byIno[ino]
	if !ok {
		return
	}
	if rec.fsRefcount > nlookup {
		rec.fsRefcount -= nlookup
	} else {
		rec.fsRefcount = 0
	}
	if rec.fsRefcount == 0 && rec.tree == nil && ino != rootInodeNumber {
		delete(im.byIno, ino)
		im.unloadedTotal++
	}
}

// SetUnmounted clears every kernel reference once the kernel session is
// gone; nothing can reference these inode numbers anymore.
func (im *InodeMap) SetUnmounted() {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.unmounted = true
	for _, rec := range im.byIno {
		rec.fsRefcount = 0
	}
}

func (t *TreeInode) hasLoadedChildrenLocked() bool {
	for _, ent := range t.entries {
		if ent.child != nil {
			return true
		}
	}
	return false
}

// unloadChildrenUnreferencedByFs unloads every loaded descendant directory
// of t that the kernel holds no reference to. Checkout runs it first so
// unchanged subtrees take the entry-swap fast path instead of a recursive
// merge.
func (im *InodeMap) unloadChildrenUnreferencedByFs(t *TreeInode) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n uint64
	for _, ent := range t.entries {
		if ent.child == nil {
			continue
		}
		n += im.unloadChildrenUnreferencedByFs(ent.child)

		child := ent.child
		child.mu.RLock()
		stillLoaded := child.hasLoadedChildrenLocked()
		child.mu.RUnlock()
		if stillLoaded {
			continue
		}

		im.mu.Lock()
		rec := im.byIno[child.ino]
		unreferenced := rec == nil || rec.fsRefcount == 0
		if unreferenced {
			delete(im.byIno, child.ino)
			im.unloadedTotal++
		}
		im.mu.Unlock()
		if unreferenced {
			ent.child = nil
			n++
		}
	}
	return n
}

type serializedInode struct {
	Ino        uint64 `cbor:"ino"`
	FsRefcount uint64 `cbor:"fs_refcount"`
	Dir        bool   `cbor:"dir"`
}

type serializedInodeMap struct {
	UnloadedTotal uint64                     `cbor:"unloaded_total"`
	Inodes        map[string]serializedInode `cbor:"inodes"`
}

// Shutdown tears the table down. With doTakeover set it first serializes
// the loaded inode numbers and kernel refcounts so a successor process can
// resume the session's numbering.
func (im *InodeMap) Shutdown(doTakeover bool) ([]byte, error) {
	im.mu.Lock()
	defer im.mu.Unlock()

	var data []byte
	if doTakeover {
		ser := serializedInodeMap{
			UnloadedTotal: im.unloadedTotal,
			Inodes:        make(map[string]serializedInode, len(im.byIno)),
		}
		for ino, rec := range im.byIno {
			var p string
			if rec.tree != nil {
				p = rec.tree.path()
			} else {
				p = joinPath(rec.parent.path(), rec.name)
			}
			ser.Inodes[p] = serializedInode{Ino: ino, FsRefcount: rec.fsRefcount, Dir: rec.tree != nil}
		}
		var err error
		data, err = cbor.Marshal(ser)
		if err != nil {
			return nil, fmt.Errorf("serialize inode table: %w", err)
		}
	}

	im.byIno = make(map[uint64]*inodeRecord)
	im.root = nil
	return data, nil
}

// InitializeFromTakeover rebuilds the table from a predecessor's serialized
// state, reloading every inode the kernel still references.
func (im *InodeMap) InitializeFromTakeover(ctx context.Context, rootTree *model.Tree, data []byte) error {
	var ser serializedInodeMap
	if err := cbor.Unmarshal(data, &ser); err != nil {
		return fmt.Errorf("parse takeover inode table: %w", err)
	}
	if err := im.Initialize(ctx, rootTree); err != nil {
		return err
	}
	im.mu.Lock()
	im.unloadedTotal = ser.UnloadedTotal
	im.mu.Unlock()

	fctx := store.NewFetchContext()
	paths := make([]string, 0, len(ser.Inodes))
	for p := range ser.Inodes {
		paths = append(paths, p)
	}
	// Parents before children, so directory loads find their entries.
	sort.Strings(paths)
	for _, p := range paths {
		si := ser.Inodes[p]
		if p == "" {
			continue
		}
		if err := im.restoreInode(ctx, p, si, fctx); err != nil {
			im.logger.Warn("takeover inode not restored", "path", p, "error", err)
		}
	}
	return nil
}

func (im *InodeMap) restoreInode(ctx context.Context, p string, si serializedInode, fctx *store.FetchContext) error {
	dir, name := splitPath(p)
	parent, err := im.m.resolveDir(ctx, dir, fctx)
	if err != nil {
		return err
	}
	parent.mu.Lock()
	ent, ok := parent.entries[name]
	if !ok {
		parent.mu.Unlock()
		return syscall.ENOENT
	}
	ent.ino = si.Ino
	parent.mu.Unlock()

	if si.Dir {
		if _, err := parent.getOrLoadChild(ctx, name, fctx); err != nil {
			return err
		}
	} else {
		im.registerLeaf(parent, name, si.Ino)
	}
	im.mu.Lock()
	if rec, ok := im.byIno[si.Ino]; ok {
		rec.fsRefcount = si.FsRefcount
	}
	im.mu.Unlock()
	return nil
}

func splitPath(p string) (dir, name string) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i], p[i+1:]
		}
	}
	return "", p
}

// ensureEntryIno assigns a stable inode number: the persisted one for
// materialized entries, a freshly allocated one otherwise.
func (im *InodeMap) ensureEntryIno(path string, ent *entry) error {
	if ent.ino != 0 {
		return nil
	}
	if ent.materialized {
		meta, err := im.m.overlay.GetMeta(path)
		if err == nil && meta.Ino != 0 {
			ent.ino = meta.Ino
			return nil
		}
		if err != nil && !errors.Is(err, overlay.ErrNotMaterialized) {
			return err
		}
	}
	ino, err := im.m.overlay.AllocateInode()
	if err != nil {
		return err
	}
	ent.ino = ino
	return nil
}

// getOrLoadChild returns the loaded directory inode for name, loading it
// from the overlay or the object store on first use.
func (t *TreeInode) getOrLoadChild(ctx context.Context, name string, fctx *store.FetchContext) (*TreeInode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrLoadChildLocked(ctx, name, fctx)
}

func (t *TreeInode) getOrLoadChildLocked(ctx context.Context, name string, fctx *store.FetchContext) (*TreeInode, error) {
	ent, ok := t.entries[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	if !ent.typ.IsTree() {
		return nil, syscall.ENOTDIR
	}
	if ent.child != nil {
		return ent.child, nil
	}

	childPath := joinPath(t.path(), name)
	var entries map[string]*entry
	if ent.materialized {
		list, err := t.m.overlay.LoadDir(childPath)
		if err != nil {
			return nil, err
		}
		entries, err = t.m.inodes.entriesFromOverlayDir(childPath, list)
		if err != nil {
			return nil, err
		}
	} else {
		tree, err := t.m.store.GetTree(ctx, ent.id, fctx)
		if err != nil {
			return nil, fmt.Errorf("load tree %s: %w", childPath, err)
		}
		entries = entriesFromTree(tree)
	}
	if err := t.m.inodes.ensureEntryIno(childPath, ent); err != nil {
		return nil, err
	}

	child := &TreeInode{
		m:            t.m,
		ino:          ent.ino,
		parent:       t,
		name:         name,
		id:           ent.id,
		materialized: ent.materialized,
		entries:      entries,
	}
	ent.child = child
	t.m.inodes.registerTree(child)
	return child, nil
}

// resolveDir walks dirPath from the root, loading directories as needed.
func (m *Mount) resolveDir(ctx context.Context, dirPath string, fctx *store.FetchContext) (*TreeInode, error) {
	cur := m.inodes.Root()
	if cur == nil {
		return nil, errors.New("inode table not initialized")
	}
	if dirPath == "" {
		return cur, nil
	}
	for _, name := range splitComponents(dirPath) {
		child, err := cur.getOrLoadChild(ctx, name, fctx)
		if err != nil {
			return nil, err
		}
		cur = child
	}
	return cur, nil
}

func splitComponents(p string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				out = append(out, p[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// loadEntrySize fills ent.size, fetching content on first use.
func (t *TreeInode) loadEntrySizeLocked(ctx context.Context, name string, ent *entry, fctx *store.FetchContext) error {
	if ent.sizeValid || ent.typ.IsTree() {
		ent.sizeValid = true
		return nil
	}
	path := joinPath(t.path(), name)
	if ent.typ == model.TypeSymlink {
		target, err := t.loadSymlinkTargetLocked(ctx, name, ent, fctx)
		if err != nil {
			return err
		}
		ent.size = uint64(len(target))
		ent.sizeValid = true
		return nil
	}
	var content []byte
	var err error
	if ent.materialized {
		content, err = t.m.overlay.GetFileContent(path)
	} else {
		content, err = t.m.store.GetBlob(ctx, ent.id, fctx)
	}
	if err != nil {
		return fmt.Errorf("load size of %s: %w", path, err)
	}
	ent.size = uint64(len(content))
	ent.sizeValid = true
	return nil
}

func (t *TreeInode) loadSymlinkTargetLocked(ctx context.Context, name string, ent *entry, fctx *store.FetchContext) (string, error) {
	if ent.symlink != "" {
		return ent.symlink, nil
	}
	path := joinPath(t.path(), name)
	if ent.materialized {
		meta, err := t.m.overlay.GetMeta(path)
		if err != nil {
			return "", err
		}
		ent.symlink = meta.SymlinkTarget
	} else {
		content, err := t.m.store.GetBlob(ctx, ent.id, fctx)
		if err != nil {
			return "", fmt.Errorf("load symlink %s: %w", path, err)
		}
		ent.symlink = string(content)
	}
	return ent.symlink, nil
}

func (t *TreeInode) attrForEntryLocked(ctx context.Context, name string, ent *entry, fctx *store.FetchContext) (channel.Attr, error) {
	if err := t.m.inodes.ensureEntryIno(joinPath(t.path(), name), ent); err != nil {
		return channel.Attr{}, err
	}
	if err := t.loadEntrySizeLocked(ctx, name, ent, fctx); err != nil {
		return channel.Attr{}, err
	}
	mode := ent.mode
	if mode == 0 {
		mode = defaultMode(ent.typ)
	}
	uid, gid := ent.uid, ent.gid
	if uid == 0 && gid == 0 {
		uid, gid = t.m.owner()
	}
	nlink := uint32(1)
	if ent.typ.IsTree() {
		nlink = 2
	}
	return channel.Attr{
		Ino:   ent.ino,
		Size:  ent.size,
		Mode:  mode,
		Nlink: nlink,
		UID:   uid,
		GID:   gid,
		Mtime: t.m.lastCheckoutTime(),
	}, nil
}

// Lookup resolves name to its attributes, assigning an inode number on
// first exposure.
func (t *TreeInode) Lookup(ctx context.Context, name string, fctx *store.FetchContext) (channel.Attr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ent, ok := t.entries[name]
	if !ok {
		return channel.Attr{}, syscall.ENOENT
	}
	attr, err := t.attrForEntryLocked(ctx, name, ent, fctx)
	if err != nil {
		return channel.Attr{}, err
	}
	if !ent.typ.IsTree() {
		t.m.inodes.registerLeaf(t, name, ent.ino)
	}
	return attr, nil
}

// Attr returns the directory's own attributes.
func (t *TreeInode) Attr() channel.Attr {
	uid, gid := t.m.owner()
	return channel.Attr{
		Ino:   t.ino,
		Mode:  modeDir,
		Nlink: 2,
		UID:   uid,
		GID:   gid,
		Mtime: t.m.lastCheckoutTime(),
	}
}

// ReadDir returns the sorted listing.
func (t *TreeInode) ReadDir(ctx context.Context, fctx *store.FetchContext) ([]channel.Dirent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]channel.Dirent, 0, len(names))
	for _, name := range names {
		ent := t.entries[name]
		if err := t.m.inodes.ensureEntryIno(joinPath(t.path(), name), ent); err != nil {
			return nil, err
		}
		mode := ent.mode
		if mode == 0 {
			mode = defaultMode(ent.typ)
		}
		out = append(out, channel.Dirent{Name: name, Ino: ent.ino, Mode: mode})
	}
	return out, nil
}

// readEntryContent loads the full content behind a leaf entry.
func (t *TreeInode) readEntryContent(ctx context.Context, name string, fctx *store.FetchContext) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ent, ok := t.entries[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	if ent.typ.IsTree() {
		return nil, syscall.EISDIR
	}
	path := joinPath(t.path(), name)
	if ent.materialized {
		return t.m.overlay.GetFileContent(path)
	}
	content, err := t.m.store.GetBlob(ctx, ent.id, fctx)
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", path, err)
	}
	return content, nil
}

func (t *TreeInode) readlinkEntry(ctx context.Context, name string, fctx *store.FetchContext) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ent, ok := t.entries[name]
	if !ok {
		return "", syscall.ENOENT
	}
	if ent.typ != model.TypeSymlink {
		return "", syscall.EINVAL
	}
	return t.loadSymlinkTargetLocked(ctx, name, ent, fctx)
}

// listingLocked renders the entries as an overlay directory listing.
func (t *TreeInode) listingLocked() []overlay.DirEntry {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]overlay.DirEntry, 0, len(names))
	for _, name := range names {
		ent := t.entries[name]
		de := overlay.DirEntry{Name: name, Type: ent.typ}
		if !ent.materialized {
			de.ID = ent.id
		}
		out = append(out, de)
	}
	return out
}

// materializeTree persists t's listing and walks up so every ancestor
// records the change.
func (m *Mount) materializeTree(t *TreeInode) error {
	t.mu.Lock()
	wasMaterialized := t.materialized
	t.materialized = true
	t.id = ""
	path := t.path()
	ino := t.ino
	listing := t.listingLocked()
	t.mu.Unlock()

	if err := m.overlay.PutDir(path, listing); err != nil {
		return err
	}
	if wasMaterialized {
		return nil
	}
	uid, gid := m.owner()
	if err := m.overlay.PutMeta(path, overlay.Meta{Type: model.TypeTree, Mode: modeDir, UID: uid, GID: gid, Ino: ino}); err != nil {
		return err
	}
	if t.parent == nil {
		return nil
	}
	t.parent.mu.Lock()
	if ent, ok := t.parent.entries[t.name]; ok {
		ent.materialized = true
		ent.id = ""
	}
	t.parent.mu.Unlock()
	return m.materializeTree(t.parent)
}

// createChildDir makes a new, empty, materialized directory under t.
func (m *Mount) createChildDir(ctx context.Context, t *TreeInode, name string) (*TreeInode, error) {
	path := joinPath(t.path(), name)
	t.mu.Lock()
	if _, ok := t.entries[name]; ok {
		t.mu.Unlock()
		return nil, syscall.EEXIST
	}
	ino, err := m.overlay.AllocateInode()
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	ent := &entry{typ: model.TypeTree, materialized: true, ino: ino, mode: modeDir}
	child := &TreeInode{m: m, ino: ino, parent: t, name: name, materialized: true, entries: make(map[string]*entry)}
	ent.child = child
	t.entries[name] = ent
	t.mu.Unlock()

	m.inodes.registerTree(child)
	uid, gid := m.owner()
	if err := m.overlay.PutMeta(path, overlay.Meta{Type: model.TypeTree, Mode: modeDir, UID: uid, GID: gid, Ino: ino}); err != nil {
		return nil, err
	}
	if err := m.overlay.PutDir(path, nil); err != nil {
		return nil, err
	}
	if err := m.materializeTree(t); err != nil {
		return nil, err
	}
	return child, nil
}

// createSymlink makes a new symlink entry under t.
func (m *Mount) createSymlink(t *TreeInode, name, target string) error {
	m.renameLock.RLock()
	defer m.renameLock.RUnlock()
	path := joinPath(t.path(), name)
	t.mu.Lock()
	if _, ok := t.entries[name]; ok {
		t.mu.Unlock()
		return syscall.EEXIST
	}
	ino, err := m.overlay.AllocateInode()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.entries[name] = &entry{
		typ:          model.TypeSymlink,
		materialized: true,
		ino:          ino,
		mode:         modeSymlink,
		symlink:      target,
		size:         uint64(len(target)),
		sizeValid:    true,
	}
	t.mu.Unlock()

	uid, gid := m.owner()
	if err := m.overlay.PutMeta(path, overlay.Meta{Type: model.TypeSymlink, Mode: modeSymlink, UID: uid, GID: gid, Ino: ino, SymlinkTarget: target}); err != nil {
		return err
	}
	return m.materializeTree(t)
}

// writeChildFile materializes content under t, creating or replacing the
// entry.
func (m *Mount) writeChildFile(t *TreeInode, name string, content []byte, typ model.EntryType) error {
	if typ.IsTree() || typ == model.TypeSymlink {
		return syscall.EINVAL
	}
	m.renameLock.RLock()
	defer m.renameLock.RUnlock()
	path := joinPath(t.path(), name)
	t.mu.Lock()
	ent, ok := t.entries[name]
	var origID model.ObjectID
	if ok {
		if ent.typ.IsTree() {
			t.mu.Unlock()
			return syscall.EISDIR
		}
		if !ent.materialized {
			origID = ent.id
		} else if meta, err := m.overlay.GetMeta(path); err == nil {
			origID = meta.OrigID
		}
	} else {
		ent = &entry{}
		t.entries[name] = ent
	}
	if ent.ino == 0 {
		ino, err := m.overlay.AllocateInode()
		if err != nil {
			t.mu.Unlock()
			return err
		}
		ent.ino = ino
	}
	ent.typ = typ
	ent.id = ""
	ent.materialized = true
	ent.mode = defaultMode(typ)
	ent.size = uint64(len(content))
	ent.sizeValid = true
	ino := ent.ino
	t.mu.Unlock()

	uid, gid := m.owner()
	if err := m.overlay.PutFile(path, content, overlay.Meta{
		Type:   typ,
		Mode:   defaultMode(typ),
		UID:    uid,
		GID:    gid,
		Ino:    ino,
		OrigID: origID,
	}); err != nil {
		return err
	}
	return m.materializeTree(t)
}

// removeChild drops the entry for name and its overlay state.
func (m *Mount) removeChild(t *TreeInode, name string) error {
	m.renameLock.RLock()
	defer m.renameLock.RUnlock()
	path := joinPath(t.path(), name)
	t.mu.Lock()
	ent, ok := t.entries[name]
	if !ok {
		t.mu.Unlock()
		return syscall.ENOENT
	}
	typ := ent.typ
	child := ent.child
	delete(t.entries, name)
	t.mu.Unlock()

	if child != nil {
		m.inodes.mu.Lock()
		delete(m.inodes.byIno, child.ino)
		m.inodes.unloadedTotal++
		m.inodes.mu.Unlock()
	}
	if err := m.removeOverlaySubtree(path, typ); err != nil {
		return err
	}
	return m.materializeTree(t)
}

// removeOverlaySubtree clears overlay state for path and, for directories,
// everything below it.
func (m *Mount) removeOverlaySubtree(path string, typ model.EntryType) error {
	if typ.IsTree() {
		list, err := m.overlay.LoadDir(path)
		if err != nil {
			return err
		}
		for _, e := range list {
			if err := m.removeOverlaySubtree(joinPath(path, e.Name), e.Type); err != nil {
				return err
			}
		}
	}
	return m.overlay.Remove(path)
}

// EnsureDirectoryExists creates any missing directories along dirPath. It
// holds the rename lock shared, like every structural change outside a
// checkout.
func (m *Mount) EnsureDirectoryExists(ctx context.Context, dirPath string) (*TreeInode, error) {
	m.renameLock.RLock()
	defer m.renameLock.RUnlock()
	fctx := store.NewFetchContext()
	cur := m.inodes.Root()
	if cur == nil {
		return nil, errors.New("inode table not initialized")
	}
	for _, name := range splitComponents(dirPath) {
		child, err := cur.getOrLoadChild(ctx, name, fctx)
		if errors.Is(err, syscall.ENOENT) {
			child, err = m.createChildDir(ctx, cur, name)
		}
		if err != nil {
			return nil, fmt.Errorf("ensure directory %s: %w", dirPath, err)
		}
		cur = child
	}
	return cur, nil
}
