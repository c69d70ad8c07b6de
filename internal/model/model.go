// Package model defines the source-control data model shared by the object
// store, the overlay and the mount controller: snapshot identifiers, trees,
// tree entries and checkout conflicts.
package model

import "sort"

// RootID identifies an immutable source-control snapshot (a commit hash for
// the git backend). The working copy is always checked out against exactly
// one RootID, its parent snapshot.
type RootID string

// ObjectID identifies a content-addressed object (tree or blob) inside a
// snapshot.
type ObjectID string

// EntryType describes what a tree entry points at.
type EntryType int

const (
	TypeTree EntryType = iota
	TypeRegularFile
	TypeExecutableFile
	TypeSymlink
)

func (t EntryType) String() string {
	switch t {
	case TypeTree:
		return "tree"
	case TypeRegularFile:
		return "file"
	case TypeExecutableFile:
		return "executable"
	case TypeSymlink:
		return "symlink"
	}
	return "unknown"
}

// IsTree reports whether the entry is a directory.
func (t EntryType) IsTree() bool { return t == TypeTree }

// TreeEntry is one name inside a tree.
type TreeEntry struct {
	Name string
	ID   ObjectID
	Type EntryType
}

// Tree is an immutable directory listing from the object store. Entries are
// kept sorted by name so diffs walk both sides in one pass.
type Tree struct {
	ID      ObjectID
	Entries []TreeEntry
}

// NewTree builds a tree with its entries sorted by name.
func NewTree(id ObjectID, entries []TreeEntry) *Tree {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &Tree{ID: id, Entries: sorted}
}

// Lookup returns the entry with the given name, or nil.
func (t *Tree) Lookup(name string) *TreeEntry {
	if t == nil {
		return nil
	}
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Name >= name })
	if i < len(t.Entries) && t.Entries[i].Name == name {
		return &t.Entries[i]
	}
	return nil
}

// EntryNames returns the sorted union of entry names across both trees.
// Either tree may be nil.
func EntryNames(a, b *Tree) []string {
	seen := make(map[string]struct{})
	var names []string
	add := func(t *Tree) {
		if t == nil {
			return
		}
		for _, e := range t.Entries {
			if _, ok := seen[e.Name]; !ok {
				seen[e.Name] = struct{}{}
				names = append(names, e.Name)
			}
		}
	}
	add(a)
	add(b)
	sort.Strings(names)
	return names
}

// EntriesEqual reports whether two optional entries point at the same object
// with the same type. Two nils are equal.
func EntriesEqual(a, b *TreeEntry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID && a.Type == b.Type
}

// CheckoutMode selects how checkout treats local modifications.
type CheckoutMode int

const (
	// CheckoutNormal preserves local edits and reports conflicts.
	CheckoutNormal CheckoutMode = iota
	// CheckoutDryRun computes conflicts without mutating anything.
	CheckoutDryRun
	// CheckoutForce discards local edits; the target snapshot wins.
	CheckoutForce
)

func (m CheckoutMode) String() string {
	switch m {
	case CheckoutNormal:
		return "normal"
	case CheckoutDryRun:
		return "dry_run"
	case CheckoutForce:
		return "force"
	}
	return "unknown"
}

// ConflictType classifies a checkout conflict.
type ConflictType int

const (
	// ConflictModifiedModified means the path was edited locally and also
	// changed between the source and target snapshots.
	ConflictModifiedModified ConflictType = iota
	// ConflictModifiedRemoved means the path was edited locally but removed
	// in the target snapshot.
	ConflictModifiedRemoved
	// ConflictRemovedModified means the path was removed locally but changed
	// in the target snapshot.
	ConflictRemovedModified
	// ConflictUntrackedAdded means an untracked local path collides with a
	// path added by the target snapshot.
	ConflictUntrackedAdded
	// ConflictDirectoryNotEmpty means a directory removal could not be
	// completed because locally created entries remain inside it.
	ConflictDirectoryNotEmpty
	// ConflictError means the merge could not evaluate the path.
	ConflictError
)

func (c ConflictType) String() string {
	switch c {
	case ConflictModifiedModified:
		return "modified_modified"
	case ConflictModifiedRemoved:
		return "modified_removed"
	case ConflictRemovedModified:
		return "removed_modified"
	case ConflictUntrackedAdded:
		return "untracked_added"
	case ConflictDirectoryNotEmpty:
		return "directory_not_empty"
	case ConflictError:
		return "error"
	}
	return "unknown"
}

// Conflict is a first-class checkout result: a path where a local edit and a
// snapshot-to-snapshot change disagree.
type Conflict struct {
	Path    string
	Type    ConflictType
	Message string
}
