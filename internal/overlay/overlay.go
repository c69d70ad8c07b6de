// Package overlay is the durable local store for working-copy state that
// diverges from the checked-out snapshot: materialized file content, inode
// metadata and locally created directory listings.
//
// Content is addressed by BLAKE3 hash and stored zstd-compressed. Metadata
// records both the hash at materialization time and the current hash, so
// dirty detection is a string compare instead of a blob fetch.
package overlay

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/nutsdb/nutsdb"
	"github.com/zeebo/blake3"

	"github.com/radryc/snapfs/internal/model"
)

const (
	metaBucket  = "overlay_meta"
	dirBucket   = "overlay_dirs"
	blobBucket  = "overlay_blobs"
	stateBucket = "overlay_state"
)

var nextInoKey = []byte("next_ino")

// ErrNotMaterialized is returned when a path has no overlay state.
var ErrNotMaterialized = errors.New("path not materialized in overlay")

// ErrNotInitialized is returned when the overlay is used before Initialize
// or after Close.
var ErrNotInitialized = errors.New("overlay not initialized")

// Meta is the durable metadata for one materialized path.
type Meta struct {
	Type model.EntryType `json:"type"`
	Mode uint32          `json:"mode"`
	UID  uint32          `json:"uid"`
	GID  uint32          `json:"gid"`
	Ino  uint64          `json:"ino"`

	// OrigID is the source-control object this path was materialized from,
	// empty for locally created entries.
	OrigID model.ObjectID `json:"orig_id,omitempty"`
	// OrigHash is the BLAKE3 hash of the content at materialization time.
	OrigHash string `json:"orig_hash,omitempty"`
	// Hash is the BLAKE3 hash of the current content.
	Hash string `json:"hash,omitempty"`

	SymlinkTarget string `json:"symlink_target,omitempty"`
}

// Dirty reports whether the materialized content diverges from the snapshot
// object it came from. Locally created entries are always dirty.
func (m *Meta) Dirty() bool {
	if m.OrigID == "" {
		return true
	}
	return m.Hash != m.OrigHash
}

// DirEntry is one name in a materialized directory listing.
type DirEntry struct {
	Name string          `json:"name"`
	Type model.EntryType `json:"type"`
	// ID is the backing snapshot object, empty if the child itself is
	// materialized.
	ID model.ObjectID `json:"id,omitempty"`
}

// Overlay is the nutsdb-backed store. It holds the database's durability
// lock between Initialize and Close; a second process cannot open the same
// overlay directory until Close releases it.
type Overlay struct {
	dir    string
	logger *slog.Logger

	mu  sync.Mutex
	db  *nutsdb.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New creates an overlay handle. No I/O happens until Initialize.
func New(dir string, logger *slog.Logger) *Overlay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Overlay{dir: dir, logger: logger.With("component", "overlay")}
}

// Initialize opens the overlay database. It must run before any inode
// number is allocated.
func (o *Overlay) Initialize() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.db != nil {
		return nil
	}

	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(o.dir),
		nutsdb.WithSegmentSize(64*1024*1024),
		nutsdb.WithEntryIdxMode(nutsdb.HintKeyAndRAMIdxMode),
		nutsdb.WithRWMode(nutsdb.MMap),
	)
	if err != nil {
		return fmt.Errorf("open overlay database %s: %w", o.dir, err)
	}

	err = db.Update(func(tx *nutsdb.Tx) error {
		for _, bucket := range []string{metaBucket, dirBucket, blobBucket, stateBucket} {
			if err := tx.NewBucket(nutsdb.DataStructureBTree, bucket); err != nil && !errors.Is(err, nutsdb.ErrBucketAlreadyExist) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("create overlay buckets: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return fmt.Errorf("create zstd decoder: %w", err)
	}

	o.db = db
	o.enc = enc
	o.dec = dec
	o.logger.Info("overlay initialized", "dir", o.dir)
	return nil
}

// Close releases the database and its durability lock. Safe to call twice.
func (o *Overlay) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.db == nil {
		return nil
	}
	o.enc.Close()
	o.dec.Close()
	err := o.db.Close()
	o.db = nil
	o.logger.Info("overlay closed", "dir", o.dir)
	if err != nil {
		return fmt.Errorf("close overlay database: %w", err)
	}
	return nil
}

func (o *Overlay) database() (*nutsdb.DB, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.db == nil {
		return nil, ErrNotInitialized
	}
	return o.db, nil
}

// HashContent returns the BLAKE3 hash of content in hex form.
func HashContent(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func pathKey(path string) []byte {
	if path == "" {
		return []byte("/")
	}
	return []byte(path)
}

// AllocateInode returns the next inode number, persisting the counter so
// numbers stay unique across restarts. Numbering starts at 2; 1 is the root.
func (o *Overlay) AllocateInode() (uint64, error) {
	db, err := o.database()
	if err != nil {
		return 0, err
	}
	var ino uint64
	err = db.Update(func(tx *nutsdb.Tx) error {
		next := uint64(2)
		if val, err := tx.Get(stateBucket, nextInoKey); err == nil {
			if err := json.Unmarshal(val, &next); err != nil {
				return fmt.Errorf("parse inode counter: %w", err)
			}
		}
		ino = next
		data, err := json.Marshal(next + 1)
		if err != nil {
			return err
		}
		return tx.Put(stateBucket, nextInoKey, data, 0)
	})
	if err != nil {
		return 0, fmt.Errorf("allocate inode: %w", err)
	}
	return ino, nil
}

// PutFile materializes file content for a path. meta.Hash is filled in from
// the content; if meta.OrigHash is empty and meta.OrigID is set, it is
// assumed the content is pristine and OrigHash is set to the same hash.
func (o *Overlay) PutFile(path string, content []byte, meta Meta) error {
	db, err := o.database()
	if err != nil {
		return err
	}
	meta.Hash = HashContent(content)
	if meta.OrigID != "" && meta.OrigHash == "" {
		meta.OrigHash = meta.Hash
	}
	compressed := o.enc.EncodeAll(content, nil)
	metaData, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("marshal overlay meta for %s: %w", path, err)
	}
	err = db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.Put(blobBucket, []byte(meta.Hash), compressed, 0); err != nil {
			return err
		}
		return tx.Put(metaBucket, pathKey(path), metaData, 0)
	})
	if err != nil {
		return fmt.Errorf("materialize %s: %w", path, err)
	}
	o.logger.Debug("materialized file", "path", path, "bytes", len(content), "hash", meta.Hash)
	return nil
}

// PutMeta stores metadata without content (directories, symlinks).
func (o *Overlay) PutMeta(path string, meta Meta) error {
	db, err := o.database()
	if err != nil {
		return err
	}
	metaData, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("marshal overlay meta for %s: %w", path, err)
	}
	err = db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(metaBucket, pathKey(path), metaData, 0)
	})
	if err != nil {
		return fmt.Errorf("store overlay meta for %s: %w", path, err)
	}
	return nil
}

// GetMeta loads metadata for a path, or ErrNotMaterialized.
func (o *Overlay) GetMeta(path string) (*Meta, error) {
	db, err := o.database()
	if err != nil {
		return nil, err
	}
	var meta Meta
	err = db.View(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(metaBucket, pathKey(path))
		if err != nil {
			return ErrNotMaterialized
		}
		return json.Unmarshal(val, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetFileContent loads and decompresses materialized content for a path.
func (o *Overlay) GetFileContent(path string) ([]byte, error) {
	meta, err := o.GetMeta(path)
	if err != nil {
		return nil, err
	}
	if meta.Hash == "" {
		return nil, fmt.Errorf("path %s has no materialized content", path)
	}
	db, err := o.database()
	if err != nil {
		return nil, err
	}
	var compressed []byte
	err = db.View(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(blobBucket, []byte(meta.Hash))
		if err != nil {
			return fmt.Errorf("blob %s missing for %s: %w", meta.Hash, path, err)
		}
		compressed = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	content, err := o.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", meta.Hash, err)
	}
	return content, nil
}

// Remove deletes overlay state for a single path. Removing a path that was
// never materialized is not an error.
func (o *Overlay) Remove(path string) error {
	db, err := o.database()
	if err != nil {
		return err
	}
	err = db.Update(func(tx *nutsdb.Tx) error {
		// The content blob stays; it may be shared with another path, and
		// orphans are cheap until compaction.
		tx.Delete(metaBucket, pathKey(path))
		tx.Delete(dirBucket, pathKey(path))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove overlay state for %s: %w", path, err)
	}
	return nil
}

// PutDir stores a materialized directory listing.
func (o *Overlay) PutDir(path string, entries []DirEntry) error {
	db, err := o.database()
	if err != nil {
		return err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal overlay dir %s: %w", path, err)
	}
	err = db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(dirBucket, pathKey(path), data, 0)
	})
	if err != nil {
		return fmt.Errorf("store overlay dir %s: %w", path, err)
	}
	return nil
}

// LoadDir loads a materialized directory listing. Returns nil (no error)
// when the directory is not materialized, matching the "overlay dir may be
// empty" contract the root-inode load relies on.
func (o *Overlay) LoadDir(path string) ([]DirEntry, error) {
	db, err := o.database()
	if err != nil {
		return nil, err
	}
	var entries []DirEntry
	err = db.View(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(dirBucket, pathKey(path))
		if err != nil {
			return nil
		}
		return json.Unmarshal(val, &entries)
	})
	if err != nil {
		return nil, fmt.Errorf("load overlay dir %s: %w", path, err)
	}
	return entries, nil
}

// ForEachMeta visits every materialized path. fn may mutate the Meta; a
// true return persists the mutation. Used by chown to rewrite ownership.
func (o *Overlay) ForEachMeta(fn func(path string, meta *Meta) bool) error {
	db, err := o.database()
	if err != nil {
		return err
	}
	type update struct {
		key  []byte
		data []byte
	}
	var updates []update
	err = db.View(func(tx *nutsdb.Tx) error {
		keys, values, err := tx.GetAll(metaBucket)
		if err != nil {
			return nil
		}
		for i, key := range keys {
			var meta Meta
			if err := json.Unmarshal(values[i], &meta); err != nil {
				continue
			}
			path := string(key)
			if path == "/" {
				path = ""
			}
			if fn(path, &meta) {
				data, err := json.Marshal(&meta)
				if err != nil {
					return err
				}
				updates = append(updates, update{key: append([]byte(nil), key...), data: data})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate overlay meta: %w", err)
	}
	if len(updates) == 0 {
		return nil
	}
	err = db.Update(func(tx *nutsdb.Tx) error {
		for _, u := range updates {
			if err := tx.Put(metaBucket, u.key, u.data, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rewrite overlay meta: %w", err)
	}
	return nil
}
