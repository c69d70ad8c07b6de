package channel

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// Attr is the transport-neutral attribute set the bridge translates into
// kernel replies.
type Attr struct {
	Ino   uint64
	Size  uint64
	Mode  uint32
	Nlink uint32
	UID   uint32
	GID   uint32
	Mtime time.Time
}

// Dirent is one directory listing entry.
type Dirent struct {
	Name string
	Ino  uint64
	Mode uint32
}

// FileSystem is the read path the mount controller exposes to the kernel.
// Implementations return syscall.Errno values for expected failures; any
// other error is reported to the kernel as EIO.
type FileSystem interface {
	Lookup(ctx context.Context, parent uint64, name string) (Attr, error)
	GetAttr(ctx context.Context, ino uint64) (Attr, error)
	ReadDir(ctx context.Context, ino uint64) ([]Dirent, error)
	ReadFile(ctx context.Context, ino uint64, off int64, size int) ([]byte, error)
	Readlink(ctx context.Context, ino uint64) (string, error)
	Forget(ino uint64, nlookup uint64)
}

// Bridge adapts a FileSystem to the raw go-fuse request API and feeds the
// per-pid access log.
type Bridge struct {
	fuse.RawFileSystem
	fs  FileSystem
	log *AccessLog
}

// NewBridge wraps fs. Unimplemented operations fall through to the go-fuse
// default raw filesystem, which answers ENOSYS.
func NewBridge(filesystem FileSystem, accessLog *AccessLog) *Bridge {
	if accessLog == nil {
		accessLog = NewAccessLog()
	}
	return &Bridge{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fs:            filesystem,
		log:           accessLog,
	}
}

func errnoStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return fuse.Status(errno)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fuse.ENOENT
	}
	return fuse.EIO
}

func fillAttr(a Attr, out *fuse.Attr) {
	out.Ino = a.Ino
	out.Size = a.Size
	out.Blocks = (a.Size + 511) / 512
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Uid = a.UID
	out.Gid = a.GID
	mtime := uint64(a.Mtime.Unix())
	out.Mtime = mtime
	out.Ctime = mtime
	out.Atime = mtime
}

const attrTimeout = time.Second

func fillEntry(a Attr, out *fuse.EntryOut) {
	out.NodeId = a.Ino
	out.SetEntryTimeout(attrTimeout)
	out.SetAttrTimeout(attrTimeout)
	fillAttr(a, &out.Attr)
}

func (b *Bridge) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	b.log.Record(header.Pid)
	attr, err := b.fs.Lookup(context.Background(), header.NodeId, name)
	if err != nil {
		return errnoStatus(err)
	}
	fillEntry(attr, out)
	return fuse.OK
}

func (b *Bridge) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	b.log.Record(input.Pid)
	attr, err := b.fs.GetAttr(context.Background(), input.NodeId)
	if err != nil {
		return errnoStatus(err)
	}
	out.SetTimeout(attrTimeout)
	fillAttr(attr, &out.Attr)
	return fuse.OK
}

func (b *Bridge) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	b.log.Record(input.Pid)
	return fuse.OK
}

func (b *Bridge) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	b.log.Record(input.Pid)
	entries, err := b.fs.ReadDir(context.Background(), input.NodeId)
	if err != nil {
		return errnoStatus(err)
	}
	if input.Offset > uint64(len(entries)) {
		return fuse.OK
	}
	for _, e := range entries[input.Offset:] {
		if !out.AddDirEntry(fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: e.Mode}) {
			break
		}
	}
	return fuse.OK
}

func (b *Bridge) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	b.log.Record(input.Pid)
	entries, err := b.fs.ReadDir(context.Background(), input.NodeId)
	if err != nil {
		return errnoStatus(err)
	}
	if input.Offset > uint64(len(entries)) {
		return fuse.OK
	}
	for _, e := range entries[input.Offset:] {
		entryOut := out.AddDirLookupEntry(fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: e.Mode})
		if entryOut == nil {
			break
		}
		attr, err := b.fs.Lookup(context.Background(), input.NodeId, e.Name)
		if err != nil {
			// Listing stays usable; the kernel falls back to Lookup for
			// this name.
			continue
		}
		fillEntry(attr, entryOut)
	}
	return fuse.OK
}

func (b *Bridge) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	b.log.Record(input.Pid)
	out.OpenFlags |= fuse.FOPEN_KEEP_CACHE
	return fuse.OK
}

func (b *Bridge) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	b.log.Record(input.Pid)
	data, err := b.fs.ReadFile(context.Background(), input.NodeId, int64(input.Offset), len(buf))
	if err != nil {
		return nil, errnoStatus(err)
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (b *Bridge) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	b.log.Record(header.Pid)
	target, err := b.fs.Readlink(context.Background(), header.NodeId)
	if err != nil {
		return nil, errnoStatus(err)
	}
	return []byte(target), fuse.OK
}

func (b *Bridge) Forget(nodeid, nlookup uint64) {
	b.fs.Forget(nodeid, nlookup)
}

func (b *Bridge) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {}

func (b *Bridge) ReleaseDir(input *fuse.ReleaseIn) {}

func (b *Bridge) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	return fuse.OK
}

func (b *Bridge) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	out.NameLen = 255
	out.Bsize = 4096
	return fuse.OK
}
