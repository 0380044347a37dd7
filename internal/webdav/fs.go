// Package webdav exposes each principal's volume as a read-only WebDAV tree.
package webdav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/fruitsalade/finder/internal/logging"
	"github.com/fruitsalade/finder/internal/volume"
)

// errReadOnly is returned for every mutation. It is not os.ErrNotExist, so
// the WebDAV handler answers 405 rather than 404/409.
var errReadOnly = fmt.Errorf("read-only volume: %w", volume.ErrUnsupported)

// PrincipalFunc extracts the authenticated principal from the request
// context.
type PrincipalFunc func(ctx context.Context) (string, bool)

// VolumeFS implements webdav.FileSystem over the requesting principal's
// volume. Every name goes through the volume's path resolver.
type VolumeFS struct {
	registry  *volume.Registry
	principal PrincipalFunc
}

var _ webdav.FileSystem = (*VolumeFS)(nil)

// NewVolumeFS creates a file system serving the volume of whichever
// principal is in the request context.
func NewVolumeFS(reg *volume.Registry, principal PrincipalFunc) *VolumeFS {
	return &VolumeFS{registry: reg, principal: principal}
}

// resolve returns the principal's volume and the canonical path for name.
func (vfs *VolumeFS) resolve(ctx context.Context, op, name string) (*volume.Volume, string, error) {
	id, ok := vfs.principal(ctx)
	if !ok {
		return nil, "", &fs.PathError{Op: op, Path: name, Err: fs.ErrPermission}
	}
	v, err := vfs.registry.Resolve(ctx, id)
	if err != nil {
		return nil, "", pathError(op, name, err)
	}
	abs, err := v.Resolve(name)
	if err != nil {
		return nil, "", pathError(op, name, err)
	}
	return v, abs, nil
}

// pathError maps volume error classes onto the fs errors the WebDAV
// handler understands. Escapes look like permission failures.
func pathError(op, name string, err error) error {
	switch volume.ClassOf(err) {
	case volume.ClassNotFound:
		err = fs.ErrNotExist
	case volume.ClassPathEscape:
		err = fs.ErrPermission
	}
	return &fs.PathError{Op: op, Path: name, Err: err}
}

// Mkdir is not supported.
func (vfs *VolumeFS) Mkdir(_ context.Context, name string, _ os.FileMode) error {
	return &fs.PathError{Op: "mkdir", Path: name, Err: errReadOnly}
}

// RemoveAll is not supported.
func (vfs *VolumeFS) RemoveAll(_ context.Context, name string) error {
	return &fs.PathError{Op: "remove", Path: name, Err: errReadOnly}
}

// Rename is not supported.
func (vfs *VolumeFS) Rename(_ context.Context, oldName, _ string) error {
	return &fs.PathError{Op: "rename", Path: oldName, Err: errReadOnly}
}

// Stat describes name.
func (vfs *VolumeFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	v, abs, err := vfs.resolve(ctx, "stat", name)
	if err != nil {
		return nil, err
	}
	e, err := v.Describe(ctx, abs)
	if err != nil {
		return nil, pathError("stat", name, err)
	}
	return newFileInfo(path.Base(path.Clean("/"+name)), e), nil
}

// OpenFile opens name for reading. Any write flag is refused.
func (vfs *VolumeFS) OpenFile(ctx context.Context, name string, flag int, _ os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, &fs.PathError{Op: "open", Path: name, Err: errReadOnly}
	}

	v, abs, err := vfs.resolve(ctx, "open", name)
	if err != nil {
		return nil, err
	}
	e, err := v.Describe(ctx, abs)
	if err != nil {
		return nil, pathError("open", name, err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: unwrapPathError(err)}
	}

	// abs was proven to be inside the volume and free of symlinks; make sure
	// it was not replaced by a link before the open.
	opened, err := f.Stat()
	if err == nil {
		var linfo fs.FileInfo
		if linfo, err = os.Lstat(abs); err == nil && !os.SameFile(opened, linfo) {
			err = fs.ErrPermission
		}
	}
	if err != nil {
		f.Close()
		logging.WithContext(ctx).Warn("webdav open raced with rename",
			zap.String("volume", v.ID),
			zap.String("path", name))
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	return &volumeFile{
		File:  f,
		ctx:   ctx,
		vol:   v,
		abs:   abs,
		name:  name,
		entry: e,
	}, nil
}

func unwrapPathError(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

// volumeFile is an open file or directory. Reads and seeks go straight to
// the underlying *os.File; directory listings and metadata go through the
// volume so clients see the same view as the finder API.
type volumeFile struct {
	*os.File
	ctx   context.Context
	vol   *volume.Volume
	abs   string
	name  string
	entry volume.Entry

	pending []os.FileInfo // remaining Readdir results when count > 0
	listed  bool
}

var _ webdav.File = (*volumeFile)(nil)

func (f *volumeFile) Write([]byte) (int, error) {
	return 0, &fs.PathError{Op: "write", Path: f.name, Err: errReadOnly}
}

func (f *volumeFile) Stat() (os.FileInfo, error) {
	return newFileInfo(path.Base(path.Clean("/"+f.name)), f.entry), nil
}

// Readdir lists the directory through the volume. Symlinks that leave the
// volume or dangle are omitted.
func (f *volumeFile) Readdir(count int) ([]os.FileInfo, error) {
	if f.entry.Kind != volume.KindDirectory {
		return nil, &fs.PathError{Op: "readdir", Path: f.name, Err: volume.ErrNotADirectory}
	}

	if !f.listed {
		entries, err := f.vol.List(f.ctx, f.abs)
		if err != nil {
			return nil, pathError("readdir", f.name, err)
		}
		f.pending = make([]os.FileInfo, 0, len(entries))
		for _, e := range entries {
			if f.escapes(e) {
				continue
			}
			f.pending = append(f.pending, newFileInfo(e.Name, e))
		}
		f.listed = true
	}

	if count <= 0 {
		out := f.pending
		f.pending = nil
		return out, nil
	}
	if len(f.pending) == 0 {
		return nil, io.EOF
	}
	n := min(count, len(f.pending))
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

// escapes reports whether e is a symlink that does not resolve inside the
// volume. Such entries carry no target identifier.
func (f *volumeFile) escapes(e volume.Entry) bool {
	if e.TargetIdentifier != "" {
		return false
	}
	info, err := os.Lstat(filepath.Join(f.abs, e.Name))
	return err != nil || info.Mode()&fs.ModeSymlink != 0
}

// fileInfo adapts a volume.Entry to os.FileInfo.
type fileInfo struct {
	name  string
	entry volume.Entry
}

func newFileInfo(name string, e volume.Entry) *fileInfo {
	if e.IsRoot {
		name = "/"
	}
	return &fileInfo{name: name, entry: e}
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.entry.Size }
func (fi *fileInfo) ModTime() time.Time { return time.UnixMilli(fi.entry.ModifiedAtMillis) }
func (fi *fileInfo) IsDir() bool        { return fi.entry.Kind == volume.KindDirectory }
func (fi *fileInfo) Sys() interface{}   { return nil }

func (fi *fileInfo) Mode() os.FileMode {
	var mode os.FileMode
	if fi.entry.Readable {
		mode |= 0o444
	}
	if fi.IsDir() {
		mode |= os.ModeDir
		if fi.entry.Readable {
			mode |= 0o111
		}
	}
	return mode
}
