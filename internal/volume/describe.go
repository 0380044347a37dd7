package volume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Kind is the entry type reported to clients. It is derived from the
// filesystem entry type only.
type Kind string

const (
	KindDirectory Kind = "directory"
	KindFile      Kind = "file"
)

// subdirScanBatch is how many children are read per batch while looking for
// a subdirectory.
const subdirScanBatch = 64

// Entry is the synthesized description of one filesystem entry.
type Entry struct {
	Name             string
	Identifier       string
	ParentIdentifier string // empty iff IsRoot
	IsRoot           bool
	Kind             Kind
	ModifiedAtMillis int64
	Size             int64
	HasSubdirs       bool
	Readable         bool
	Writable         bool
	Locked           bool

	// Set for symlinks whose target lies inside the volume.
	Alias            string
	TargetIdentifier string
}

// Describe synthesizes the Entry for abs, which must lie inside the volume.
// Symlinks are reported under their own path; a link into the volume is
// described by its target's metadata, while a link leaving the volume or
// dangling is described by its own lstat data and reported as a file.
func (v *Volume) Describe(ctx context.Context, abs string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	abs = filepath.Clean(abs)
	rel, err := v.rel(abs)
	if err != nil {
		v.reject("describe_escape", "")
		return Entry{}, opError("describe", "", err)
	}

	info, target, err := v.stat(abs)
	if err != nil {
		return Entry{}, opError("describe", rel, err)
	}

	mtime := info.ModTime()
	if mtime.Before(time.Unix(0, 0)) {
		return Entry{}, opError("describe", rel, fmt.Errorf("%w: %w", ErrIO, ErrTimeAnomaly))
	}

	perm := info.Mode().Perm()
	e := Entry{
		Name:             filepath.Base(abs),
		Kind:             KindFile,
		ModifiedAtMillis: mtime.UnixMilli(),
		Size:             info.Size(),
		Readable:         perm&0o444 != 0,
		Writable:         perm&0o222 != 0,
	}
	if e.Identifier, err = v.Encode(abs); err != nil {
		return Entry{}, err
	}

	if info.IsDir() {
		e.Kind = KindDirectory
		e.Size = 0
		subdirs, err := hasSubdirs(target)
		switch {
		case err == nil:
			e.HasSubdirs = subdirs
		case errors.Is(err, fs.ErrPermission):
			e.Readable = false
		default:
			return Entry{}, opError("describe", rel, statError(err))
		}
	}

	if target != "" && target != abs {
		// In-volume symlink: expose where it points.
		if e.Alias, err = v.rel(target); err != nil {
			return Entry{}, opError("describe", rel, err)
		}
		if e.TargetIdentifier, err = v.Encode(target); err != nil {
			return Entry{}, err
		}
	}

	if abs == v.Root {
		e.Name = v.Label
		e.IsRoot = true
		return e, nil
	}

	parent := filepath.Dir(abs)
	pinfo, err := os.Stat(parent)
	if err != nil || !pinfo.IsDir() {
		// Distinct from the root case: there is a parent, it just is not there.
		return Entry{}, opError("describe", rel, fmt.Errorf("%w: %w", ErrIO, ErrDanglingParent))
	}
	if e.ParentIdentifier, err = v.Encode(parent); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// stat returns the metadata to report for abs and, when that metadata came
// from an in-volume path, the path to scan for subdirectories. target is
// empty for symlinks that leave the volume or dangle.
func (v *Volume) stat(abs string) (info fs.FileInfo, target string, err error) {
	linfo, err := os.Lstat(abs)
	if err != nil {
		return nil, "", statError(err)
	}
	if linfo.Mode()&fs.ModeSymlink == 0 {
		return linfo, abs, nil
	}

	canonical, err := canonicalize(abs, 0)
	if err != nil || !within(v.Root, canonical) {
		return linfo, "", nil
	}
	info, err = os.Stat(canonical)
	if err != nil {
		if missing(err) {
			return linfo, "", nil
		}
		return nil, "", statError(err)
	}
	return info, canonical, nil
}

// statError classifies a filesystem error. The absolute path it carries is
// dropped; callers wrap the result with the volume-relative path.
func statError(err error) error {
	if missing(err) {
		return fmt.Errorf("%w: %w", ErrNotFound, bare(err))
	}
	return fmt.Errorf("%w: %w", ErrIO, bare(err))
}

// hasSubdirs reports whether dir has at least one immediate child that is a
// directory. Children are not followed through symlinks and the scan stops
// at the first match.
func hasSubdirs(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()

	for {
		entries, err := f.ReadDir(subdirScanBatch)
		for _, de := range entries {
			if de.IsDir() {
				return true, nil
			}
		}
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
}
