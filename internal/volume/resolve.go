package volume

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// maxSymlinkHops bounds manual symlink chasing for paths that do not exist.
const maxSymlinkHops = 40

var errTooManyLinks = errors.New("too many levels of symbolic links")

// Resolve turns a caller-supplied path, relative to the volume root, into a
// canonical absolute path proven to be inside the volume. A leading slash is
// treated as volume-relative. The returned path need not exist.
//
// Containment is checked twice: lexically before touching the filesystem and
// again after symlinks are resolved.
func (v *Volume) Resolve(requested string) (string, error) {
	_, canonical, err := v.resolve(requested)
	return canonical, err
}

// Lookup applies the same containment checks as Resolve but returns the
// cleaned lexical path, so in-volume symlinks keep their own name and
// identifier. Describe and List follow such links themselves.
func (v *Volume) Lookup(requested string) (string, error) {
	lexical, _, err := v.resolve(requested)
	return lexical, err
}

func (v *Volume) resolve(requested string) (lexical, canonical string, err error) {
	if strings.IndexByte(requested, 0) >= 0 {
		v.reject("nul_byte", requested)
		return "", "", opError("resolve", "", ErrPathEscape)
	}

	rel := strings.TrimLeft(filepath.FromSlash(requested), string(filepath.Separator))
	lexical = filepath.Join(v.Root, rel)
	if !within(v.Root, lexical) {
		v.reject("lexical_escape", requested)
		return "", "", opError("resolve", "", ErrPathEscape)
	}

	canonical, err = canonicalize(lexical, 0)
	if err != nil {
		return "", "", opError("resolve", filepath.ToSlash(rel), fmt.Errorf("%w: %w", ErrIO, bare(err)))
	}
	if !within(v.Root, canonical) {
		v.reject("symlink_escape", requested)
		return "", "", opError("resolve", "", ErrPathEscape)
	}
	return lexical, canonical, nil
}

// canonicalize resolves every symlink in p. When p does not exist the
// nearest existing ancestor is resolved instead and the missing tail is
// re-appended, following dangling links by hand.
func canonicalize(p string, hops int) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !missing(err) {
		return "", err
	}

	info, lerr := os.Lstat(p)
	switch {
	case lerr == nil && info.Mode()&fs.ModeSymlink != 0:
		if hops >= maxSymlinkHops {
			return "", errTooManyLinks
		}
		target, err := os.Readlink(p)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			dir, err := canonicalize(filepath.Dir(p), hops+1)
			if err != nil {
				return "", err
			}
			target = filepath.Join(dir, target)
		}
		return canonicalize(target, hops+1)
	case lerr == nil:
		// Exists but EvalSymlinks saw it missing: raced with a rename.
		return "", err
	case !missing(lerr):
		return "", lerr
	}

	parent := filepath.Dir(p)
	if parent == p {
		return p, nil
	}
	base, err := canonicalize(parent, hops)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, filepath.Base(p)), nil
}

// bare strips the absolute path an *fs.PathError or *os.LinkError carries.
func bare(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return le.Err
	}
	return err
}

func missing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// within reports whether p equals root or lies beneath it. Both must be
// clean absolute paths.
func within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// rel returns the slash-separated path of abs relative to the volume root,
// or "" for the root itself.
func (v *Volume) rel(abs string) (string, error) {
	clean := filepath.Clean(abs)
	if !within(v.Root, clean) {
		return "", ErrPathEscape
	}
	r, err := filepath.Rel(v.Root, clean)
	if err != nil {
		return "", ErrPathEscape
	}
	if r == "." {
		return "", nil
	}
	return filepath.ToSlash(r), nil
}
