// Package volume implements per-principal sandboxed views of a shared
// directory tree. Each principal owns one Volume, a subdirectory of the
// sandbox root, and every path handed out or accepted by a Volume is proven
// to stay inside it.
package volume

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/logging"
	"github.com/fruitsalade/finder/internal/metrics"
)

// ErrInvalidPrincipal is returned when a principal identifier cannot be
// rendered into a volume directory name. It is joined with ErrNotFound.
var ErrInvalidPrincipal = errors.New("invalid principal identifier")

var validate = validator.New()

// Namer renders a principal identifier into a filesystem-safe directory
// name. Implementations must be collision-free and must never pass
// caller-controlled text through to the filesystem.
type Namer interface {
	DirName(principalID string) (string, error)
}

// UUIDNamer accepts UUID principals and renders them in the 32 hex digit
// "simple" form.
type UUIDNamer struct{}

// DirName implements Namer.
func (UUIDNamer) DirName(principalID string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(principalID))
	if validate.Var(id, "required,uuid") != nil && validate.Var(id, "required,len=32,hexadecimal,excludes=x") != nil {
		return "", fmt.Errorf("%w: %w", ErrNotFound, ErrInvalidPrincipal)
	}
	return strings.ReplaceAll(id, "-", ""), nil
}

// HashNamer renders any non-empty principal identifier as the hex SHA-256
// of the salted identifier.
type HashNamer struct {
	Salt string
}

// DirName implements Namer.
func (n HashNamer) DirName(principalID string) (string, error) {
	if principalID == "" {
		return "", fmt.Errorf("%w: %w", ErrNotFound, ErrInvalidPrincipal)
	}
	h := sha256.New()
	h.Write([]byte(n.Salt))
	h.Write([]byte{0})
	h.Write([]byte(principalID))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NamerFor returns the Namer for a configured naming rule.
func NamerFor(rule, salt string) (Namer, error) {
	switch rule {
	case "", "uuid":
		return UUIDNamer{}, nil
	case "sha256":
		return HashNamer{Salt: salt}, nil
	default:
		return nil, fmt.Errorf("unknown principal naming rule: %s", rule)
	}
}

// Config holds VolumeRegistry settings.
type Config struct {
	// SandboxRoot is the shared root all volumes live under. It is created
	// if missing.
	SandboxRoot string
	// Namer maps principals to directory names. Defaults to UUIDNamer.
	Namer Namer
	// Label is the display name of every volume root. Empty means the
	// volume's directory name.
	Label string
	// ListWorkers bounds concurrent child descriptions per listing.
	ListWorkers int
	// DirMode is the permission used for new volume directories.
	DirMode fs.FileMode
}

// Registry maps principals to their volumes, creating volume directories on
// first access. It is safe for concurrent use.
type Registry struct {
	root    string
	namer   Namer
	label   string
	workers int
	dirMode fs.FileMode

	volumes sync.Map // dir name -> *Volume
}

// NewRegistry validates (and if needed creates) the sandbox root.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.SandboxRoot == "" {
		return nil, fmt.Errorf("sandbox root is required")
	}
	abs, err := filepath.Abs(cfg.SandboxRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create sandbox root: %w", ErrStorageUnavailable, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize sandbox root: %w", ErrStorageUnavailable, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: stat sandbox root: %w", ErrStorageUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: sandbox root %s is not a directory", ErrStorageUnavailable, canonical)
	}

	r := &Registry{
		root:    canonical,
		namer:   cfg.Namer,
		label:   cfg.Label,
		workers: cfg.ListWorkers,
		dirMode: cfg.DirMode,
	}
	if r.namer == nil {
		r.namer = UUIDNamer{}
	}
	if r.workers <= 0 {
		r.workers = 8
	}
	if r.dirMode == 0 {
		r.dirMode = 0o750
	}
	return r, nil
}

// Root returns the canonical sandbox root.
func (r *Registry) Root() string {
	return r.root
}

// Resolve returns the principal's volume, creating its directory on first
// use. Concurrent first accesses for the same principal all succeed and
// observe the same root.
func (r *Registry) Resolve(ctx context.Context, principalID string) (*Volume, error) {
	name, err := r.namer.DirName(principalID)
	if err != nil {
		metrics.RecordVolumeResolution("error")
		return nil, opError("resolve_volume", "", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(r.root, name)
	if cached, ok := r.volumes.Load(name); ok {
		err := checkVolumeDir(path)
		if err == nil {
			metrics.RecordVolumeResolution("existing")
			return cached.(*Volume), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			metrics.RecordVolumeResolution("error")
			return nil, opError("resolve_volume", "", err)
		}
		logging.WithContext(ctx).Warn("volume directory vanished, recreating", zap.String("volume", name))
	}

	created, err := r.ensureDir(path)
	if err != nil {
		metrics.RecordVolumeResolution("error")
		logging.WithContext(ctx).Error("volume unavailable", zap.String("volume", name), zap.Error(err))
		return nil, opError("resolve_volume", "", err)
	}

	label := r.label
	if label == "" {
		label = name
	}
	vol := &Volume{ID: name, Root: path, Label: label, workers: r.workers}
	r.volumes.Store(name, vol)

	if created {
		metrics.RecordVolumeResolution("created")
		logging.WithContext(ctx).Info("volume created", zap.String("volume", name))
	} else {
		metrics.RecordVolumeResolution("existing")
	}
	return vol, nil
}

// ensureDir creates the volume directory. An already existing directory is
// success, which makes concurrent first access race-free.
func (r *Registry) ensureDir(path string) (bool, error) {
	created := true
	if err := os.Mkdir(path, r.dirMode); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return false, fmt.Errorf("%w: %w", ErrStorageUnavailable, bare(err))
		}
		created = false
	}
	if err := checkVolumeDir(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%w: %w", ErrStorageUnavailable, bare(err))
		}
		return false, err
	}
	return created, nil
}

// checkVolumeDir verifies path is a real directory. A symlinked volume root
// would move the containment boundary, so it is refused.
func checkVolumeDir(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, bare(err))
	}
	if info.Mode()&fs.ModeSymlink != 0 || !info.IsDir() {
		return fmt.Errorf("%w: volume root is not a directory", ErrStorageUnavailable)
	}
	return nil
}

// Volume is one principal's sandbox.
type Volume struct {
	// ID is the volume directory name, derived from the principal.
	ID string
	// Root is the canonical absolute containment boundary.
	Root string
	// Label is the display name of the root entry.
	Label string

	workers int
}

// Capabilities describes which operations a volume supports.
type Capabilities struct {
	Read      bool
	Write     bool
	Duplicate bool
	Chmod     bool
}

// Capabilities reports the volume's supported operations. Volumes are
// read-only.
func (v *Volume) Capabilities() Capabilities {
	return Capabilities{Read: true}
}

// Duplicate is not supported.
func (v *Volume) Duplicate(_ context.Context, abs string) (Entry, error) {
	rel, _ := v.rel(abs)
	return Entry{}, opError("duplicate", rel, ErrUnsupported)
}

// Chmod is not supported.
func (v *Volume) Chmod(_ context.Context, abs string, _ fs.FileMode) (Entry, error) {
	rel, _ := v.rel(abs)
	return Entry{}, opError("chmod", rel, ErrUnsupported)
}

func (v *Volume) reject(reason, requested string) {
	metrics.RecordPathRejection(reason)
	logging.Warn("path rejected",
		zap.String("volume", v.ID),
		zap.String("reason", reason),
		zap.String("path", requested))
}
