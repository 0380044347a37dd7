package finder

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/logging"
	"github.com/fruitsalade/finder/internal/volume"
	"github.com/fruitsalade/finder/pkg/protocol"
)

// disabledCommands are advertised on every volume root so clients hide the
// corresponding actions.
var disabledCommands = []string{
	"archive", "chmod", "duplicate", "edit", "extract", "mkdir", "mkfile",
	"paste", "put", "rename", "resize", "rm", "upload",
}

// Service answers finder commands for authenticated principals.
type Service struct {
	registry *volume.Registry
}

// NewService creates a Service backed by registry.
func NewService(registry *volume.Registry) *Service {
	return &Service{registry: registry}
}

// Open describes the requested directory and lists its children. The
// directory itself is returned as cwd.
func (s *Service) Open(ctx context.Context, principal string, req OpenRequest) (*protocol.OpenResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	vol, err := s.registry.Resolve(ctx, principal)
	if err != nil {
		return nil, err
	}

	target, err := locate(vol, req.Path, req.Identifier)
	if err != nil {
		return nil, err
	}

	cwd, err := vol.Describe(ctx, target)
	if err != nil {
		return nil, err
	}
	if cwd.Kind != volume.KindDirectory {
		return nil, fmt.Errorf("open: %w", volume.ErrNotADirectory)
	}

	children, err := vol.List(ctx, target)
	if err != nil {
		return nil, err
	}

	resp := &protocol.OpenResponse{
		API:   protocol.APIVersion,
		Cwd:   toFile(cwd),
		Files: make([]protocol.File, 0, len(children)),
	}
	for _, c := range children {
		resp.Files = append(resp.Files, toFile(c))
	}

	logging.WithContext(ctx).Debug("open",
		zap.String("kind", req.Kind.String()),
		zap.String("volume", vol.ID),
		zap.String("cwd", cwd.Identifier),
		zap.Int("files", len(resp.Files)))
	return resp, nil
}

// Info describes each requested entry. Any failure fails the whole request.
func (s *Service) Info(ctx context.Context, principal string, req InfoRequest) (*protocol.InfoResponse, error) {
	vol, err := s.registry.Resolve(ctx, principal)
	if err != nil {
		return nil, err
	}

	resp := &protocol.InfoResponse{Files: make([]protocol.File, 0, len(req.Identifiers)+len(req.Paths))}
	describe := func(path, id string) error {
		target, err := locate(vol, path, id)
		if err != nil {
			return err
		}
		e, err := vol.Describe(ctx, target)
		if err != nil {
			return err
		}
		resp.Files = append(resp.Files, toFile(e))
		return nil
	}
	for _, id := range req.Identifiers {
		if err := describe("", id); err != nil {
			return nil, err
		}
	}
	for _, p := range req.Paths {
		if err := describe(p, ""); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Duplicate is advertised as disabled; the volume refuses it.
func (s *Service) Duplicate(ctx context.Context, principal string, ids []string) error {
	vol, err := s.registry.Resolve(ctx, principal)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: duplicate requires targets", ErrInvalidRequest)
	}
	target, err := locate(vol, "", ids[0])
	if err != nil {
		return err
	}
	_, err = vol.Duplicate(ctx, target)
	return err
}

// Chmod is advertised as disabled; the volume refuses it.
func (s *Service) Chmod(ctx context.Context, principal string, ids []string, mode string) error {
	vol, err := s.registry.Resolve(ctx, principal)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: chmod requires targets", ErrInvalidRequest)
	}
	perm, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return fmt.Errorf("%w: mode must be octal", ErrInvalidRequest)
	}
	target, err := locate(vol, "", ids[0])
	if err != nil {
		return err
	}
	_, err = vol.Chmod(ctx, target, fs.FileMode(perm).Perm())
	return err
}

// locate turns a path or identifier into a contained absolute path. Neither
// means the volume root.
func locate(vol *volume.Volume, path, id string) (string, error) {
	if id != "" {
		return vol.Decode(id)
	}
	return vol.Lookup(path)
}

func toFile(e volume.Entry) protocol.File {
	f := protocol.File{
		Name:    e.Name,
		Hash:    e.Identifier,
		PHash:   e.ParentIdentifier,
		Mime:    string(e.Kind),
		TS:      e.ModifiedAtMillis,
		Size:    e.Size,
		Read:    flag(e.Readable),
		Write:   flag(e.Writable),
		Locked:  flag(e.Locked),
		IsOwner: true,
		Alias:   e.Alias,
		THash:   e.TargetIdentifier,
	}
	if e.Kind == volume.KindDirectory {
		dirs := flag(e.HasSubdirs)
		f.Dirs = &dirs
	}
	if e.IsRoot {
		f.VolumeID = volume.IdentifierPrefix
		f.Options = &protocol.Options{Disabled: disabledCommands, Separator: "/"}
	}
	return f
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
