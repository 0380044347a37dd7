// Package finder implements the file-manager command layer on top of
// principal volumes.
package finder

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ErrInvalidRequest marks a request that is missing or has malformed
// parameters.
var ErrInvalidRequest = errors.New("invalid request parameters")

// params is the flat command parameter set shared by all commands. Keys
// ending in [] carry every value; all other keys take the first value.
type params struct {
	Cmd     string   `mapstructure:"cmd"`
	Init    bool     `mapstructure:"init"`
	Target  string   `mapstructure:"target"`
	Hash    string   `mapstructure:"hash"`
	Targets []string `mapstructure:"targets[]"`
	Mode    string   `mapstructure:"mode"`
}

func decodeParams(values url.Values) (params, error) {
	raw := make(map[string]any, len(values))
	for k, v := range values {
		if strings.HasSuffix(k, "[]") {
			raw[k] = v
		} else if len(v) > 0 {
			raw[k] = v[0]
		}
	}

	var p params
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return params{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return params{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return p, nil
}

// OpenKind tags an OpenRequest.
type OpenKind int

const (
	// OpenInit opens the volume, defaulting to its root.
	OpenInit OpenKind = iota + 1
	// OpenNavigate opens an explicit target.
	OpenNavigate
)

func (k OpenKind) String() string {
	switch k {
	case OpenInit:
		return "init"
	case OpenNavigate:
		return "navigate"
	default:
		return "unknown"
	}
}

// OpenRequest is a parsed cmd=open. Navigate requests always carry a Path
// or an Identifier; Init requests may carry neither, meaning the root.
// Identifier wins when both are set.
type OpenRequest struct {
	Kind       OpenKind
	Path       string
	Identifier string
}

// InitRequest opens the volume root.
func InitRequest() OpenRequest {
	return OpenRequest{Kind: OpenInit}
}

// NavigatePath opens a volume-relative path.
func NavigatePath(path string) OpenRequest {
	return OpenRequest{Kind: OpenNavigate, Path: path}
}

// NavigateIdentifier opens the entry an identifier names.
func NavigateIdentifier(id string) OpenRequest {
	return OpenRequest{Kind: OpenNavigate, Identifier: id}
}

// Validate checks the request invariants.
func (r OpenRequest) Validate() error {
	switch r.Kind {
	case OpenInit:
		return nil
	case OpenNavigate:
		if r.Path == "" && r.Identifier == "" {
			return fmt.Errorf("%w: open requires target or hash", ErrInvalidRequest)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown open kind", ErrInvalidRequest)
	}
}

func parseOpen(p params) (OpenRequest, error) {
	req := OpenRequest{Kind: OpenNavigate, Path: p.Target, Identifier: p.Hash}
	if p.Init {
		req.Kind = OpenInit
	}
	return req, req.Validate()
}

// InfoRequest is a parsed cmd=info.
type InfoRequest struct {
	Identifiers []string
	Paths       []string
}

func parseInfo(p params) (InfoRequest, error) {
	req := InfoRequest{Identifiers: p.Targets}
	if p.Hash != "" {
		req.Identifiers = append(req.Identifiers, p.Hash)
	}
	if p.Target != "" {
		req.Paths = []string{p.Target}
	}
	if len(req.Identifiers) == 0 && len(req.Paths) == 0 {
		return InfoRequest{}, fmt.Errorf("%w: info requires targets", ErrInvalidRequest)
	}
	return req, nil
}
