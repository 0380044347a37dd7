package volume

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fruitsalade/finder/internal/metrics"
)

// List describes the immediate children of dir. Children are described by a
// bounded pool of workers; the result keeps enumeration order, which is not
// a contract. Children removed between enumeration and description are
// skipped.
//
// Two concurrent listings may observe different snapshots of the same
// directory, and nothing stops an entry from changing between its stat and
// the scan for subdirectories.
func (v *Volume) List(ctx context.Context, dir string) ([]Entry, error) {
	dir = filepath.Clean(dir)
	rel, err := v.rel(dir)
	if err != nil {
		v.reject("list_escape", "")
		return nil, opError("list", "", err)
	}

	info, target, err := v.stat(dir)
	if err != nil {
		return nil, opError("list", rel, err)
	}
	if !info.IsDir() || target == "" {
		return nil, opError("list", rel, ErrNotADirectory)
	}

	dirents, err := os.ReadDir(target)
	if err != nil {
		return nil, opError("list", rel, statError(err))
	}
	if len(dirents) == 0 {
		metrics.ObserveListing(0)
		return []Entry{}, nil
	}

	var (
		results = make([]Entry, len(dirents))
		errs    = make([]error, len(dirents))
		jobs    = make(chan int)
		wg      sync.WaitGroup
	)

	workers := min(v.workers, len(dirents))
	if workers < 1 {
		workers = 1
	}
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				// Children are addressed under dir, not target, so their
				// parent identifiers match dir's own identifier.
				results[i], errs[i] = v.Describe(ctx, filepath.Join(dir, dirents[i].Name()))
			}
		}()
	}

feed:
	for i := range dirents {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirents))
	for i, err := range errs {
		if err != nil {
			if ClassOf(err) == ClassNotFound {
				continue
			}
			return nil, err
		}
		entries = append(entries, results[i])
	}
	metrics.ObserveListing(len(entries))
	return entries, nil
}
