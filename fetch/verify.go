package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/airone01/diem/internal/schema"
)

var (
	ErrIntegrity    = errors.New("content hash mismatch")
	ErrFetchTimeout = errors.New("fetch timed out")
)

// IntegrityError reports a package whose retrieved bytes do not match
// its declared content hash. The bytes are discarded and never reach
// the installer.
type IntegrityError struct {
	Name    string
	Version string
	Want    string
	Got     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("package %s@%s: content hash mismatch: declared %s, got %s",
		e.Name, e.Version, e.Want, e.Got)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

// FetchTimeoutError reports a single package fetch that exceeded the
// configured per-fetch timeout.
type FetchTimeoutError struct {
	Name    string
	Version string
	Timeout time.Duration
}

func (e *FetchTimeoutError) Error() string {
	return fmt.Sprintf("package %s@%s: fetch timed out after %s", e.Name, e.Version, e.Timeout)
}

func (e *FetchTimeoutError) Unwrap() error {
	return ErrFetchTimeout
}

// HashBytes returns the lowercase hex sha256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify compares the sha256 of data against the package's declared
// hash, byte-exact.
func Verify(pkg schema.Package, data []byte) error {
	got := HashBytes(data)
	if got != pkg.SHA256 {
		return &IntegrityError{Name: pkg.Name, Version: pkg.Version, Want: pkg.SHA256, Got: got}
	}
	return nil
}

// Verified is a package archive whose content hash has been checked.
// Only Verified values are handed to the installer.
type Verified struct {
	Package schema.Package
	Data    []byte
}

// ReadFunc resolves a source locator (local path, URL, or provider
// reference) to raw bytes.
type ReadFunc func(ctx context.Context, locator string) ([]byte, error)

// PlanFetcher retrieves and verifies every package of an installation
// plan. Results are cached by content hash for the life of the
// fetcher, since hash equality implies content equality.
type PlanFetcher struct {
	read         ReadFunc
	workers      int
	timeout      time.Duration
	allOrNothing bool

	mu    sync.Mutex
	cache map[string][]byte
}

// PlanOption configures a PlanFetcher.
type PlanOption func(*PlanFetcher)

// WithWorkers bounds the number of concurrent package fetches.
func WithWorkers(n int) PlanOption {
	return func(pf *PlanFetcher) {
		if n > 0 {
			pf.workers = n
		}
	}
}

// WithFetchTimeout sets a per-package fetch timeout. Zero disables it.
func WithFetchTimeout(d time.Duration) PlanOption {
	return func(pf *PlanFetcher) {
		pf.timeout = d
	}
}

// WithAllOrNothing makes the first fetch failure cancel the sibling
// fetches still in flight. By default siblings run to completion and
// all failures are reported together.
func WithAllOrNothing() PlanOption {
	return func(pf *PlanFetcher) {
		pf.allOrNothing = true
	}
}

// NewPlanFetcher creates a PlanFetcher reading sources through read.
func NewPlanFetcher(read ReadFunc, opts ...PlanOption) *PlanFetcher {
	pf := &PlanFetcher{
		read:    read,
		workers: 4,
		cache:   make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(pf)
	}
	return pf
}

// FetchPackage retrieves and verifies one package.
func (pf *PlanFetcher) FetchPackage(ctx context.Context, pkg schema.Package) (*Verified, error) {
	pf.mu.Lock()
	data, ok := pf.cache[pkg.SHA256]
	pf.mu.Unlock()
	if ok {
		return &Verified{Package: pkg, Data: data}, nil
	}

	fetchCtx := ctx
	if pf.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, pf.timeout)
		defer cancel()
	}

	data, err := pf.read(fetchCtx, pkg.Source)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &FetchTimeoutError{Name: pkg.Name, Version: pkg.Version, Timeout: pf.timeout}
		}
		return nil, fmt.Errorf("package %s: %w", pkg.ID(), err)
	}

	if err := Verify(pkg, data); err != nil {
		return nil, err
	}

	pf.mu.Lock()
	pf.cache[pkg.SHA256] = data
	pf.mu.Unlock()

	return &Verified{Package: pkg, Data: data}, nil
}

// FetchPlan retrieves and verifies every package of a plan,
// concurrently up to the worker limit. The returned slice preserves
// plan order. Unless the fetcher is all-or-nothing, one failed fetch
// does not abort siblings; all failures are joined into one error.
func (pf *PlanFetcher) FetchPlan(ctx context.Context, plan []schema.Package) ([]Verified, error) {
	results := make([]*Verified, len(plan))
	errs := make([]error, len(plan))

	if pf.allOrNothing {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(pf.workers)
		for i, pkg := range plan {
			g.Go(func() error {
				v, err := pf.FetchPackage(gctx, pkg)
				if err != nil {
					return err
				}
				results[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		var g errgroup.Group
		g.SetLimit(pf.workers)
		for i, pkg := range plan {
			g.Go(func() error {
				v, err := pf.FetchPackage(ctx, pkg)
				if err != nil {
					errs[i] = err
					return nil
				}
				results[i] = v
				return nil
			})
		}
		_ = g.Wait()
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
	}

	out := make([]Verified, len(plan))
	for i, v := range results {
		out[i] = *v
	}
	return out, nil
}
