// Package registry names the pairwise transform artifacts and decides which
// of them still need a registration job.
//
// The filesystem is the memo across runs: a pair whose transform file exists
// is never scheduled again, which makes an interrupted run restartable. Within
// a run an in-memory set guarantees at most one job per pair, and an optional
// ledger extends that guarantee to other processes sharing the same database.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// AffineSuffix is appended by the registration engine to the output prefix.
const AffineSuffix = "Affine.txt"

// Pair identifies one pairwise registration.
type Pair struct {
	Moving int `json:"moving"`
	Fixed  int `json:"fixed"`
}

func (p Pair) String() string { return fmt.Sprintf("%d->%d", p.Moving, p.Fixed) }

// Trivial reports whether the pair maps a slice onto itself.
func (p Pair) Trivial() bool { return p.Moving == p.Fixed }

// Ledger records dispatch claims shared between processes.
type Ledger interface {
	Claim(key, owner string) (bool, error)
}

// Registry maps pairs to transform paths and tracks what was scheduled.
type Registry struct {
	dir         string
	indexFormat string
	dimension   int
	log         *slog.Logger

	ledger Ledger
	owner  string

	mu        sync.Mutex
	scheduled map[Pair]string
	held      map[Pair]string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLedger enables cross-process dispatch claims owned by owner.
func WithLedger(l Ledger, owner string) Option {
	return func(r *Registry) {
		r.ledger = l
		r.owner = owner
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithDimension sets the image dimension used for identity transforms.
func WithDimension(d int) Option {
	return func(r *Registry) { r.dimension = d }
}

// New creates a registry writing transforms under dir. indexFormat renders one
// slice index, e.g. "%04d".
func New(dir, indexFormat string, opts ...Option) *Registry {
	r := &Registry{
		dir:         dir,
		indexFormat: indexFormat,
		dimension:   2,
		log:         slog.Default(),
		scheduled:   make(map[Pair]string),
		held:        make(map[Pair]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the transform directory.
func (r *Registry) Dir() string { return r.dir }

// Index renders one slice index with the configured format.
func (r *Registry) Index(i int) string { return fmt.Sprintf(r.indexFormat, i) }

// Prefix is the output prefix handed to the registration engine for p.
func (r *Registry) Prefix(p Pair) string {
	return filepath.Join(r.dir, r.Index(p.Moving)+"_to_"+r.Index(p.Fixed)+"_")
}

// Path is the canonical transform file for p. Trivial pairs share the
// identity transform.
func (r *Registry) Path(p Pair) string {
	if p.Trivial() {
		return r.IdentityPath()
	}
	return r.Prefix(p) + AffineSuffix
}

// IdentityPath is the identity transform used for self pairs.
func (r *Registry) IdentityPath() string {
	return filepath.Join(r.dir, "identity_"+AffineSuffix)
}

// GetOrSchedule returns the transform path of (moving, fixed) and whether a
// registration job must be scheduled for it. It reports true at most once per
// pair for the lifetime of the registry. A missing pair claimed by another
// owner is not scheduled but listed by Held until Reclaim succeeds.
func (r *Registry) GetOrSchedule(moving, fixed int) (string, bool) {
	p := Pair{Moving: moving, Fixed: fixed}
	path := r.Path(p)
	if p.Trivial() {
		return path, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.scheduled[p]; ok {
		return path, false
	}
	if _, ok := r.held[p]; ok {
		return path, false
	}
	if _, err := os.Stat(path); err == nil {
		return path, false
	}
	if r.ledger != nil {
		ok, err := r.ledger.Claim(r.key(p), r.owner)
		if err != nil {
			// the filesystem check above still holds; fall back to it
			r.log.Warn("ledger claim failed", "pair", p.String(), "error", err)
		} else if !ok {
			r.log.Warn("pair claimed by another run", "pair", p.String(), "path", path)
			r.held[p] = path
			return path, false
		}
	}
	r.scheduled[p] = path
	return path, true
}

// Held returns the pairs another owner was computing when they were
// requested, ordered by moving then fixed index.
func (r *Registry) Held() []Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedPairs(r.held)
}

// Reclaim retries the claim of a held pair. On success the pair moves to the
// scheduled set and the caller must register it.
func (r *Registry) Reclaim(p Pair) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[p]; !ok {
		return false, fmt.Errorf("pair %s is not held", p)
	}
	ok, err := r.ledger.Claim(r.key(p), r.owner)
	if err != nil || !ok {
		return false, err
	}
	r.scheduled[p] = r.held[p]
	delete(r.held, p)
	return true, nil
}

func (r *Registry) key(p Pair) string {
	return r.Path(p)
}

// Scheduled returns the pairs scheduled so far, ordered by moving then fixed index.
func (r *Registry) Scheduled() []Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedPairs(r.scheduled)
}

func sortedPairs(m map[Pair]string) []Pair {
	out := make([]Pair, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Moving != out[j].Moving {
			return out[i].Moving < out[j].Moving
		}
		return out[i].Fixed < out[j].Fixed
	})
	return out
}

// EnsureIdentity writes the identity transform if it is missing.
func (r *Registry) EnsureIdentity() (string, error) {
	path := r.IdentityPath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(identityTransform(r.dimension)), 0o644); err != nil {
		return "", fmt.Errorf("write identity transform: %w", err)
	}
	return path, nil
}

// identityTransform renders an ITK affine transform file for an identity map.
func identityTransform(dim int) string {
	params := make([]string, 0, dim*dim+dim)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			if i == j {
				params = append(params, "1")
			} else {
				params = append(params, "0")
			}
		}
	}
	fixed := make([]string, dim)
	for i := 0; i < dim; i++ {
		params = append(params, "0")
		fixed[i] = "0"
	}
	return fmt.Sprintf("#Insight Transform File V1.0\n#Transform 0\nTransform: MatrixOffsetTransformBase_double_%d_%d\nParameters: %s\nFixedParameters: %s\n",
		dim, dim, strings.Join(params, " "), strings.Join(fixed, " "))
}
