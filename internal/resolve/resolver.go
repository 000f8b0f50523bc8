// Package resolve turns an app request into a dependency-complete,
// dependency-first installation plan. Resolution is a pure function of
// a merged catalog snapshot: no I/O, no retained state between calls.
package resolve

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/airone01/diem/internal/catalog"
	"github.com/airone01/diem/internal/schema"
)

var (
	// ErrAmbiguousApp is returned when an unqualified app name matches
	// more than one catalog entry.
	ErrAmbiguousApp = errors.New("ambiguous app")

	// ErrDependencyCycle is returned when the dependency graph contains
	// a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrMissingDependency is returned when a required package cannot
	// be found, or no version of it satisfies a requirement.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrVersionConflict is returned when two requirements on the same
	// package cannot be satisfied by any single version.
	ErrVersionConflict = errors.New("version conflict")
)

// Edge is one requirement on a package: who needs it and under what
// version constraint. An empty constraint accepts any version.
type Edge struct {
	RequiredBy string
	Constraint string
}

// AmbiguousAppError lists every subscription-qualified candidate for a
// name that matched more than once. Re-request with a qualifier.
type AmbiguousAppError struct {
	Name       string
	Candidates []string
}

func (e *AmbiguousAppError) Error() string {
	return fmt.Sprintf("app %q is ambiguous, candidates: %s", e.Name, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousAppError) Unwrap() error {
	return ErrAmbiguousApp
}

// DependencyCycleError names the cycle, first package repeated at the
// end.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

func (e *DependencyCycleError) Unwrap() error {
	return ErrDependencyCycle
}

// MissingDependencyError reports a package that is absent from the
// catalog, or present but with no version satisfying the constraint.
type MissingDependencyError struct {
	Name       string
	Constraint string
	RequiredBy string
}

func (e *MissingDependencyError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("no version of %q satisfies %q (required by %s)", e.Name, e.Constraint, e.RequiredBy)
	}
	return fmt.Sprintf("package %q not found (required by %s)", e.Name, e.RequiredBy)
}

func (e *MissingDependencyError) Unwrap() error {
	return ErrMissingDependency
}

// VersionConflictError names two requirements on the same package that
// no single version satisfies together.
type VersionConflictError struct {
	Name   string
	First  Edge
	Second Edge
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("conflicting requirements on %q: %s wants %q, %s wants %q",
		e.Name, e.First.RequiredBy, e.First.Constraint, e.Second.RequiredBy, e.Second.Constraint)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// Request identifies the app to resolve. Subscription and Version are
// optional qualifiers.
type Request struct {
	Subscription string
	Name         string
	Version      string
}

// ParseRequest parses "name", "name@version", "sub/name", or
// "sub/name@version".
func ParseRequest(s string) Request {
	var r Request
	if i := strings.IndexByte(s, '/'); i >= 0 {
		r.Subscription = strings.TrimSpace(s[:i])
		s = s[i+1:]
	}
	r.Name, r.Version = schema.ParseDependency(s)
	return r
}

func (r Request) String() string {
	s := r.Name
	if r.Subscription != "" {
		s = r.Subscription + "/" + s
	}
	if r.Version != "" {
		s += "@" + r.Version
	}
	return s
}

// Plan is the result of a successful resolution: the chosen app and
// the packages to install, dependencies before dependents.
type Plan struct {
	App          schema.App
	Subscription string
	Packages     []schema.Package
}

// Resolve selects the requested app from the catalog and computes its
// installation plan.
func Resolve(cat *catalog.Merged, req Request) (*Plan, error) {
	entry, err := selectApp(cat, req)
	if err != nil {
		return nil, err
	}

	r := &resolver{
		index:    cat.PackageIndex(),
		reqs:     make(map[string][]Edge),
		selected: make(map[string]schema.Package),
	}

	owner := "app " + entry.App.Name + "@" + entry.App.Version
	var roots []string
	var queue []string
	for _, pkg := range entry.App.Packages {
		r.reqs[pkg.Name] = append(r.reqs[pkg.Name], Edge{RequiredBy: owner, Constraint: "=" + pkg.Version})
		queue = append(queue, pkg.Name)
		roots = appendUnique(roots, pkg.Name)
	}

	if err := r.solve(queue); err != nil {
		return nil, err
	}
	ordered, err := r.order(roots)
	if err != nil {
		return nil, err
	}

	return &Plan{
		App:          entry.App,
		Subscription: entry.Subscription,
		Packages:     ordered,
	}, nil
}

func selectApp(cat *catalog.Merged, req Request) (catalog.Entry, error) {
	var matches []catalog.Entry
	for _, e := range cat.Lookup(req.Name) {
		if req.Subscription != "" && e.Subscription != req.Subscription {
			continue
		}
		if req.Version != "" && e.App.Version != req.Version {
			continue
		}
		matches = append(matches, e)
	}

	switch len(matches) {
	case 0:
		return catalog.Entry{}, &catalog.NotFoundError{Kind: "app", Name: req.String()}
	case 1:
		return matches[0], nil
	}

	candidates := make([]string, len(matches))
	for i, e := range matches {
		candidates[i] = e.Subscription + "/" + e.App.Name + "@" + e.App.Version
	}
	return catalog.Entry{}, &AmbiguousAppError{Name: req.Name, Candidates: candidates}
}

type resolver struct {
	index    map[string][]schema.Package
	reqs     map[string][]Edge
	selected map[string]schema.Package
}

// solve runs requirement propagation to a fixed point. Adding a
// constraint can invalidate an earlier choice, in which case the
// previous selection's own requirements are retracted and the affected
// names re-queued.
func (r *resolver) solve(queue []string) error {
	// Requirement sets shrink a name's viable versions, so selection
	// converges; the cap only guards against a pathological catalog.
	for steps := 0; len(queue) > 0; steps++ {
		if steps > 10000 {
			return fmt.Errorf("resolution did not converge")
		}

		name := queue[0]
		queue = queue[1:]

		edges := r.reqs[name]
		if len(edges) == 0 {
			if old, ok := r.selected[name]; ok {
				delete(r.selected, name)
				queue = append(queue, r.retract(old)...)
			}
			continue
		}

		pkg, err := r.selectVersion(name, edges)
		if err != nil {
			return err
		}

		if old, ok := r.selected[name]; ok {
			if old.Version == pkg.Version && old.SHA256 == pkg.SHA256 {
				continue
			}
			queue = append(queue, r.retract(old)...)
		}

		r.selected[name] = pkg
		for _, ref := range pkg.Dependencies {
			depName, constraint := schema.ParseDependency(ref)
			r.reqs[depName] = append(r.reqs[depName], Edge{RequiredBy: pkg.ID(), Constraint: constraint})
			queue = append(queue, depName)
		}
	}
	return nil
}

// retract removes every requirement contributed by old and returns the
// names whose requirement sets changed.
func (r *resolver) retract(old schema.Package) []string {
	var affected []string
	for _, ref := range old.Dependencies {
		depName, _ := schema.ParseDependency(ref)
		edges := r.reqs[depName]
		kept := edges[:0]
		for _, e := range edges {
			if e.RequiredBy != old.ID() {
				kept = append(kept, e)
			}
		}
		if len(kept) != len(edges) {
			r.reqs[depName] = kept
			affected = append(affected, depName)
		}
	}
	return affected
}

// selectVersion picks the highest version of name satisfying every
// edge, breaking ties on the lexicographically smaller source.
func (r *resolver) selectVersion(name string, edges []Edge) (schema.Package, error) {
	candidates := r.index[name]
	if len(candidates) == 0 {
		e := edges[0]
		return schema.Package{}, &MissingDependencyError{Name: name, Constraint: e.Constraint, RequiredBy: e.RequiredBy}
	}

	// A single unsatisfiable edge is a missing dependency; an empty
	// intersection of individually satisfiable edges is a conflict.
	for _, e := range edges {
		if !anySatisfies(candidates, e.Constraint) {
			return schema.Package{}, &MissingDependencyError{Name: name, Constraint: e.Constraint, RequiredBy: e.RequiredBy}
		}
	}

	var survivors []schema.Package
	for _, c := range candidates {
		if satisfiesAll(c, edges) {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		i, j := conflictingPair(candidates, edges)
		return schema.Package{}, &VersionConflictError{Name: name, First: edges[i], Second: edges[j]}
	}

	sort.Slice(survivors, func(i, j int) bool {
		vi, erri := semver.NewVersion(survivors[i].Version)
		vj, errj := semver.NewVersion(survivors[j].Version)
		if erri == nil && errj == nil && !vi.Equal(vj) {
			return vi.GreaterThan(vj)
		}
		if survivors[i].Version != survivors[j].Version {
			return survivors[i].Version > survivors[j].Version
		}
		return survivors[i].Source < survivors[j].Source
	})
	return survivors[0], nil
}

func satisfies(pkg schema.Package, constraint string) bool {
	if constraint == "" {
		return true
	}
	v, err := semver.NewVersion(pkg.Version)
	if err != nil {
		return false
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return c.Check(v)
}

func satisfiesAll(pkg schema.Package, edges []Edge) bool {
	for _, e := range edges {
		if !satisfies(pkg, e.Constraint) {
			return false
		}
	}
	return true
}

func anySatisfies(candidates []schema.Package, constraint string) bool {
	for _, c := range candidates {
		if satisfies(c, constraint) {
			return true
		}
	}
	return false
}

// conflictingPair finds two edges no candidate satisfies together.
func conflictingPair(candidates []schema.Package, edges []Edge) (int, int) {
	for i := 0; i < len(edges); i++ {
		for j := i + 1; j < len(edges); j++ {
			compatible := false
			for _, c := range candidates {
				if satisfies(c, edges[i].Constraint) && satisfies(c, edges[j].Constraint) {
					compatible = true
					break
				}
			}
			if !compatible {
				return i, j
			}
		}
	}
	return 0, len(edges) - 1
}

type frame struct {
	name string
	next int
}

const (
	white = iota
	gray
	black
)

// order emits the selected packages dependency-first. The traversal
// keeps an explicit stack so deep chains cannot overflow, and a gray
// mark on that stack detects cycles.
func (r *resolver) order(roots []string) ([]schema.Package, error) {
	color := make(map[string]int)
	out := make([]schema.Package, 0, len(r.selected))

	for _, root := range roots {
		if color[root] == black {
			continue
		}
		stack := []frame{{name: root}}
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			pkg := r.selected[f.name]
			if f.next == 0 {
				color[f.name] = gray
			}
			if f.next < len(pkg.Dependencies) {
				depName, _ := schema.ParseDependency(pkg.Dependencies[f.next])
				f.next++
				switch color[depName] {
				case gray:
					return nil, &DependencyCycleError{Cycle: cycleNames(stack, depName)}
				case white:
					stack = append(stack, frame{name: depName})
				}
				continue
			}
			color[f.name] = black
			out = append(out, pkg)
			stack = stack[:len(stack)-1]
		}
	}
	return out, nil
}

func cycleNames(stack []frame, name string) []string {
	start := 0
	for i, f := range stack {
		if f.name == name {
			start = i
			break
		}
	}
	out := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		out = append(out, f.name)
	}
	return append(out, name)
}

func appendUnique(s []string, v string) []string {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}
