package resolve

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/airone01/diem/internal/catalog"
	"github.com/airone01/diem/internal/schema"
)

func pkg(name, version string, deps ...string) schema.Package {
	sum := sha256.Sum256([]byte(name + "@" + version))
	return schema.Package{
		Name:           name,
		Version:        version,
		SHA256:         hex.EncodeToString(sum[:]),
		Source:         "https://pkgs.example.org/" + name + "-" + version + ".tar.gz",
		Dependencies:   deps,
		HandlerVersion: schema.PackageVersion,
	}
}

func app(name, version string, pkgs ...schema.Package) schema.App {
	return schema.App{
		Name:           name,
		Version:        version,
		Packages:       pkgs,
		HandlerVersion: schema.AppVersion,
	}
}

func merged(entries ...catalog.Entry) *catalog.Merged {
	return &catalog.Merged{Entries: entries}
}

func planNames(t *testing.T, p *Plan) []string {
	t.Helper()
	names := make([]string, len(p.Packages))
	for i, pk := range p.Packages {
		names[i] = pk.Name
	}
	return names
}

func TestResolveSinglePackage(t *testing.T) {
	cat := merged(catalog.Entry{
		Subscription: "campus",
		App:          app("hello", "1.0.0", pkg("hello", "1.0.0")),
	})

	plan, err := Resolve(cat, ParseRequest("hello"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if plan.Subscription != "campus" {
		t.Errorf("Subscription = %q, want campus", plan.Subscription)
	}
	if len(plan.Packages) != 1 || plan.Packages[0].ID() != "hello@1.0.0" {
		t.Errorf("plan = %v, want [hello@1.0.0]", planNames(t, plan))
	}
}

func TestResolveDependencyFirstOrder(t *testing.T) {
	cat := merged(catalog.Entry{
		Subscription: "campus",
		App: app("editor", "2.0.0",
			pkg("editor", "2.0.0", "runtime", "syntax"),
		),
	}, catalog.Entry{
		Subscription: "campus",
		App: app("libs", "1.0.0",
			pkg("runtime", "1.0.0", "syntax"),
			pkg("syntax", "1.0.0"),
		),
	})

	plan, err := Resolve(cat, ParseRequest("editor"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	got := planNames(t, plan)
	want := []string{"syntax", "runtime", "editor"}
	if len(got) != len(want) {
		t.Fatalf("plan = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("plan = %v, want %v", got, want)
		}
	}
}

func TestResolveCollapsesSharedDependency(t *testing.T) {
	cat := merged(catalog.Entry{
		Subscription: "campus",
		App: app("suite", "1.0.0",
			pkg("suite", "1.0.0", "alpha", "beta"),
		),
	}, catalog.Entry{
		Subscription: "campus",
		App: app("libs", "1.0.0",
			pkg("alpha", "1.0.0", "common"),
			pkg("beta", "1.0.0", "common"),
			pkg("common", "1.0.0"),
		),
	})

	plan, err := Resolve(cat, ParseRequest("suite"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	seen := 0
	commonAt, alphaAt, betaAt := -1, -1, -1
	for i, p := range plan.Packages {
		switch p.Name {
		case "common":
			seen++
			commonAt = i
		case "alpha":
			alphaAt = i
		case "beta":
			betaAt = i
		}
	}
	if seen != 1 {
		t.Fatalf("common appears %d times, want 1 (plan %v)", seen, planNames(t, plan))
	}
	if commonAt > alphaAt || commonAt > betaAt {
		t.Errorf("common not before its dependents: %v", planNames(t, plan))
	}
}

func TestResolveDependencyCycle(t *testing.T) {
	cat := merged(catalog.Entry{
		Subscription: "campus",
		App: app("tangle", "1.0.0",
			pkg("a", "1.0.0", "b"),
			pkg("b", "1.0.0", "a"),
		),
	})

	_, err := Resolve(cat, ParseRequest("tangle"))
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("err = %v, want ErrDependencyCycle", err)
	}

	var cerr *DependencyCycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %T, want *DependencyCycleError", err)
	}
	if len(cerr.Cycle) < 3 || cerr.Cycle[0] != cerr.Cycle[len(cerr.Cycle)-1] {
		t.Errorf("Cycle = %v, want closed a -> b -> a form", cerr.Cycle)
	}
}

func TestResolveMissingDependency(t *testing.T) {
	cat := merged(catalog.Entry{
		Subscription: "campus",
		App:          app("hello", "1.0.0", pkg("hello", "1.0.0", "nosuch")),
	})

	_, err := Resolve(cat, ParseRequest("hello"))
	if !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("err = %v, want ErrMissingDependency", err)
	}

	var merr *MissingDependencyError
	if !errors.As(err, &merr) {
		t.Fatalf("err = %T, want *MissingDependencyError", err)
	}
	if merr.Name != "nosuch" || merr.RequiredBy != "hello@1.0.0" {
		t.Errorf("error = %+v", merr)
	}
}

func TestResolveUnsatisfiableConstraint(t *testing.T) {
	cat := merged(catalog.Entry{
		Subscription: "campus",
		App:          app("hello", "1.0.0", pkg("hello", "1.0.0", "zlib@>=9.0.0")),
	}, catalog.Entry{
		Subscription: "campus",
		App:          app("libs", "1.0.0", pkg("zlib", "1.3.0")),
	})

	_, err := Resolve(cat, ParseRequest("hello"))
	var merr *MissingDependencyError
	if !errors.As(err, &merr) {
		t.Fatalf("err = %v, want *MissingDependencyError", err)
	}
	if merr.Name != "zlib" || merr.Constraint != ">=9.0.0" {
		t.Errorf("error = %+v", merr)
	}
}

func TestResolveAmbiguousApp(t *testing.T) {
	cat := merged(catalog.Entry{
		Subscription: "campus",
		App:          app("hello", "1.0.0", pkg("hello", "1.0.0")),
	}, catalog.Entry{
		Subscription: "club",
		App:          app("hello", "2.0.0", pkg("hello", "2.0.0")),
	})

	_, err := Resolve(cat, ParseRequest("hello"))
	if !errors.Is(err, ErrAmbiguousApp) {
		t.Fatalf("err = %v, want ErrAmbiguousApp", err)
	}
	var aerr *AmbiguousAppError
	if !errors.As(err, &aerr) || len(aerr.Candidates) != 2 {
		t.Fatalf("candidates = %v, want 2 qualified names", err)
	}

	// A subscription qualifier disambiguates.
	plan, err := Resolve(cat, ParseRequest("club/hello"))
	if err != nil {
		t.Fatalf("qualified Resolve failed: %v", err)
	}
	if plan.App.Version != "2.0.0" {
		t.Errorf("App.Version = %q, want 2.0.0", plan.App.Version)
	}
}

func TestResolveAppNotFound(t *testing.T) {
	cat := merged()
	_, err := Resolve(cat, ParseRequest("ghost"))
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("err = %v, want catalog.ErrNotFound", err)
	}
}

func TestResolvePrefersHighestVersion(t *testing.T) {
	cat := merged(catalog.Entry{
		Subscription: "campus",
		App:          app("hello", "1.0.0", pkg("hello", "1.0.0", "zlib@>=1.2.0")),
	}, catalog.Entry{
		Subscription: "campus",
		App: app("libs", "1.0.0",
			pkg("zlib", "1.2.0"),
			pkg("zlib", "1.3.0"),
			pkg("zlib", "1.1.0"),
		),
	})

	plan, err := Resolve(cat, ParseRequest("hello"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	for _, p := range plan.Packages {
		if p.Name == "zlib" && p.Version != "1.3.0" {
			t.Errorf("zlib = %s, want 1.3.0", p.Version)
		}
	}
}

func TestResolveSourceTieBreak(t *testing.T) {
	a := pkg("zlib", "1.3.0")
	a.Source = "https://a.example.org/zlib-1.3.0.tar.gz"
	b := pkg("zlib", "1.3.0")
	b.SHA256 = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	b.Source = "https://b.example.org/zlib-1.3.0.tar.gz"

	cat := merged(catalog.Entry{
		Subscription: "campus",
		App:          app("hello", "1.0.0", pkg("hello", "1.0.0", "zlib")),
	}, catalog.Entry{
		Subscription: "campus",
		App:          app("libs", "1.0.0", a, b),
	})

	plan, err := Resolve(cat, ParseRequest("hello"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	for _, p := range plan.Packages {
		if p.Name == "zlib" && p.Source != a.Source {
			t.Errorf("zlib source = %q, want %q", p.Source, a.Source)
		}
	}
}

func TestResolveVersionConflict(t *testing.T) {
	cat := merged(catalog.Entry{
		Subscription: "campus",
		App: app("hello", "1.0.0",
			pkg("hello", "1.0.0", "mid", "zlib@>=2.0.0"),
		),
	}, catalog.Entry{
		Subscription: "campus",
		App: app("libs", "1.0.0",
			pkg("mid", "1.0.0", "zlib@<2.0.0"),
			pkg("zlib", "1.0.0"),
			pkg("zlib", "2.0.0"),
		),
	})

	_, err := Resolve(cat, ParseRequest("hello"))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	var verr *VersionConflictError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %T, want *VersionConflictError", err)
	}
	if verr.Name != "zlib" {
		t.Errorf("Name = %q, want zlib", verr.Name)
	}
	if verr.First.RequiredBy == verr.Second.RequiredBy {
		t.Errorf("conflict edges name the same requirer: %+v", verr)
	}
}

func TestResolveDowngradesOnLateConstraint(t *testing.T) {
	// zlib is first selected at 2.0.0 through the unconstrained edge,
	// then re-selected at 1.0.0 once mid's constraint arrives.
	cat := merged(catalog.Entry{
		Subscription: "campus",
		App: app("hello", "1.0.0",
			pkg("hello", "1.0.0", "zlib", "mid"),
		),
	}, catalog.Entry{
		Subscription: "campus",
		App: app("libs", "1.0.0",
			pkg("mid", "1.0.0", "zlib@<2.0.0"),
			pkg("zlib", "1.0.0"),
			pkg("zlib", "2.0.0"),
		),
	})

	plan, err := Resolve(cat, ParseRequest("hello"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	for _, p := range plan.Packages {
		if p.Name == "zlib" && p.Version != "1.0.0" {
			t.Errorf("zlib = %s, want 1.0.0", p.Version)
		}
	}
}

func TestParseRequest(t *testing.T) {
	cases := []struct {
		in   string
		want Request
	}{
		{"hello", Request{Name: "hello"}},
		{"hello@1.0.0", Request{Name: "hello", Version: "1.0.0"}},
		{"campus/hello", Request{Subscription: "campus", Name: "hello"}},
		{"campus/hello@1.0.0", Request{Subscription: "campus", Name: "hello", Version: "1.0.0"}},
	}
	for _, tc := range cases {
		if got := ParseRequest(tc.in); got != tc.want {
			t.Errorf("ParseRequest(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}
