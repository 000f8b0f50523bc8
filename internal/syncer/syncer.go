// Package syncer reconciles installed apps with the current merged
// catalog: installing requested apps, upgrading changed ones with an
// install-then-retire handover, and flagging apps whose catalog entry
// went away as orphaned rather than removing them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/airone01/diem/fetch"
	"github.com/airone01/diem/internal/catalog"
	"github.com/airone01/diem/internal/install"
	"github.com/airone01/diem/internal/resolve"
	"github.com/airone01/diem/internal/schema"
)

// AppError wraps a failure reconciling one app. Sync collects one per
// failed app and keeps going.
type AppError struct {
	App          string
	Subscription string
	Err          error
}

func (e *AppError) Error() string {
	if e.Subscription != "" {
		return fmt.Sprintf("syncing %s/%s: %v", e.Subscription, e.App, e.Err)
	}
	return fmt.Sprintf("syncing %s: %v", e.App, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Engine drives installation and synchronization. All mutation of the
// installed-record list goes through the engine's single writer lock;
// the persist callback is invoked after every committed change so a
// cancelled run leaves the configuration at the last complete package.
type Engine struct {
	manager   *catalog.Manager
	fetcher   *fetch.PlanFetcher
	installer *install.Installer
	cfg       *schema.Config
	persist   func(*schema.Config) error
	log       zerolog.Logger

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// New creates a sync engine operating on cfg. persist is called after
// every committed mutation.
func New(manager *catalog.Manager, fetcher *fetch.PlanFetcher, installer *install.Installer,
	cfg *schema.Config, persist func(*schema.Config) error, opts ...Option) *Engine {
	e := &Engine{
		manager:   manager,
		fetcher:   fetcher,
		installer: installer,
		cfg:       cfg,
		persist:   persist,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InstallApp resolves the requested app and installs its plan. Already
// installed packages are reused, not re-fetched.
func (e *Engine) InstallApp(ctx context.Context, req resolve.Request) (*resolve.Plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	merged, err := e.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}

	plan, err := resolve.Resolve(merged, req)
	if err != nil {
		return nil, err
	}
	if err := e.apply(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// RemoveApp removes an installed app: its command links, its package
// trees (unless shared with another app), and its records.
func (e *Engine) RemoveApp(req resolve.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var matches []schema.InstalledRecord
	subs := map[string]bool{}
	for _, rec := range e.cfg.Packages {
		if rec.App != req.Name {
			continue
		}
		if req.Subscription != "" && rec.Subscription != req.Subscription {
			continue
		}
		matches = append(matches, rec)
		subs[rec.Subscription] = true
	}

	if len(matches) == 0 {
		return &catalog.NotFoundError{Kind: "app", Name: req.String()}
	}
	if len(subs) > 1 {
		candidates := make([]string, 0, len(subs))
		for s := range subs {
			candidates = append(candidates, s+"/"+req.Name)
		}
		slices.Sort(candidates)
		return &resolve.AmbiguousAppError{Name: req.Name, Candidates: candidates}
	}

	var errs []error
	for _, rec := range matches {
		if err := e.retire(rec); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.persist(e.cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sync re-resolves every installed app against the fresh catalog.
// Unchanged apps are untouched; changed ones are upgraded with the new
// version installed before the old one is retired; apps that no longer
// resolve are flagged orphaned. Per-app failures are collected and
// returned together. A second run against an unchanged catalog makes
// no mutations.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	merged, err := e.loadCatalog(ctx)
	if err != nil {
		return err
	}

	type group struct {
		app  string
		sub  string
		recs []schema.InstalledRecord
	}
	var groups []*group
	byKey := map[string]*group{}
	for _, rec := range e.cfg.Packages {
		key := rec.Subscription + "/" + rec.App
		g, ok := byKey[key]
		if !ok {
			g = &group{app: rec.App, sub: rec.Subscription}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.recs = append(g.recs, rec)
	}

	for _, g := range groups {
		plan, rerr := resolve.Resolve(merged, resolve.Request{Subscription: g.sub, Name: g.app})
		if rerr != nil {
			if e.setOrphaned(g.app, g.sub, true) {
				if perr := e.persist(e.cfg); perr != nil {
					errs = append(errs, perr)
				}
			}
			errs = append(errs, &AppError{App: g.app, Subscription: g.sub, Err: rerr})
			e.log.Warn().Str("app", g.app).Str("subscription", g.sub).Err(rerr).Msg("app orphaned")
			continue
		}

		if e.setOrphaned(g.app, g.sub, false) {
			if perr := e.persist(e.cfg); perr != nil {
				errs = append(errs, perr)
			}
		}

		// Install the new set before retiring anything, so an upgrade
		// failure leaves the old version usable.
		if aerr := e.apply(ctx, plan); aerr != nil {
			errs = append(errs, &AppError{App: g.app, Subscription: g.sub, Err: aerr})
			continue
		}

		desired := map[string]bool{}
		for _, pkg := range plan.Packages {
			desired[identity(pkg.Name, pkg.Version, pkg.SHA256)] = true
		}
		for _, rec := range g.recs {
			if desired[identity(rec.Name, rec.Version, rec.SHA256)] {
				continue
			}
			if err := e.retire(rec); err != nil {
				errs = append(errs, &AppError{App: g.app, Subscription: g.sub, Err: err})
				continue
			}
			if perr := e.persist(e.cfg); perr != nil {
				errs = append(errs, perr)
			}
		}
	}

	return errors.Join(errs...)
}

// Records returns a copy of the installed-record list.
func (e *Engine) Records() []schema.InstalledRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]schema.InstalledRecord, len(e.cfg.Packages))
	copy(out, e.cfg.Packages)
	return out
}

func (e *Engine) loadCatalog(ctx context.Context) (*catalog.Merged, error) {
	merged, err := e.manager.MergedCatalog(ctx)
	if err != nil {
		if len(merged.Entries) == 0 {
			return nil, err
		}
		// Partial catalogs are workable; resolution surfaces anything
		// that actually depended on the missing sources.
		e.log.Warn().Err(err).Msg("catalog partially loaded")
	}
	return merged, nil
}

// apply installs every plan package not yet present and publishes the
// app's commands. Each committed package persists before the next one
// starts.
func (e *Engine) apply(ctx context.Context, plan *resolve.Plan) error {
	var missing []schema.Package
	for _, pkg := range plan.Packages {
		idx := e.findRecord(pkg.Name, pkg.Version, pkg.SHA256, plan.App.Name, plan.Subscription)
		if idx >= 0 {
			continue
		}
		// A package already installed for another app is adopted by
		// reference, not re-fetched.
		if shared := e.findRecordAnyApp(pkg.Name, pkg.Version, pkg.SHA256); shared >= 0 {
			adopted := e.cfg.Packages[shared]
			adopted.App = plan.App.Name
			adopted.Subscription = plan.Subscription
			adopted.Commands = nil
			adopted.Orphaned = false
			e.cfg.Packages = append(e.cfg.Packages, adopted)
			if err := e.persist(e.cfg); err != nil {
				return err
			}
			continue
		}
		missing = append(missing, pkg)
	}

	if len(missing) > 0 {
		verified, err := e.fetcher.FetchPlan(ctx, missing)
		if err != nil {
			return err
		}
		for _, v := range verified {
			rec, err := e.installer.Install(v, plan.App.Name, plan.Subscription)
			if err != nil {
				return err
			}
			e.cfg.Packages = append(e.cfg.Packages, rec)
			if err := e.persist(e.cfg); err != nil {
				return err
			}
		}
	}

	return e.publishCommands(plan)
}

// publishCommands links the app's commands from its owning package:
// the plan package named like the app, or failing that the last one in
// plan order.
func (e *Engine) publishCommands(plan *resolve.Plan) error {
	if len(plan.App.Commands) == 0 || len(plan.Packages) == 0 {
		return nil
	}

	owner := plan.Packages[len(plan.Packages)-1]
	for _, pkg := range plan.Packages {
		if pkg.Name == plan.App.Name {
			owner = pkg
			break
		}
	}

	idx := e.findRecord(owner.Name, owner.Version, owner.SHA256, plan.App.Name, plan.Subscription)
	if idx < 0 {
		return &catalog.NotFoundError{Kind: "package record", Name: owner.ID()}
	}

	before := slices.Clone(e.cfg.Packages[idx].Commands)
	if err := e.installer.PublishCommands(&e.cfg.Packages[idx], plan.App.Commands); err != nil {
		return err
	}
	if slices.Equal(before, e.cfg.Packages[idx].Commands) {
		return nil
	}
	return e.persist(e.cfg)
}

// retire removes a record and, when no other record shares its tree,
// its installed files.
func (e *Engine) retire(rec schema.InstalledRecord) error {
	shared := false
	for _, other := range e.cfg.Packages {
		if other.InstallPath == rec.InstallPath && (other.App != rec.App || other.Subscription != rec.Subscription) {
			shared = true
			break
		}
	}
	if !shared {
		if err := e.installer.Remove(rec); err != nil {
			return err
		}
	}
	e.dropRecord(rec)
	return nil
}

func (e *Engine) setOrphaned(app, sub string, orphaned bool) bool {
	changed := false
	for i := range e.cfg.Packages {
		rec := &e.cfg.Packages[i]
		if rec.App == app && rec.Subscription == sub && rec.Orphaned != orphaned {
			rec.Orphaned = orphaned
			changed = true
		}
	}
	return changed
}

func (e *Engine) findRecord(name, version, sha, app, sub string) int {
	for i, rec := range e.cfg.Packages {
		if rec.Name == name && rec.Version == version && rec.SHA256 == sha &&
			rec.App == app && rec.Subscription == sub {
			return i
		}
	}
	return -1
}

func (e *Engine) findRecordAnyApp(name, version, sha string) int {
	for i, rec := range e.cfg.Packages {
		if rec.Name == name && rec.Version == version && rec.SHA256 == sha {
			return i
		}
	}
	return -1
}

func (e *Engine) dropRecord(rec schema.InstalledRecord) {
	for i, other := range e.cfg.Packages {
		if other.Name == rec.Name && other.Version == rec.Version && other.SHA256 == rec.SHA256 &&
			other.App == rec.App && other.Subscription == rec.Subscription {
			e.cfg.Packages = append(e.cfg.Packages[:i], e.cfg.Packages[i+1:]...)
			return
		}
	}
}

func identity(name, version, sha string) string {
	return name + "@" + version + "+" + sha
}
