package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/airone01/diem/internal/schema"
)

var (
	// ErrDuplicateName is returned when a subscription or provider
	// name is already taken.
	ErrDuplicateName = errors.New("name already in use")

	// ErrNotFound is returned when a subscription, provider, app, or
	// package cannot be found.
	ErrNotFound = errors.New("not found")
)

// DuplicateNameError reports a name collision among subscriptions or
// providers. Collisions must be resolved by the caller, e.g. by
// renaming.
type DuplicateNameError struct {
	Kind string
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Name)
}

func (e *DuplicateNameError) Unwrap() error {
	return ErrDuplicateName
}

// NotFoundError names the entity that could not be found.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Manager maintains the ordered subscription and provider sets inside
// the persisted configuration and produces merged catalogs.
type Manager struct {
	cfg   *schema.Config
	store *Store
}

// NewManager creates a subscription manager operating on cfg.
func NewManager(cfg *schema.Config, store *Store) *Manager {
	return &Manager{cfg: cfg, store: store}
}

// Subscribe fetches and validates the manifest at source, then appends
// a subscription entry under the given name. The manifest's handler
// version is recorded with the entry.
func (m *Manager) Subscribe(ctx context.Context, name, source string) error {
	for _, sub := range m.cfg.Subscriptions {
		if sub.Name == name {
			return &DuplicateNameError{Kind: "subscription", Name: name}
		}
	}

	a, err := m.store.Load(ctx, source)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", source, err)
	}

	m.cfg.Subscriptions = append(m.cfg.Subscriptions, schema.Subscription{
		Name:           name,
		Source:         source,
		HandlerVersion: a.HandlerVersion,
	})
	return nil
}

// Unsubscribe removes the named subscription. Packages installed
// through it are not uninstalled; the sync engine reconciles them on
// the next pass.
func (m *Manager) Unsubscribe(name string) error {
	for i, sub := range m.cfg.Subscriptions {
		if sub.Name == name {
			m.cfg.Subscriptions = append(m.cfg.Subscriptions[:i], m.cfg.Subscriptions[i+1:]...)
			m.store.Invalidate(sub.Source)
			return nil
		}
	}
	return &NotFoundError{Kind: "subscription", Name: name}
}

// Subscriptions returns the ordered subscription list as stored.
func (m *Manager) Subscriptions() []schema.Subscription {
	out := make([]schema.Subscription, len(m.cfg.Subscriptions))
	copy(out, m.cfg.Subscriptions)
	return out
}

// AddProvider registers a named remote artifactory host.
func (m *Manager) AddProvider(ctx context.Context, name, source string) error {
	for _, p := range m.cfg.Providers {
		if p.Name == name {
			return &DuplicateNameError{Kind: "provider", Name: name}
		}
	}

	if _, err := m.store.Load(ctx, source); err != nil {
		return fmt.Errorf("adding provider %s: %w", name, err)
	}

	m.cfg.Providers = append(m.cfg.Providers, schema.Provider{
		Name:           name,
		Source:         source,
		HandlerVersion: schema.ProviderVersion,
	})
	return nil
}

// RemoveProvider removes the named provider.
func (m *Manager) RemoveProvider(name string) error {
	for i, p := range m.cfg.Providers {
		if p.Name == name {
			m.cfg.Providers = append(m.cfg.Providers[:i], m.cfg.Providers[i+1:]...)
			m.store.Invalidate(p.Source)
			return nil
		}
	}
	return &NotFoundError{Kind: "provider", Name: name}
}

// Providers returns the ordered provider list as stored.
func (m *Manager) Providers() []schema.Provider {
	out := make([]schema.Provider, len(m.cfg.Providers))
	copy(out, m.cfg.Providers)
	return out
}

// Entry is one app tagged with the subscription or provider it came
// from.
type Entry struct {
	Subscription string
	App          schema.App
}

// Merged is the union of all subscribed app catalogs. Same-name apps
// from different subscriptions are kept side by side; the resolver
// decides collisions explicitly per lookup.
type Merged struct {
	Entries []Entry
}

// MergedCatalog loads every subscribed and provider-hosted artifactory
// and merges their apps. Sources that fail to load are reported in the
// returned error but do not prevent the rest of the catalog from being
// built; the caller decides whether partial catalogs are acceptable.
func (m *Manager) MergedCatalog(ctx context.Context) (*Merged, error) {
	merged := &Merged{}
	var errs []error

	add := func(name, source string) {
		a, err := m.store.Load(ctx, source)
		if err != nil {
			errs = append(errs, fmt.Errorf("loading %s (%s): %w", name, source, err))
			return
		}
		for _, app := range a.Apps {
			merged.Entries = append(merged.Entries, Entry{Subscription: name, App: app})
		}
	}

	for _, sub := range m.cfg.Subscriptions {
		add(sub.Name, sub.Source)
	}
	for _, p := range m.cfg.Providers {
		add(p.Name, p.Source)
	}

	return merged, errors.Join(errs...)
}

// Lookup returns every entry whose app name matches.
func (c *Merged) Lookup(name string) []Entry {
	var out []Entry
	for _, e := range c.Entries {
		if e.App.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// PackageIndex collects every package declared anywhere in the merged
// catalog, keyed by package name. Packages are shared by reference and
// deduplicated by (name, version, hash).
func (c *Merged) PackageIndex() map[string][]schema.Package {
	index := make(map[string][]schema.Package)
	seen := make(map[string]bool)
	for _, e := range c.Entries {
		for _, pkg := range e.App.Packages {
			key := pkg.Name + "@" + pkg.Version + "+" + pkg.SHA256
			if seen[key] {
				continue
			}
			seen[key] = true
			index[pkg.Name] = append(index[pkg.Name], pkg)
		}
	}
	return index
}
