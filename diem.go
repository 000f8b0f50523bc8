// Package diem is a decentralized package manager client for shared,
// quota-limited environments. Publishers describe their apps in TOML
// "artifactory" manifests; the client subscribes to manifests, resolves
// an app to a dependency-complete plan, fetches and sha256-verifies the
// package archives, extracts them into a managed tree, and publishes
// the app's commands as symlinks on the user's PATH.
//
// Basic usage:
//
//	client, err := diem.Open()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx := context.Background()
//	if err := client.Subscribe(ctx, "campus", "pkg:github/acme/pkgs"); err != nil {
//		log.Fatal(err)
//	}
//
//	plan, err := client.Install(ctx, "hello")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println("installed", plan.App.Name, plan.App.Version)
//
// Manifest sources are local paths, http(s) URLs, or pkg:github purls.
package diem

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/airone01/diem/fetch"
	"github.com/airone01/diem/internal/catalog"
	"github.com/airone01/diem/internal/config"
	"github.com/airone01/diem/internal/install"
	"github.com/airone01/diem/internal/provider"
	"github.com/airone01/diem/internal/resolve"
	"github.com/airone01/diem/internal/schema"
	"github.com/airone01/diem/internal/syncer"
)

// Re-export entity types from internal/schema
type (
	// Config is the persisted client state.
	Config = schema.Config

	// Artifactory is a publisher's manifest.
	Artifactory = schema.Artifactory

	// App is a named, versioned capability backed by packages.
	App = schema.App

	// Package is a content-addressed archive implementing (part of) an app.
	Package = schema.Package

	// Command maps a command name to a path inside a package.
	Command = schema.Command

	// Subscription references a tracked artifactory source.
	Subscription = schema.Subscription

	// Provider is a named remote artifactory host.
	Provider = schema.Provider

	// InstalledRecord describes one extracted package.
	InstalledRecord = schema.InstalledRecord
)

// Re-export resolution and catalog types
type (
	// Request identifies an app to resolve, with optional subscription
	// and version qualifiers.
	Request = resolve.Request

	// Plan is a dependency-first installation plan.
	Plan = resolve.Plan

	// Merged is the union of all subscribed catalogs.
	Merged = catalog.Merged

	// Entry is one app tagged with its owning subscription.
	Entry = catalog.Entry
)

// Re-export sentinel errors
var (
	ErrUnsupportedSchema = schema.ErrUnsupportedSchema
	ErrDuplicateName     = catalog.ErrDuplicateName
	ErrNotFound          = catalog.ErrNotFound
	ErrAmbiguousApp      = resolve.ErrAmbiguousApp
	ErrDependencyCycle   = resolve.ErrDependencyCycle
	ErrMissingDependency = resolve.ErrMissingDependency
	ErrVersionConflict   = resolve.ErrVersionConflict
	ErrIntegrity         = fetch.ErrIntegrity
	ErrFetchTimeout      = fetch.ErrFetchTimeout
	ErrExtraction        = install.ErrExtraction
	ErrPathTraversal     = install.ErrPathTraversal
	ErrCommandConflict   = install.ErrCommandConflict
)

// Error types
type (
	UnsupportedSchemaError = schema.UnsupportedSchemaError
	DuplicateNameError     = catalog.DuplicateNameError
	NotFoundError          = catalog.NotFoundError
	AmbiguousAppError      = resolve.AmbiguousAppError
	DependencyCycleError   = resolve.DependencyCycleError
	MissingDependencyError = resolve.MissingDependencyError
	VersionConflictError   = resolve.VersionConflictError
	IntegrityError         = fetch.IntegrityError
	FetchTimeoutError      = fetch.FetchTimeoutError
	ExtractionError        = install.ExtractionError
	PathTraversalError     = install.PathTraversalError
	CommandConflictError   = install.CommandConflictError
)

// ParseRequest parses "name", "name@version", "sub/name", or
// "sub/name@version".
func ParseRequest(s string) Request {
	return resolve.ParseRequest(s)
}

// ParseDependency splits a dependency reference like "zlib@>=1.2.0"
// into its package name and optional version constraint.
func ParseDependency(ref string) (name, constraint string) {
	return schema.ParseDependency(ref)
}

// DefaultConfigPath returns the per-user configuration file location.
func DefaultConfigPath() (string, error) {
	return config.DefaultPath()
}

// Client bundles the full stack around one loaded configuration:
// subscription management, resolution, fetching, installation, and
// synchronization.
type Client struct {
	cfg     *schema.Config
	path    string
	manager *catalog.Manager
	engine  *syncer.Engine
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	path   string
	log    zerolog.Logger
	getter fetch.Getter
}

// WithConfigPath overrides the configuration file location.
func WithConfigPath(path string) Option {
	return func(o *clientOptions) {
		o.path = path
	}
}

// WithLogger sets the client's logger. The default discards.
func WithLogger(log zerolog.Logger) Option {
	return func(o *clientOptions) {
		o.log = log
	}
}

// WithGetter overrides the HTTP fetch layer.
func WithGetter(g fetch.Getter) Option {
	return func(o *clientOptions) {
		o.getter = g
	}
}

// Open loads (or defaults) the configuration, ensures its directories
// exist, and wires the stack together.
func Open(opts ...Option) (*Client, error) {
	o := &clientOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}

	if o.path == "" {
		path, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		o.path = path
	}

	cfg, err := config.Load(o.path)
	if err != nil {
		return nil, err
	}
	if err := config.EnsureDirs(cfg); err != nil {
		return nil, err
	}

	if o.getter == nil {
		o.getter = fetch.NewCircuitBreakerFetcher(fetch.NewFetcher())
	}

	ttl := 5 * time.Minute
	if cfg.CatalogTTLSeconds > 0 {
		ttl = time.Duration(cfg.CatalogTTLSeconds) * time.Second
	}
	store := catalog.NewStore(o.getter, catalog.WithTTL(ttl))
	manager := catalog.NewManager(cfg, store)

	planOpts := []fetch.PlanOption{}
	if cfg.FetchWorkers > 0 {
		planOpts = append(planOpts, fetch.WithWorkers(cfg.FetchWorkers))
	}
	if cfg.FetchTimeoutSeconds > 0 {
		planOpts = append(planOpts, fetch.WithFetchTimeout(time.Duration(cfg.FetchTimeoutSeconds)*time.Second))
	}
	fetcher := fetch.NewPlanFetcher(provider.ReadSource(o.getter), planOpts...)

	installer := install.New(cfg.InstallDir, cfg.BinDir, install.WithLogger(o.log))

	persist := func(c *schema.Config) error {
		return config.Save(o.path, c)
	}
	engine := syncer.New(manager, fetcher, installer, cfg, persist, syncer.WithLogger(o.log))

	return &Client{
		cfg:     cfg,
		path:    o.path,
		manager: manager,
		engine:  engine,
		log:     o.log,
	}, nil
}

// Config returns the loaded configuration.
func (c *Client) Config() *Config {
	return c.cfg
}

// Save persists the configuration to its file.
func (c *Client) Save() error {
	return config.Save(c.path, c.cfg)
}

// Subscribe adds a named artifactory subscription after validating its
// manifest.
func (c *Client) Subscribe(ctx context.Context, name, source string) error {
	if err := c.manager.Subscribe(ctx, name, source); err != nil {
		return err
	}
	return c.Save()
}

// Unsubscribe removes a subscription. Installed apps are untouched;
// the next Sync flags them orphaned.
func (c *Client) Unsubscribe(name string) error {
	if err := c.manager.Unsubscribe(name); err != nil {
		return err
	}
	return c.Save()
}

// Subscriptions returns the ordered subscription list.
func (c *Client) Subscriptions() []Subscription {
	return c.manager.Subscriptions()
}

// AddProvider registers a named remote artifactory host.
func (c *Client) AddProvider(ctx context.Context, name, source string) error {
	if err := c.manager.AddProvider(ctx, name, source); err != nil {
		return err
	}
	return c.Save()
}

// RemoveProvider removes a named provider.
func (c *Client) RemoveProvider(name string) error {
	if err := c.manager.RemoveProvider(name); err != nil {
		return err
	}
	return c.Save()
}

// Providers returns the ordered provider list.
func (c *Client) Providers() []Provider {
	return c.manager.Providers()
}

// Catalog loads and merges every subscribed artifactory.
func (c *Client) Catalog(ctx context.Context) (*Merged, error) {
	return c.manager.MergedCatalog(ctx)
}

// Search returns every catalog entry whose app name contains the
// query, case-insensitively. A partial catalog still yields the
// matches from the sources that loaded; the load error is returned
// alongside them.
func (c *Client) Search(ctx context.Context, query string) ([]Entry, error) {
	merged, err := c.manager.MergedCatalog(ctx)
	if merged == nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []Entry
	for _, e := range merged.Entries {
		if strings.Contains(strings.ToLower(e.App.Name), q) {
			out = append(out, e)
		}
	}
	return out, err
}

// Install resolves and installs an app. The request may carry a
// subscription qualifier ("campus/hello") and a version ("hello@1.0.0").
func (c *Client) Install(ctx context.Context, request string) (*Plan, error) {
	return c.engine.InstallApp(ctx, ParseRequest(request))
}

// Remove uninstalls an app: command links, package trees not shared
// with other apps, and records.
func (c *Client) Remove(request string) error {
	return c.engine.RemoveApp(ParseRequest(request))
}

// Sync reconciles every installed app with the current catalogs.
func (c *Client) Sync(ctx context.Context) error {
	return c.engine.Sync(ctx)
}

// Installed returns a copy of the installed-record list.
func (c *Client) Installed() []InstalledRecord {
	return c.engine.Records()
}
