// Package schema defines the persisted entities shared by every diem
// component: the client configuration, artifactory manifests, and the
// records describing installed packages. Every entity carries an
// explicit handler version; loads go through this package so that the
// rest of the system only ever observes the current in-memory shape.
package schema

import (
	"strings"
	"time"
)

// Current handler versions. Documents carrying a higher version than
// these fail to load; lower versions are migrated in memory.
const (
	ConfigVersion      = 1
	ArtifactoryVersion = 1
	AppVersion         = 1
	PackageVersion     = 1
	ProviderVersion    = 1
)

// Artifactory is a publisher's manifest: a named, versioned document
// listing the apps the publisher offers. It is immutable once fetched
// and re-fetched wholesale on sync.
type Artifactory struct {
	Name           string `toml:"name"`
	Description    string `toml:"description,omitempty"`
	Public         bool   `toml:"public"`
	Maintainer     string `toml:"maintainer,omitempty"`
	Apps           []App  `toml:"apps,omitempty"`
	HandlerVersion int    `toml:"artifactory_handler_version"`
}

// App is a named, versioned capability exposed to users, backed by one
// or more candidate packages. (Name, Version) is unique within one
// artifactory but not across artifactories.
type App struct {
	Name           string    `toml:"name"`
	Version        string    `toml:"version"`
	License        string    `toml:"license,omitempty"`
	Description    string    `toml:"description,omitempty"`
	Commands       []Command `toml:"commands,omitempty"`
	Packages       []Package `toml:"packages,omitempty"`
	HandlerVersion int       `toml:"app_handler_version"`
}

// Package is a concrete, content-addressed unit implementing (part of)
// an app. The sha256 digest is its authoritative identity: two
// packages with the same digest are interchangeable regardless of
// declared source.
type Package struct {
	Name           string   `toml:"name"`
	Version        string   `toml:"version"`
	SHA256         string   `toml:"sha256"`
	License        string   `toml:"license,omitempty"`
	Source         string   `toml:"source,omitempty"`
	Dependencies   []string `toml:"dependencies,omitempty"`
	HandlerVersion int      `toml:"package_handler_version"`
}

// Command maps a logical command name to a path relative to the
// package's extraction root.
type Command struct {
	Command string `toml:"command"`
	Path    string `toml:"path"`
}

// Subscription references an artifactory source the client tracks.
// HandlerVersion records the artifactory handler version observed when
// the subscription was created.
type Subscription struct {
	Name           string `toml:"name"`
	Source         string `toml:"source"`
	HandlerVersion int    `toml:"artifactory_handler_version"`
}

// Provider is a named remote source hosting an artifactory, such as a
// GitHub repository given as a pkg:github purl or a raw URL.
type Provider struct {
	Name           string `toml:"name"`
	Source         string `toml:"source"`
	HandlerVersion int    `toml:"provider_handler_version"`
}

// InstalledRecord describes one extracted package. Records are created
// by the installer on successful extraction and removed by the sync
// engine or explicit removal, never by any other component.
type InstalledRecord struct {
	Name         string    `toml:"name"`
	Version      string    `toml:"version"`
	SHA256       string    `toml:"sha256"`
	App          string    `toml:"app"`
	Subscription string    `toml:"subscription,omitempty"`
	InstallPath  string    `toml:"install_path"`
	Commands     []string  `toml:"commands,omitempty"`
	InstalledAt  time.Time `toml:"installed_at"`
	Orphaned     bool      `toml:"orphaned,omitempty"`
}

// Config is the process-wide persisted state. It is loaded once at
// start, mutated by the subscription manager, installer, and sync
// engine, and persisted atomically on successful mutating operations.
type Config struct {
	Packages             []InstalledRecord `toml:"packages,omitempty"`
	Providers            []Provider        `toml:"providers,omitempty"`
	InstallDir           string            `toml:"install_dir"`
	SgoinfreDir          string            `toml:"sgoinfre_dir,omitempty"`
	GoinfreDir           string            `toml:"goinfre_dir,omitempty"`
	SharedArtifactoryDir string            `toml:"shared_artifactory_dir,omitempty"`
	BinDir               string            `toml:"bin_dir,omitempty"`
	Subscriptions        []Subscription    `toml:"subscribed_artifactories,omitempty"`
	FetchWorkers         int               `toml:"fetch_workers,omitempty"`
	FetchTimeoutSeconds  int               `toml:"fetch_timeout_seconds,omitempty"`
	CatalogTTLSeconds    int               `toml:"catalog_ttl_seconds,omitempty"`
	HandlerVersion       int               `toml:"config_handler_version"`
}

// ParseDependency splits a dependency reference into its package name
// and optional version constraint. Both "zlib" and "zlib@>=1.2.0" are
// valid; a bare name means any version, highest preferred. The raw
// string is stored verbatim in manifests and split only at resolution
// time so references round-trip exactly.
func ParseDependency(ref string) (name, constraint string) {
	if i := strings.IndexByte(ref, '@'); i >= 0 {
		return strings.TrimSpace(ref[:i]), strings.TrimSpace(ref[i+1:])
	}
	return strings.TrimSpace(ref), ""
}

// ID returns the package's human-readable identity.
func (p Package) ID() string {
	return p.Name + "@" + p.Version
}

// ID returns the record's package identity.
func (r InstalledRecord) ID() string {
	return r.Name + "@" + r.Version
}
