package schema

import (
	"errors"
	"fmt"
)

// ErrUnsupportedSchema is returned when a document carries a handler
// version newer than this build understands.
var ErrUnsupportedSchema = errors.New("unsupported schema version")

// UnsupportedSchemaError names the entity and version that could not
// be loaded.
type UnsupportedSchemaError struct {
	Entity    string
	Version   int
	Supported int
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("%s handler version %d is newer than supported version %d",
		e.Entity, e.Version, e.Supported)
}

func (e *UnsupportedSchemaError) Unwrap() error {
	return ErrUnsupportedSchema
}

// Migrations are pure in-memory upgrade functions chained in sequence:
// index i upgrades a document from version i to i+1. A document at the
// current version passes through untouched.

var configMigrations = []func(*Config){
	// v0 predates the tiered directory knobs and fetch tuning fields.
	// Zero values are filled with defaults at load time by the config
	// package; the migration only has to account for the bin directory
	// moving out of install_dir.
	func(c *Config) {
		if c.BinDir == "" && c.InstallDir != "" {
			c.BinDir = c.InstallDir + "/bin"
		}
	},
}

var artifactoryMigrations = []func(*Artifactory){
	// v0 manifests are shape-identical to v1; only the tag advances.
	func(a *Artifactory) {},
}

var appMigrations = []func(*App){
	func(a *App) {},
}

var packageMigrations = []func(*Package){
	func(p *Package) {},
}

// MigrateConfig brings a loaded config to the current handler version.
func MigrateConfig(c *Config) error {
	if c.HandlerVersion > ConfigVersion {
		return &UnsupportedSchemaError{Entity: "config", Version: c.HandlerVersion, Supported: ConfigVersion}
	}
	for v := c.HandlerVersion; v < ConfigVersion; v++ {
		configMigrations[v](c)
	}
	c.HandlerVersion = ConfigVersion
	return nil
}

// MigrateArtifactory brings a manifest and everything it owns to the
// current handler versions.
func MigrateArtifactory(a *Artifactory) error {
	if a.HandlerVersion > ArtifactoryVersion {
		return &UnsupportedSchemaError{Entity: "artifactory " + a.Name, Version: a.HandlerVersion, Supported: ArtifactoryVersion}
	}
	for v := a.HandlerVersion; v < ArtifactoryVersion; v++ {
		artifactoryMigrations[v](a)
	}
	a.HandlerVersion = ArtifactoryVersion

	for i := range a.Apps {
		if err := migrateApp(&a.Apps[i]); err != nil {
			return err
		}
	}
	return nil
}

func migrateApp(a *App) error {
	if a.HandlerVersion > AppVersion {
		return &UnsupportedSchemaError{Entity: "app " + a.Name, Version: a.HandlerVersion, Supported: AppVersion}
	}
	for v := a.HandlerVersion; v < AppVersion; v++ {
		appMigrations[v](a)
	}
	a.HandlerVersion = AppVersion

	for i := range a.Packages {
		if err := migratePackage(&a.Packages[i]); err != nil {
			return err
		}
	}
	return nil
}

func migratePackage(p *Package) error {
	if p.HandlerVersion > PackageVersion {
		return &UnsupportedSchemaError{Entity: "package " + p.Name, Version: p.HandlerVersion, Supported: PackageVersion}
	}
	for v := p.HandlerVersion; v < PackageVersion; v++ {
		packageMigrations[v](p)
	}
	p.HandlerVersion = PackageVersion
	return nil
}
