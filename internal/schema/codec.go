package schema

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/github/go-spdx/v2/spdxexp"
	"github.com/pelletier/go-toml/v2"
)

// DecodeArtifactory parses a manifest document, migrates it to the
// current handler versions, and validates it. Manifests are
// publisher-controlled input: invalid versions, licenses, or command
// paths are rejected here, before any other component sees them.
func DecodeArtifactory(data []byte) (*Artifactory, error) {
	var a Artifactory
	if err := toml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parsing artifactory: %w", err)
	}
	if err := MigrateArtifactory(&a); err != nil {
		return nil, err
	}
	if err := validateArtifactory(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// EncodeArtifactory serializes a manifest. Fields recognized at the
// current handler version round-trip losslessly through
// DecodeArtifactory.
func EncodeArtifactory(a *Artifactory) ([]byte, error) {
	return toml.Marshal(a)
}

// DecodeConfig parses persisted configuration and migrates it to the
// current handler version.
func DecodeConfig(data []byte) (*Config, error) {
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := MigrateConfig(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// EncodeConfig serializes configuration.
func EncodeConfig(c *Config) ([]byte, error) {
	return toml.Marshal(c)
}

func validateArtifactory(a *Artifactory) error {
	if a.Name == "" {
		return fmt.Errorf("artifactory has no name")
	}
	seen := make(map[string]bool)
	for i := range a.Apps {
		app := &a.Apps[i]
		if err := validateApp(a.Name, app); err != nil {
			return err
		}
		key := app.Name + "@" + app.Version
		if seen[key] {
			return fmt.Errorf("artifactory %s: duplicate app %s", a.Name, key)
		}
		seen[key] = true
	}
	return nil
}

func validateApp(artifactory string, app *App) error {
	if app.Name == "" {
		return fmt.Errorf("artifactory %s: app has no name", artifactory)
	}
	if _, err := semver.NewVersion(app.Version); err != nil {
		return fmt.Errorf("artifactory %s: app %s: invalid version %q: %w", artifactory, app.Name, app.Version, err)
	}
	if err := validateLicense(app.License); err != nil {
		return fmt.Errorf("artifactory %s: app %s: %w", artifactory, app.Name, err)
	}
	for _, cmd := range app.Commands {
		if cmd.Command == "" {
			return fmt.Errorf("artifactory %s: app %s: command has no name", artifactory, app.Name)
		}
		if !isLocalPath(cmd.Path) {
			return fmt.Errorf("artifactory %s: app %s: command %s path %q escapes the package root",
				artifactory, app.Name, cmd.Command, cmd.Path)
		}
	}
	for i := range app.Packages {
		if err := validatePackage(artifactory, app.Name, &app.Packages[i]); err != nil {
			return err
		}
	}
	return nil
}

func validatePackage(artifactory, app string, p *Package) error {
	if p.Name == "" {
		return fmt.Errorf("artifactory %s: app %s: package has no name", artifactory, app)
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return fmt.Errorf("artifactory %s: package %s: invalid version %q: %w", artifactory, p.Name, p.Version, err)
	}
	if len(p.SHA256) != 64 || !isHex(p.SHA256) {
		return fmt.Errorf("artifactory %s: package %s: sha256 must be 64 hex characters, got %q", artifactory, p.Name, p.SHA256)
	}
	if err := validateLicense(p.License); err != nil {
		return fmt.Errorf("artifactory %s: package %s: %w", artifactory, p.Name, err)
	}
	for _, dep := range p.Dependencies {
		name, constraint := ParseDependency(dep)
		if name == "" {
			return fmt.Errorf("artifactory %s: package %s: empty dependency reference", artifactory, p.Name)
		}
		if constraint != "" {
			if _, err := semver.NewConstraint(constraint); err != nil {
				return fmt.Errorf("artifactory %s: package %s: dependency %q: invalid constraint: %w",
					artifactory, p.Name, dep, err)
			}
		}
	}
	return nil
}

func validateLicense(license string) error {
	if license == "" {
		return nil
	}
	valid, bad := spdxexp.ValidateLicenses([]string{license})
	if !valid {
		return fmt.Errorf("invalid SPDX license expression %q", strings.Join(bad, ", "))
	}
	return nil
}

// isLocalPath reports whether a command path stays inside the package
// extraction root once cleaned.
func isLocalPath(p string) bool {
	if p == "" || filepath.IsAbs(p) {
		return false
	}
	return filepath.IsLocal(p)
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
