package schema

import (
	"errors"
	"strings"
	"testing"
)

const helloManifest = `name = "campus"
description = "Campus shared artifactory"
public = true
maintainer = "staff@example.org"
artifactory_handler_version = 1

[[apps]]
name = "hello"
version = "1.0.0"
license = "MIT"
description = "Prints a greeting"
app_handler_version = 1

[[apps.commands]]
command = "hello"
path = "bin/hello"

[[apps.packages]]
name = "hello"
version = "1.0.0"
sha256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
license = "MIT"
source = "https://pkgs.example.org/hello-1.0.0.tar.gz"
dependencies = ["libgreet", "zlib@>=1.2.0"]
package_handler_version = 1
`

func TestDecodeArtifactory(t *testing.T) {
	a, err := DecodeArtifactory([]byte(helloManifest))
	if err != nil {
		t.Fatalf("DecodeArtifactory failed: %v", err)
	}

	if a.Name != "campus" {
		t.Errorf("Name = %q, want %q", a.Name, "campus")
	}
	if !a.Public {
		t.Error("Public = false, want true")
	}
	if len(a.Apps) != 1 {
		t.Fatalf("len(Apps) = %d, want 1", len(a.Apps))
	}

	app := a.Apps[0]
	if app.Name != "hello" || app.Version != "1.0.0" {
		t.Errorf("app = %s@%s, want hello@1.0.0", app.Name, app.Version)
	}
	if len(app.Commands) != 1 || app.Commands[0].Path != "bin/hello" {
		t.Errorf("commands = %+v, want one entry at bin/hello", app.Commands)
	}
	if len(app.Packages) != 1 {
		t.Fatalf("len(Packages) = %d, want 1", len(app.Packages))
	}
	if got := app.Packages[0].Dependencies; len(got) != 2 || got[1] != "zlib@>=1.2.0" {
		t.Errorf("dependencies = %v, want raw references preserved", got)
	}
}

func TestArtifactoryRoundTrip(t *testing.T) {
	a, err := DecodeArtifactory([]byte(helloManifest))
	if err != nil {
		t.Fatalf("DecodeArtifactory failed: %v", err)
	}

	data, err := EncodeArtifactory(a)
	if err != nil {
		t.Fatalf("EncodeArtifactory failed: %v", err)
	}

	b, err := DecodeArtifactory(data)
	if err != nil {
		t.Fatalf("re-decode failed: %v", err)
	}

	if b.Name != a.Name || b.Maintainer != a.Maintainer || b.Public != a.Public {
		t.Errorf("top-level fields changed across round-trip: %+v vs %+v", b, a)
	}
	if len(b.Apps) != len(a.Apps) {
		t.Fatalf("len(Apps) = %d, want %d", len(b.Apps), len(a.Apps))
	}
	ap, bp := a.Apps[0].Packages[0], b.Apps[0].Packages[0]
	if ap.SHA256 != bp.SHA256 || ap.Source != bp.Source {
		t.Errorf("package fields changed across round-trip")
	}
	if strings.Join(ap.Dependencies, ",") != strings.Join(bp.Dependencies, ",") {
		t.Errorf("dependency references did not round-trip exactly: %v vs %v", bp.Dependencies, ap.Dependencies)
	}
}

func TestDecodeArtifactoryUnsupportedVersion(t *testing.T) {
	manifest := strings.Replace(helloManifest, "artifactory_handler_version = 1", "artifactory_handler_version = 99", 1)

	_, err := DecodeArtifactory([]byte(manifest))
	if !errors.Is(err, ErrUnsupportedSchema) {
		t.Fatalf("err = %v, want ErrUnsupportedSchema", err)
	}

	var use *UnsupportedSchemaError
	if !errors.As(err, &use) {
		t.Fatalf("err = %T, want *UnsupportedSchemaError", err)
	}
	if use.Version != 99 {
		t.Errorf("Version = %d, want 99", use.Version)
	}
}

func TestDecodeArtifactoryMigratesOlderVersion(t *testing.T) {
	manifest := strings.Replace(helloManifest, "artifactory_handler_version = 1", "artifactory_handler_version = 0", 1)

	a, err := DecodeArtifactory([]byte(manifest))
	if err != nil {
		t.Fatalf("DecodeArtifactory failed: %v", err)
	}
	if a.HandlerVersion != ArtifactoryVersion {
		t.Errorf("HandlerVersion = %d, want %d", a.HandlerVersion, ArtifactoryVersion)
	}
}

func TestDecodeArtifactoryRejectsBadVersion(t *testing.T) {
	manifest := strings.Replace(helloManifest, `version = "1.0.0"
license = "MIT"
description`, `version = "not-a-version"
license = "MIT"
description`, 1)

	if _, err := DecodeArtifactory([]byte(manifest)); err == nil {
		t.Fatal("DecodeArtifactory accepted an invalid app version")
	}
}

func TestDecodeArtifactoryRejectsBadLicense(t *testing.T) {
	manifest := strings.Replace(helloManifest, `license = "MIT"`, `license = "Not-A-License-42"`, 1)

	if _, err := DecodeArtifactory([]byte(manifest)); err == nil {
		t.Fatal("DecodeArtifactory accepted an invalid SPDX expression")
	}
}

func TestDecodeArtifactoryRejectsTraversalCommandPath(t *testing.T) {
	manifest := strings.Replace(helloManifest, `path = "bin/hello"`, `path = "../../bin/hello"`, 1)

	_, err := DecodeArtifactory([]byte(manifest))
	if err == nil {
		t.Fatal("DecodeArtifactory accepted a command path escaping the package root")
	}
	if !strings.Contains(err.Error(), "escapes") {
		t.Errorf("err = %v, want path escape error", err)
	}
}

func TestDecodeArtifactoryRejectsBadHash(t *testing.T) {
	manifest := strings.Replace(helloManifest,
		`sha256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"`,
		`sha256 = "deadbeef"`, 1)

	if _, err := DecodeArtifactory([]byte(manifest)); err == nil {
		t.Fatal("DecodeArtifactory accepted a truncated sha256")
	}
}

func TestDecodeArtifactoryRejectsDuplicateApp(t *testing.T) {
	dup := helloManifest + `
[[apps]]
name = "hello"
version = "1.0.0"
app_handler_version = 1
`
	_, err := DecodeArtifactory([]byte(dup))
	if err == nil || !strings.Contains(err.Error(), "duplicate app") {
		t.Fatalf("err = %v, want duplicate app error", err)
	}
}

func TestParseDependency(t *testing.T) {
	tests := []struct {
		ref        string
		name       string
		constraint string
	}{
		{"zlib", "zlib", ""},
		{"zlib@>=1.2.0", "zlib", ">=1.2.0"},
		{"zlib@^1.2", "zlib", "^1.2"},
		{" libgreet ", "libgreet", ""},
	}
	for _, tt := range tests {
		name, constraint := ParseDependency(tt.ref)
		if name != tt.name || constraint != tt.constraint {
			t.Errorf("ParseDependency(%q) = (%q, %q), want (%q, %q)",
				tt.ref, name, constraint, tt.name, tt.constraint)
		}
	}
}

func TestMigrateConfigFillsBinDir(t *testing.T) {
	c := &Config{InstallDir: "/home/u/.local/share/diem/packages", HandlerVersion: 0}
	if err := MigrateConfig(c); err != nil {
		t.Fatalf("MigrateConfig failed: %v", err)
	}
	if c.BinDir == "" {
		t.Error("BinDir not filled by v0 migration")
	}
	if c.HandlerVersion != ConfigVersion {
		t.Errorf("HandlerVersion = %d, want %d", c.HandlerVersion, ConfigVersion)
	}
}

func TestMigrateConfigUnsupported(t *testing.T) {
	c := &Config{HandlerVersion: ConfigVersion + 1}
	if err := MigrateConfig(c); !errors.Is(err, ErrUnsupportedSchema) {
		t.Fatalf("err = %v, want ErrUnsupportedSchema", err)
	}
}
