// Package install extracts verified package archives into the managed
// tree and publishes their commands as symlinks on the user's PATH.
// Installation is all-or-nothing per package: any extraction failure
// removes the partial directory before returning.
package install

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/airone01/diem/fetch"
	"github.com/airone01/diem/internal/schema"
)

var (
	// ErrExtraction is returned when an archive cannot be unpacked.
	ErrExtraction = errors.New("extraction failed")

	// ErrPathTraversal is returned when an archive entry or command
	// path would escape its target directory.
	ErrPathTraversal = errors.New("path escapes target directory")

	// ErrCommandConflict is returned when a command name is already
	// claimed by a different package.
	ErrCommandConflict = errors.New("command already taken")
)

// ExtractionError reports an archive that could not be unpacked.
type ExtractionError struct {
	Name    string
	Version string
	Reason  string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s@%s: %s", e.Name, e.Version, e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return ErrExtraction
}

// PathTraversalError names the archive entry that tried to escape.
type PathTraversalError struct {
	Name    string
	Version string
	Entry   string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("entry %q in %s@%s escapes the install directory", e.Entry, e.Name, e.Version)
}

func (e *PathTraversalError) Unwrap() error {
	return ErrPathTraversal
}

// CommandConflictError reports a PATH entry owned by another package.
type CommandConflictError struct {
	Command  string
	Owner    string
	Claimant string
}

func (e *CommandConflictError) Error() string {
	return fmt.Sprintf("command %q requested by %s already points to %s", e.Command, e.Claimant, e.Owner)
}

func (e *CommandConflictError) Unwrap() error {
	return ErrCommandConflict
}

// Installer manages one install root and one entry-point directory.
type Installer struct {
	root   string
	binDir string
	log    zerolog.Logger
	now    func() time.Time
}

// Option configures an Installer.
type Option func(*Installer)

// WithLogger sets the installer's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(i *Installer) {
		i.log = log
	}
}

// WithClock overrides the installer's time source.
func WithClock(now func() time.Time) Option {
	return func(i *Installer) {
		i.now = now
	}
}

// New creates an installer extracting under root and linking commands
// into binDir.
func New(root, binDir string, opts ...Option) *Installer {
	i := &Installer{
		root:   root,
		binDir: binDir,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// PackageDir returns the extraction directory for a package version.
func (i *Installer) PackageDir(name, version string) string {
	return filepath.Join(i.root, name+"-"+version)
}

// Install extracts a verified archive into its package directory and
// returns the record describing it. The record is not persisted here;
// the caller commits it to configuration.
func (i *Installer) Install(v fetch.Verified, app, subscription string) (schema.InstalledRecord, error) {
	dir := i.PackageDir(v.Package.Name, v.Package.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return schema.InstalledRecord{}, fmt.Errorf("creating %s: %w", dir, err)
	}

	if err := i.extract(v.Package, v.Data, dir); err != nil {
		_ = os.RemoveAll(dir)
		return schema.InstalledRecord{}, err
	}

	i.log.Info().
		Str("package", v.Package.ID()).
		Str("dir", dir).
		Msg("installed")

	return schema.InstalledRecord{
		Name:         v.Package.Name,
		Version:      v.Package.Version,
		SHA256:       v.Package.SHA256,
		App:          app,
		Subscription: subscription,
		InstallPath:  dir,
		InstalledAt:  i.now(),
	}, nil
}

// PublishCommands links the app's commands into the entry-point
// directory and records their names on rec. Re-linking a command this
// package already owns is idempotent; a link owned by another package
// is a conflict. A link owned by an older version of the same package
// is replaced.
func (i *Installer) PublishCommands(rec *schema.InstalledRecord, cmds []schema.Command) error {
	if err := os.MkdirAll(i.binDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", i.binDir, err)
	}

	for _, cmd := range cmds {
		rel := filepath.Clean(filepath.FromSlash(cmd.Path))
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return &PathTraversalError{Name: rec.Name, Version: rec.Version, Entry: cmd.Path}
		}
		target := filepath.Join(rec.InstallPath, rel)
		link := filepath.Join(i.binDir, cmd.Command)

		existing, err := os.Readlink(link)
		switch {
		case err == nil && existing == target:
			rec.Commands = appendCommand(rec.Commands, cmd.Command)
			continue
		case err == nil && i.ownedBy(existing, rec.Name):
			// Same package, different version. Replace.
			if err := os.Remove(link); err != nil {
				return fmt.Errorf("replacing %s: %w", link, err)
			}
		case err == nil:
			return &CommandConflictError{Command: cmd.Command, Owner: existing, Claimant: rec.ID()}
		case errors.Is(err, fs.ErrNotExist):
		default:
			// The name is occupied by something that is not a symlink.
			if _, statErr := os.Lstat(link); statErr == nil {
				return &CommandConflictError{Command: cmd.Command, Owner: link, Claimant: rec.ID()}
			}
			return fmt.Errorf("inspecting %s: %w", link, err)
		}

		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("linking %s: %w", link, err)
		}
		rec.Commands = appendCommand(rec.Commands, cmd.Command)

		i.log.Debug().
			Str("command", cmd.Command).
			Str("target", target).
			Msg("published command")
	}
	return nil
}

// ownedBy reports whether a link target lives in one of name's
// versioned package directories.
func (i *Installer) ownedBy(target, name string) bool {
	rel, err := filepath.Rel(i.root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	first := rel
	if j := strings.IndexByte(rel, filepath.Separator); j >= 0 {
		first = rel[:j]
	}
	return strings.HasPrefix(first, name+"-")
}

// Remove unlinks the record's commands and deletes its package
// directory. An already-absent directory is not an error; links that
// could not be removed are reported together.
func (i *Installer) Remove(rec schema.InstalledRecord) error {
	var errs []error
	for _, name := range rec.Commands {
		link := filepath.Join(i.binDir, name)
		target, err := os.Readlink(link)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("inspecting %s: %w", link, err))
			continue
		}
		// Leave links that have been re-pointed at another package.
		if target != rec.InstallPath && !strings.HasPrefix(target, rec.InstallPath+string(filepath.Separator)) {
			continue
		}
		if err := os.Remove(link); err != nil {
			errs = append(errs, fmt.Errorf("unlinking %s: %w", link, err))
		}
	}

	if err := os.RemoveAll(rec.InstallPath); err != nil {
		errs = append(errs, fmt.Errorf("removing %s: %w", rec.InstallPath, err))
	}

	if len(errs) == 0 {
		i.log.Info().Str("package", rec.ID()).Msg("removed")
	}
	return errors.Join(errs...)
}

func (i *Installer) extract(pkg schema.Package, data []byte, dir string) error {
	switch {
	case len(data) >= 4 && bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return i.extractZip(pkg, data, dir)
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		return i.extractTarGz(pkg, data, dir)
	default:
		return &ExtractionError{Name: pkg.Name, Version: pkg.Version, Reason: "unrecognized archive format"}
	}
}

func (i *Installer) extractTarGz(pkg schema.Package, data []byte, dir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return &ExtractionError{Name: pkg.Name, Version: pkg.Version, Reason: err.Error()}
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &ExtractionError{Name: pkg.Name, Version: pkg.Version, Reason: err.Error()}
		}

		dst, err := i.entryPath(pkg, dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, fs.FileMode(hdr.Mode)|0o700); err != nil {
				return fmt.Errorf("creating %s: %w", dst, err)
			}
		case tar.TypeReg:
			if err := writeFile(dst, tr, fs.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("writing %s: %w", dst, err)
			}
		case tar.TypeSymlink:
			// The link target must stay inside the package directory.
			// An absolute target escapes by construction; a relative one
			// is resolved against the entry's own directory and checked.
			if filepath.IsAbs(hdr.Linkname) {
				return &PathTraversalError{Name: pkg.Name, Version: pkg.Version, Entry: hdr.Name}
			}
			resolved := filepath.Join(filepath.Dir(dst), hdr.Linkname)
			if _, err := i.entryPath(pkg, dir, mustRel(dir, resolved)); err != nil {
				return &PathTraversalError{Name: pkg.Name, Version: pkg.Version, Entry: hdr.Name}
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
			}
			if err := os.Symlink(hdr.Linkname, dst); err != nil {
				return fmt.Errorf("linking %s: %w", dst, err)
			}
		case tar.TypeLink:
			// Hardlink names are relative to the archive root.
			src, err := i.entryPath(pkg, dir, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
			}
			if err := os.Link(src, dst); err != nil {
				return fmt.Errorf("linking %s: %w", dst, err)
			}
		case tar.TypeXGlobalHeader:
			// Metadata only, nothing to materialize.
		default:
			return &ExtractionError{
				Name:    pkg.Name,
				Version: pkg.Version,
				Reason:  fmt.Sprintf("unsupported entry type %q for %q", hdr.Typeflag, hdr.Name),
			}
		}
	}
}

func (i *Installer) extractZip(pkg schema.Package, data []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return &ExtractionError{Name: pkg.Name, Version: pkg.Version, Reason: err.Error()}
	}

	for _, f := range zr.File {
		dst, err := i.entryPath(pkg, dir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, f.Mode()|0o700); err != nil {
				return fmt.Errorf("creating %s: %w", dst, err)
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return &ExtractionError{Name: pkg.Name, Version: pkg.Version, Reason: err.Error()}
		}
		err = writeFile(dst, rc, f.Mode())
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("writing %s: %w", dst, err)
		}
	}
	return nil
}

// entryPath joins an archive entry name onto dir, rejecting absolute
// paths and any form of parent escape.
func (i *Installer) entryPath(pkg schema.Package, dir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", &PathTraversalError{Name: pkg.Name, Version: pkg.Version, Entry: name}
	}
	return filepath.Join(dir, cleaned), nil
}

func writeFile(dst string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o400)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func mustRel(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return ".."
	}
	return rel
}

func appendCommand(cmds []string, name string) []string {
	for _, c := range cmds {
		if c == name {
			return cmds
		}
	}
	return append(cmds, name)
}
