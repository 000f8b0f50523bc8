// Package provider resolves source locators to raw bytes. A locator is
// a local filesystem path, an http(s) URL, or a pkg:github purl naming
// a file inside a repository. Remote reads go through the fetch layer;
// local paths are read directly.
package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/git-pkgs/purl"

	"github.com/airone01/diem/fetch"
)

// Source is a parsed locator that can be read to bytes.
type Source interface {
	// Location returns the locator string the source was parsed from.
	Location() string

	// Read resolves the source to raw bytes.
	Read(ctx context.Context) ([]byte, error)
}

// Parse turns a locator string into a Source. Remote sources read
// through g.
func Parse(locator string, g fetch.Getter) (Source, error) {
	switch {
	case strings.HasPrefix(locator, "pkg:"):
		return parsePURL(locator, g)
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return &urlSource{url: locator, getter: g}, nil
	case locator == "":
		return nil, fmt.Errorf("empty source locator")
	default:
		return &pathSource{path: locator}, nil
	}
}

// ReadSource parses and reads a locator in one step. It is the shape
// the plan fetcher consumes.
func ReadSource(g fetch.Getter) func(ctx context.Context, locator string) ([]byte, error) {
	return func(ctx context.Context, locator string) ([]byte, error) {
		src, err := Parse(locator, g)
		if err != nil {
			return nil, err
		}
		return src.Read(ctx)
	}
}

type pathSource struct {
	path string
}

func (s *pathSource) Location() string {
	return s.path
}

func (s *pathSource) Read(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	return data, nil
}

type urlSource struct {
	url    string
	getter fetch.Getter
}

func (s *urlSource) Location() string {
	return s.url
}

func (s *urlSource) Read(ctx context.Context) ([]byte, error) {
	artifact, err := s.getter.Fetch(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", s.url, err)
	}
	defer func() { _ = artifact.Body.Close() }()

	data, err := io.ReadAll(artifact.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.url, err)
	}
	return data, nil
}

// githubSource reads a file from a repository via the raw content
// host. The locator is a purl: pkg:github/<owner>/<repo>@<ref>#<path>.
type githubSource struct {
	locator string
	owner   string
	repo    string
	ref     string
	path    string
	getter  fetch.Getter
}

func parsePURL(locator string, g fetch.Getter) (Source, error) {
	p, err := purl.Parse(locator)
	if err != nil {
		return nil, fmt.Errorf("parsing purl %q: %w", locator, err)
	}
	if p.Type != "github" {
		return nil, fmt.Errorf("unsupported purl type %q in %q (only pkg:github sources are supported)", p.Type, locator)
	}
	if p.Namespace == "" || p.Name == "" {
		return nil, fmt.Errorf("purl %q is missing owner or repository", locator)
	}

	ref := p.Version
	if ref == "" {
		ref = "main"
	}
	path := p.Subpath
	if path == "" {
		path = "artifactory.toml"
	}

	return &githubSource{
		locator: locator,
		owner:   p.Namespace,
		repo:    p.Name,
		ref:     ref,
		path:    path,
		getter:  g,
	}, nil
}

func (s *githubSource) Location() string {
	return s.locator
}

func (s *githubSource) rawURL() string {
	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", s.owner, s.repo, s.ref, s.path)
}

func (s *githubSource) Read(ctx context.Context) ([]byte, error) {
	url := s.rawURL()
	artifact, err := s.getter.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() { _ = artifact.Body.Close() }()

	data, err := io.ReadAll(artifact.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return data, nil
}
