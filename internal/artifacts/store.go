// Package artifacts persists step outputs on the local filesystem under a
// single configured root. Every path derived from caller input is forced
// back inside that root; Resolve is the only function allowed to turn an
// untrusted URI into a filesystem path.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a URI resolves outside the store root.
var ErrPathEscape = errors.New("artifact path escapes store root")

// Store maps logical artifacts to filesystem paths. URIs have the layout
// runs/{runId}/{kind}/{filename}, relative to the root.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("artifact root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string {
	return s.root
}

// BuildURI sanitizes runID and filename to their final path component so a
// caller-supplied value can never introduce directory segments.
func (s *Store) BuildURI(runID, kind, filename string) string {
	runID = path.Base(strings.TrimSpace(filepath.ToSlash(runID)))
	kind = path.Base(strings.TrimSpace(filepath.ToSlash(kind)))
	filename = path.Base(strings.TrimSpace(filepath.ToSlash(filename)))
	return path.Join("runs", runID, kind, filename)
}

// Resolve turns a URI (absolute or root-relative) into an absolute path and
// verifies the result lies inside the store root.
func (s *Store) Resolve(uri string) (string, error) {
	if s == nil {
		return "", errors.New("artifact store not initialized")
	}
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", errors.New("artifact uri is required")
	}
	var candidate string
	if filepath.IsAbs(uri) {
		candidate = filepath.Clean(uri)
	} else {
		candidate = filepath.Join(s.root, filepath.FromSlash(uri))
	}
	rel, err := filepath.Rel(s.root, candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, uri)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, uri)
	}
	return candidate, nil
}

// Allocate resolves the artifact path and creates parent directories.
func (s *Store) Allocate(runID, kind, filename string) (string, string, error) {
	uri := s.BuildURI(runID, kind, filename)
	target, err := s.Resolve(uri)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", "", fmt.Errorf("create artifact dir: %w", err)
	}
	return uri, target, nil
}

// WriteResult reports where a payload landed and its integrity metadata.
type WriteResult struct {
	URI    string
	Path   string
	SHA256 string
	Bytes  int64
}

// WriteBytes allocates a path, writes the payload and returns the uri plus
// sha-256 digest and byte length so callers can record integrity metadata
// on the artifact row together with the write.
func (s *Store) WriteBytes(runID, kind, filename string, data []byte) (WriteResult, error) {
	uri, target, err := s.Allocate(runID, kind, filename)
	if err != nil {
		return WriteResult{}, err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return WriteResult{}, fmt.Errorf("write artifact: %w", err)
	}
	sum := sha256.Sum256(data)
	return WriteResult{
		URI:    uri,
		Path:   target,
		SHA256: hex.EncodeToString(sum[:]),
		Bytes:  int64(len(data)),
	}, nil
}

// ReadFile resolves a URI through the escape check and reads the payload.
func (s *Store) ReadFile(uri string) ([]byte, error) {
	target, err := s.Resolve(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Open resolves a URI through the escape check and opens the payload.
func (s *Store) Open(uri string) (*os.File, error) {
	target, err := s.Resolve(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}
