// Package artifact stores versioned, immutable artifacts. Versions
// only ever append: content never mutates after creation, and each
// (artifact id, version) pair is addressable by an opaque handle of
// the form artifact://<id>/v<N>.
package artifact

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when an artifact or version is unknown.
	ErrNotFound = errors.New("artifact not found")
	// ErrBadHandle is returned for strings that do not parse as handles.
	ErrBadHandle = errors.New("malformed artifact handle")
)

// HandlePattern matches artifact handles embedded in free text.
var HandlePattern = regexp.MustCompile(`artifact://([A-Za-z0-9._-]+)/v(\d+)`)

// Version is one immutable revision of an artifact.
type Version struct {
	ArtifactID    string    `json:"artifact_id"`
	Version       int       `json:"version"`
	Content       []byte    `json:"content"`
	ParentVersion int       `json:"parent_version,omitempty"` // 0 = no parent
	CreatedAt     time.Time `json:"created_at"`
}

// Handle returns the opaque reference string for this version.
func (v Version) Handle() string {
	return Handle(v.ArtifactID, v.Version)
}

// Handle formats a handle for an (artifact id, version) pair.
func Handle(artifactID string, version int) string {
	return fmt.Sprintf("artifact://%s/v%d", artifactID, version)
}

// ParseHandle splits a handle into artifact id and version number.
func ParseHandle(handle string) (string, int, error) {
	m := HandlePattern.FindStringSubmatch(handle)
	if m == nil || m[0] != handle {
		return "", 0, fmt.Errorf("%w: %q", ErrBadHandle, handle)
	}
	version, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrBadHandle, handle)
	}
	return m[1], version, nil
}

// ScanHandles extracts every handle occurring in the given text, in
// order of appearance, deduplicated.
func ScanHandles(text string) []string {
	matches := HandlePattern.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Store is a concurrent, append-only artifact version store.
type Store struct {
	mu       sync.RWMutex
	versions map[string][]Version // artifact id -> versions in order
}

// NewStore creates an empty artifact store.
func NewStore() *Store {
	return &Store{versions: make(map[string][]Version)}
}

// Put appends a new version of an artifact, returning it. The version
// number is one past the current highest; parent links the new version
// to the revision it derives from (0 for none). Content is copied so
// later caller mutations cannot violate immutability.
func (s *Store) Put(artifactID string, content []byte, parentVersion int) (Version, error) {
	if artifactID == "" {
		return Version{}, errors.New("artifact id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.versions[artifactID]
	if parentVersion > len(existing) {
		return Version{}, fmt.Errorf("parent version %d does not exist: %w", parentVersion, ErrNotFound)
	}

	contentCopy := make([]byte, len(content))
	copy(contentCopy, content)

	v := Version{
		ArtifactID:    artifactID,
		Version:       len(existing) + 1,
		Content:       contentCopy,
		ParentVersion: parentVersion,
		CreatedAt:     time.Now().UTC(),
	}
	s.versions[artifactID] = append(existing, v)
	return v, nil
}

// Get returns one version of an artifact.
func (s *Store) Get(artifactID string, version int) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.versions[artifactID]
	if !ok || version < 1 || version > len(versions) {
		return Version{}, fmt.Errorf("%w: %s v%d", ErrNotFound, artifactID, version)
	}
	return s.copyVersion(versions[version-1]), nil
}

// Latest returns the newest version of an artifact.
func (s *Store) Latest(artifactID string) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.versions[artifactID]
	if !ok || len(versions) == 0 {
		return Version{}, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
	}
	return s.copyVersion(versions[len(versions)-1]), nil
}

// Resolve returns the version a handle points at.
func (s *Store) Resolve(handle string) (Version, error) {
	artifactID, version, err := ParseHandle(handle)
	if err != nil {
		return Version{}, err
	}
	return s.Get(artifactID, version)
}

// List returns every version of an artifact in creation order.
func (s *Store) List(artifactID string) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.versions[artifactID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, artifactID)
	}
	out := make([]Version, len(versions))
	for i, v := range versions {
		out[i] = s.copyVersion(v)
	}
	return out, nil
}

// copyVersion returns a version with its own content slice so callers
// cannot mutate stored bytes.
func (s *Store) copyVersion(v Version) Version {
	content := make([]byte, len(v.Content))
	copy(content, v.Content)
	v.Content = content
	return v
}
