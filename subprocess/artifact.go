package subprocess

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Direction is the direction in which a boundary artifact crosses a
// subprocess boundary.
type Direction string

const (
	// Input is the direction of an artifact passed from a parent process to a
	// child.
	Input Direction = "input"

	// Output is the direction of an artifact returned from a child process to
	// its parent.
	Output Direction = "output"
)

// StructContentType is the content type of an artifact payload encoded as a
// google.protobuf.Struct.
const StructContentType = "application/x-protobuf; messageType=google.protobuf.Struct"

// BoundaryArtifact is the only data that crosses a subprocess boundary.
//
// Exactly one of Inline or URI is set.
type BoundaryArtifact struct {
	ID string

	// ProcessID is the ID of the process that owns the artifact. For inputs it
	// is the child, for outputs it is the child that produced it.
	ProcessID   string
	Direction   Direction
	ContentType string

	// Inline is the payload, if it is small enough to be carried in the
	// artifact itself.
	Inline []byte

	// URI is the location of the payload within an ArtifactStore.
	URI string
}

// ArtifactStore holds artifact payloads that are too large to inline.
type ArtifactStore interface {
	// Put stores a payload and returns its URI.
	Put(ctx context.Context, id string, data []byte) (string, error)

	// Get returns the payload at the given URI.
	Get(ctx context.Context, uri string) ([]byte, error)

	// Delete removes the payload at the given URI. It is not an error if the
	// payload does not exist.
	Delete(ctx context.Context, uri string) error
}

// ErrArtifactNotFound is returned by an ArtifactStore when there is no payload
// at a URI.
var ErrArtifactNotFound = errors.New("artifact not found")

// URIScheme is the scheme of the URIs produced by MemoryStore.
const URIScheme = "artifact://"

// MemoryStore is an ArtifactStore that keeps payloads in memory.
type MemoryStore struct {
	m        sync.RWMutex
	payloads map[string][]byte
}

// Put stores a payload and returns its URI.
func (s *MemoryStore) Put(_ context.Context, id string, data []byte) (string, error) {
	s.m.Lock()
	defer s.m.Unlock()

	if s.payloads == nil {
		s.payloads = map[string][]byte{}
	}

	s.payloads[id] = append([]byte(nil), data...)

	return URIScheme + id, nil
}

// Get returns the payload at the given URI.
func (s *MemoryStore) Get(_ context.Context, uri string) ([]byte, error) {
	id, ok := strings.CutPrefix(uri, URIScheme)
	if !ok {
		return nil, ErrArtifactNotFound
	}

	s.m.RLock()
	defer s.m.RUnlock()

	data, ok := s.payloads[id]
	if !ok {
		return nil, ErrArtifactNotFound
	}

	return append([]byte(nil), data...), nil
}

// Delete removes the payload at the given URI.
func (s *MemoryStore) Delete(_ context.Context, uri string) error {
	id, ok := strings.CutPrefix(uri, URIScheme)
	if !ok {
		return nil
	}

	s.m.Lock()
	defer s.m.Unlock()

	delete(s.payloads, id)

	return nil
}

// Len returns the number of payloads in the store.
func (s *MemoryStore) Len() int {
	s.m.RLock()
	defer s.m.RUnlock()

	return len(s.payloads)
}
