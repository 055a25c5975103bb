// ABOUTME: Storage-provider SPI: open/read/write/exists/list/metadata over uniform URIs.
// ABOUTME: A registry resolves each URI to the first provider that can handle it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"
)

// ErrNoProvider is returned when no registered provider handles a URI.
var ErrNoProvider = errors.New("no storage provider for uri")

// Entry is one item of a listing.
type Entry struct {
	URI   string
	Name  string
	Size  int64
	IsDir bool
}

// Metadata describes a stored object.
type Metadata struct {
	Size         int64
	LastModified time.Time
	ETag         string
	ContentType  string
	Custom       map[string]string
}

// Provider is the contract storage backends implement. Scheme-specific
// parameters pass through from the URI.
type Provider interface {
	// CanHandle reports whether this provider serves the URI's scheme.
	CanHandle(uri *URI) bool
	// OpenRead opens the object for reading.
	OpenRead(ctx context.Context, uri *URI) (io.ReadCloser, error)
	// OpenWrite opens the object for writing, truncating any existing
	// content.
	OpenWrite(ctx context.Context, uri *URI) (io.WriteCloser, error)
	// Exists reports whether the object exists.
	Exists(ctx context.Context, uri *URI) (bool, error)
	// List lazily enumerates objects under the prefix.
	List(ctx context.Context, prefix *URI, recursive bool) iter.Seq2[Entry, error]
	// Metadata returns object metadata.
	Metadata(ctx context.Context, uri *URI) (*Metadata, error)
}

// Registry resolves URIs to providers in registration order.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// Resolve returns the first provider that can handle the URI.
func (r *Registry) Resolve(uri *URI) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.CanHandle(uri) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, uri.String())
}

// Open parses a raw URI and opens it for reading through the registry.
func (r *Registry) Open(ctx context.Context, raw string) (io.ReadCloser, error) {
	uri, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	p, err := r.Resolve(uri)
	if err != nil {
		return nil, err
	}
	return p.OpenRead(ctx, uri)
}

// Create parses a raw URI and opens it for writing through the registry.
func (r *Registry) Create(ctx context.Context, raw string) (io.WriteCloser, error) {
	uri, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	p, err := r.Resolve(uri)
	if err != nil {
		return nil, err
	}
	return p.OpenWrite(ctx, uri)
}
