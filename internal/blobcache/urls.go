package blobcache

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// URLPrefix starts every object URL.
const URLPrefix = "blob:"

type object struct {
	data     []byte
	mimeType string
}

// URLRegistry mints short-lived object URLs for in-memory blob data. A URL is
// valid until revoked.
type URLRegistry struct {
	mu      sync.RWMutex
	objects map[string]object
}

func NewURLRegistry() *URLRegistry {
	return &URLRegistry{objects: make(map[string]object)}
}

func (r *URLRegistry) Mint(data []byte, mimeType string) string {
	url := URLPrefix + uuid.NewString()
	r.mu.Lock()
	r.objects[url] = object{data: data, mimeType: mimeType}
	r.mu.Unlock()
	return url
}

func (r *URLRegistry) Revoke(url string) {
	r.mu.Lock()
	delete(r.objects, url)
	r.mu.Unlock()
}

// Resolve returns the data behind url. A bare id without the prefix is
// accepted too.
func (r *URLRegistry) Resolve(url string) ([]byte, string, bool) {
	if !strings.HasPrefix(url, URLPrefix) {
		url = URLPrefix + url
	}
	r.mu.RLock()
	obj, ok := r.objects[url]
	r.mu.RUnlock()
	return obj.data, obj.mimeType, ok
}

func (r *URLRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

func (r *URLRegistry) RevokeAll() {
	r.mu.Lock()
	r.objects = make(map[string]object)
	r.mu.Unlock()
}
