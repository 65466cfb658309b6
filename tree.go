package coap

import (
	"sort"
	"strings"
	"sync"
)

// ResourceTree is the path-indexed set of resources an endpoint serves.
type ResourceTree struct {
	mu    sync.RWMutex
	nodes map[string]*Resource
}

// NewResourceTree creates a tree with an invisible, non-observable root at
// "/" that allows children, mirroring CoAP's root resource.
func NewResourceTree() *ResourceTree {
	root := NewResource("/", false, false, true)
	return &ResourceTree{
		nodes: map[string]*Resource{"/": root},
	}
}

// normalize strips leading/trailing slashes, returning the canonical
// "/a/b/c" form (or "/" for the root).
func normalize(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed
}

// Add inserts res at path. Every path segment except the last must already
// exist in the tree; only the final segment may be newly created by a
// single call.
func (t *ResourceTree) Add(path string, res *Resource) bool {
	clean := strings.Trim(path, "/")
	if clean == "" {
		return false
	}
	parts := strings.Split(clean, "/")

	t.mu.Lock()
	defer t.mu.Unlock()

	actual := ""
	for i, p := range parts {
		actual += "/" + p
		if _, ok := t.nodes[actual]; ok {
			continue
		}
		if i != len(parts)-1 {
			return false
		}
		res.path = actual
		t.nodes[actual] = res
	}
	return true
}

// Get looks up a resource by exact path.
func (t *ResourceTree) Get(path string) (*Resource, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.nodes[normalize(path)]
	return r, ok
}

// Remove deletes the resource at path and every descendant beneath it.
func (t *ResourceTree) Remove(path string) {
	clean := normalize(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, clean)
	prefix := clean
	if prefix != "/" {
		prefix += "/"
	}
	for p := range t.nodes {
		if strings.HasPrefix(p, prefix) && p != clean {
			delete(t.nodes, p)
		}
	}
}

// All returns a snapshot of every resource currently in the tree, for the
// endpoint's background scan of changed/deleted flags set outside of a
// request dispatch.
func (t *ResourceTree) All() []*Resource {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Resource, 0, len(t.nodes))
	for _, r := range t.nodes {
		out = append(out, r)
	}
	return out
}

// WellKnownCore renders the application/link-format body for
// /.well-known/core: every visible resource, in path order.
func (t *ResourceTree) WellKnownCore() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	paths := make([]string, 0, len(t.nodes))
	for p, r := range t.nodes {
		if r.Visible() {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	entries := make([]string, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, t.nodes[p].LinkFormat())
	}
	return []byte(strings.Join(entries, ","))
}
