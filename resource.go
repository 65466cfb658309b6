package coap

import (
	"fmt"
	"strings"
	"sync"
)

// ResourceHandler renders one CoAP method against a resource. It returns
// the outgoing response message; the caller sets Type/MessageID/Token.
type ResourceHandler func(req *Message, res *Resource) (*Message, error)

// Resource is a node in the path-indexed resource tree served by an
// endpoint.
type Resource struct {
	mu sync.Mutex

	path          string
	attributes    map[string][]string
	visible       bool
	observable    bool
	allowChildren bool

	payloads      map[MediaType][]byte
	defaultFormat MediaType
	hasDefault    bool

	etag    []byte
	maxAge  *uint32
	changed bool
	deleted bool

	observeCount uint32

	RenderGET    ResourceHandler
	RenderPUT    ResourceHandler
	RenderPOST   ResourceHandler
	RenderDELETE ResourceHandler
}

// NewResource creates a resource with the given visibility, observability,
// and child-creation policy.
func NewResource(path string, visible, observable, allowChildren bool) *Resource {
	return &Resource{
		path:          path,
		attributes:    make(map[string][]string),
		visible:       visible,
		observable:    observable,
		allowChildren: allowChildren,
		payloads:      make(map[MediaType][]byte),
		observeCount:  1,
	}
}

// Path returns the resource's path.
func (r *Resource) Path() string { return r.path }

// Visible reports whether the resource is listed in link-format discovery.
func (r *Resource) Visible() bool { return r.visible }

// Observable reports whether GET Observe=0 may subscribe to this resource.
func (r *Resource) Observable() bool { return r.observable }

// AllowsChildren reports whether POST may create a child under this path.
func (r *Resource) AllowsChildren() bool { return r.allowChildren }

// ObserveCount returns the resource's current observation sequence number.
func (r *Resource) ObserveCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observeCount
}

// bumpObserveCount advances and returns the observation sequence number,
// wrapping modulo 2^24 (RFC 7641 §3.4).
func (r *Resource) bumpObserveCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observeCount = (r.observeCount + 1) % observeModulus
	return r.observeCount
}

// SetPayload stores a representation of the resource under a content
// format.
func (r *Resource) SetPayload(ct MediaType, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[ct] = data
	if !r.hasDefault {
		r.defaultFormat = ct
		r.hasDefault = true
	}
}

// SetDefaultContentFormat picks which stored representation GET serves when
// the request carries no Accept option and the resource holds no text/plain
// representation; a stored text/plain representation is always served
// first (see DefaultPayload).
func (r *Resource) SetDefaultContentFormat(ct MediaType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultFormat = ct
	r.hasDefault = true
}

// Payload returns the stored representation for ct, if any.
func (r *Resource) Payload(ct MediaType) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payloads[ct]
	return p, ok
}

// DefaultPayload returns the representation GET serves absent an Accept
// option: text/plain if present, else the format chosen by
// SetDefaultContentFormat, else whichever was set first.
func (r *Resource) DefaultPayload() (MediaType, []byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.payloads[TextPlain]; ok {
		return TextPlain, p, true
	}
	if r.hasDefault {
		if p, ok := r.payloads[r.defaultFormat]; ok {
			return r.defaultFormat, p, true
		}
	}
	for ct, p := range r.payloads {
		return ct, p, true
	}
	return 0, nil, false
}

// ContentFormats lists the content formats this resource currently holds a
// representation for.
func (r *Resource) ContentFormats() []MediaType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MediaType, 0, len(r.payloads))
	for ct := range r.payloads {
		out = append(out, ct)
	}
	return out
}

// ETag returns the resource's current ETag, or nil if unset.
func (r *Resource) ETag() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.etag
}

// SetETag sets the resource's ETag.
func (r *Resource) SetETag(tag []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.etag = tag
}

// MaxAge returns the resource's Max-Age, if one was set (else the protocol
// default of 60s applies and no option is attached).
func (r *Resource) MaxAge() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxAge == nil {
		return 0, false
	}
	return *r.maxAge, true
}

// SetMaxAge sets the resource's Max-Age in seconds.
func (r *Resource) SetMaxAge(seconds uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxAge = &seconds
}

// MarkChanged flags the resource as changed, triggering a notification fan
// out on the next endpoint pass.
func (r *Resource) MarkChanged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = true
}

// MarkDeleted flags the resource as deleted.
func (r *Resource) MarkDeleted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = true
}

// TakeChanged reports and clears the changed flag.
func (r *Resource) TakeChanged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.changed
	r.changed = false
	return v
}

// TakeDeleted reports and clears the deleted flag.
func (r *Resource) TakeDeleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.deleted
	r.deleted = false
	return v
}

// AddContentType adds a CoRE Link Format "ct" attribute value.
func (r *Resource) AddContentType(ct MediaType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%d", ct)
	r.attributes["ct"] = append(r.attributes["ct"], key)
}

// SetResourceType sets the CoRE Link Format "rt" attribute.
func (r *Resource) SetResourceType(rt string) { r.setAttr("rt", rt) }

// SetInterfaceType sets the CoRE Link Format "if" attribute.
func (r *Resource) SetInterfaceType(ift string) { r.setAttr("if", ift) }

// SetMaximumSizeEstimate sets the CoRE Link Format "sz" attribute.
func (r *Resource) SetMaximumSizeEstimate(sz string) { r.setAttr("sz", sz) }

// SetAttribute sets an arbitrary CoRE Link Format attribute key.
func (r *Resource) SetAttribute(key, value string) { r.setAttr(key, value) }

func (r *Resource) setAttr(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attributes[key] = []string{value}
}

// LinkFormat renders this resource's entry for /.well-known/core
// (application/link-format, RFC 6690), in CoRE attribute order.
func (r *Resource) LinkFormat() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(r.path)
	b.WriteString(">")
	for _, key := range []string{"rt", "if", "sz", "ct"} {
		vals, ok := r.attributes[key]
		if !ok || len(vals) == 0 {
			continue
		}
		b.WriteString(";")
		b.WriteString(key)
		b.WriteString("=")
		if key == "ct" {
			b.WriteString(strings.Join(vals, " "))
		} else {
			b.WriteString("\"")
			b.WriteString(strings.Join(vals, " "))
			b.WriteString("\"")
		}
	}
	return b.String()
}
