package coap

import (
	"bytes"
	"strings"
)

const wellKnownCorePath = "/.well-known/core"

// RequestLayer routes a decoded request to a path-indexed resource and
// dispatches it to the per-method handler.
type RequestLayer struct {
	tree *ResourceTree
}

// NewRequestLayer builds a RequestLayer over tree.
func NewRequestLayer(tree *ResourceTree) *RequestLayer {
	return &RequestLayer{tree: tree}
}

// ReceiveRequest routes and dispatches tr.Request, leaving tr.Resource and
// tr.Response populated. Panics inside a handler are converted to a 5.00
// Internal Server Error response.
func (rl *RequestLayer) ReceiveRequest(tr *Transaction) {
	req := tr.Request
	path := normalize(req.PathString())

	if path == wellKnownCorePath {
		tr.Response = wellKnownCoreResponse(req, rl.tree)
		return
	}

	res, ok := rl.tree.Get(path)
	if !ok {
		tr.Response = errorResponse(req, NotFound)
		return
	}
	tr.Resource = res

	tr.Response = rl.dispatch(req, res)
}

func (rl *RequestLayer) dispatch(req *Message, res *Resource) (resp *Message) {
	defer func() {
		if rec := recover(); rec != nil {
			TraceError("[coap] handler panic on %s: %v", res.Path(), rec)
			resp = errorResponse(req, InternalServerError)
		}
	}()

	var handler ResourceHandler
	switch req.Code {
	case GET:
		handler = res.RenderGET
		if handler == nil {
			handler = defaultRenderGET
		}
	case PUT:
		handler = res.RenderPUT
	case POST:
		handler = res.RenderPOST
	case DELETE:
		handler = res.RenderDELETE
	default:
		return errorResponse(req, BadRequest)
	}

	if handler == nil {
		return errorResponse(req, MethodNotAllowed)
	}

	out, err := handler(req, res)
	if err != nil {
		return errorResponse(req, codeForError(err))
	}
	if out == nil {
		out = NewMessage()
		out.Code = Changed
	}
	out.Token = req.Token
	return out
}

func codeForError(err error) CCode {
	switch err {
	case ErrResourceNotFound:
		return NotFound
	case ErrMethodNotAllowed:
		return MethodNotAllowed
	case ErrNotAcceptable:
		return NotAcceptable
	default:
		return InternalServerError
	}
}

func errorResponse(req *Message, code CCode) *Message {
	m := NewMessage()
	m.Code = code
	if req != nil {
		m.Token = req.Token
	}
	return m
}

// defaultRenderGET renders a plain data resource that has not supplied its
// own RenderGET: ETag validation, Accept-based content negotiation, and
// Max-Age/Content-Format attachment.
func defaultRenderGET(req *Message, res *Resource) (*Message, error) {
	resp := NewMessage()

	if etag := res.ETag(); etag != nil {
		for _, v := range req.Options(ETag) {
			if b, ok := v.([]byte); ok && bytes.Equal(b, etag) {
				resp.Code = Valid
				return resp, nil
			}
		}
	}

	var ct MediaType
	var payload []byte
	var ok bool

	if accept := req.Option(Accept); accept != nil {
		want, _ := accept.(MediaType)
		payload, ok = res.Payload(want)
		ct = want
		if !ok {
			return nil, ErrNotAcceptable
		}
	} else {
		ct, payload, ok = res.DefaultPayload()
		if !ok {
			resp.Code = Content
			return resp, nil
		}
	}

	resp.Code = Content
	resp.Payload = payload
	resp.SetOption(ContentFormat, ct)
	if maxAge, set := res.MaxAge(); set && maxAge != 60 {
		resp.SetOption(MaxAge, maxAge)
	}
	if etag := res.ETag(); etag != nil {
		resp.SetOption(ETag, etag)
	}
	return resp, nil
}

func wellKnownCoreResponse(req *Message, tree *ResourceTree) *Message {
	resp := NewMessage()
	resp.Code = Content
	resp.Token = req.Token
	resp.Payload = tree.WellKnownCore()
	resp.SetOption(ContentFormat, AppLinkFormat)
	return resp
}

// LocationPathFrom splits a created child's path into Location-Path option
// values, for POST-creates-child responses.
func LocationPathFrom(childPath string) []string {
	clean := normalize(childPath)
	if clean == "/" {
		return nil
	}
	return splitPath(clean)
}

func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

