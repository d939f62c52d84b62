// Package exchange defines the request and response messages carried through
// the filter pipeline.
package exchange

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Entity is a buffered message body.
type Entity struct {
	data []byte
}

// NewEntity returns an entity holding a copy of b.
func NewEntity(b []byte) Entity {
	return Entity{data: bytes.Clone(b)}
}

// Bytes returns the body. Callers must not modify the returned slice.
func (e Entity) Bytes() []byte { return e.data }

// String returns the body as a string.
func (e Entity) String() string { return string(e.data) }

// Len returns the body length in bytes.
func (e Entity) Len() int { return len(e.data) }

// IsEmpty reports whether the body has no bytes.
func (e Entity) IsEmpty() bool { return len(e.data) == 0 }

// Reader returns a fresh reader over the body.
func (e Entity) Reader() io.Reader { return bytes.NewReader(e.data) }

// SetBytes replaces the body with a copy of b.
func (e *Entity) SetBytes(b []byte) { e.data = bytes.Clone(b) }

// SetString replaces the body with s.
func (e *Entity) SetString(s string) { e.data = []byte(s) }

// Request is an inbound or outbound HTTP request. It is owned by one in-flight
// exchange; stages that keep it beyond a call must Copy it.
type Request struct {
	Method  string
	URI     *url.URL
	Version string
	Headers http.Header
	Entity  Entity
}

// NewRequest parses uri and returns a request with empty headers.
func NewRequest(method, uri string) (*Request, error) {
	r := &Request{
		Method:  strings.ToUpper(method),
		Version: "HTTP/1.1",
		Headers: make(http.Header),
	}
	if err := r.SetURI(uri); err != nil {
		return nil, err
	}
	return r, nil
}

// SetURI parses and sets the request target.
func (r *Request) SetURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid request uri %q: %w", uri, err)
	}
	r.URI = u
	return nil
}

// Copy returns a deep copy of r.
func (r *Request) Copy() *Request {
	c := &Request{
		Method:  r.Method,
		Version: r.Version,
		Headers: r.Headers.Clone(),
		Entity:  NewEntity(r.Entity.Bytes()),
	}
	if c.Headers == nil {
		c.Headers = make(http.Header)
	}
	if r.URI != nil {
		u := *r.URI
		if r.URI.User != nil {
			user := *r.URI.User
			u.User = &user
		}
		c.URI = &u
	}
	return c
}

// Response is the result of handling a request. Cause carries the error
// behind a failure status, when there is one.
type Response struct {
	Status  Status
	Headers http.Header
	Entity  Entity
	Cause   error
}

// NewResponse returns a response with status and empty headers.
func NewResponse(status Status) *Response {
	return &Response{
		Status:  status,
		Headers: make(http.Header),
	}
}

// SetCause attaches err and returns r.
func (r *Response) SetCause(err error) *Response {
	r.Cause = err
	return r
}

// Copy returns a deep copy of r.
func (r *Response) Copy() *Response {
	return &Response{
		Status:  r.Status,
		Headers: r.Headers.Clone(),
		Entity:  NewEntity(r.Entity.Bytes()),
		Cause:   r.Cause,
	}
}

// QueryParameters decomposes the query of uri into ordered values per name.
// Malformed pairs are skipped.
func QueryParameters(uri *url.URL) map[string][]string {
	out := make(map[string][]string)
	if uri == nil || uri.RawQuery == "" {
		return out
	}
	values, _ := url.ParseQuery(uri.RawQuery)
	for k, v := range values {
		out[k] = v
	}
	return out
}

// PathOf returns uri without its query string and fragment.
func PathOf(uri *url.URL) string {
	if uri == nil {
		return ""
	}
	u := *uri
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
