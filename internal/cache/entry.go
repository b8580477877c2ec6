package cache

import (
	"time"

	"github.com/google/uuid"
)

// EntryType tags the variant of a cache entry.
type EntryType int

const (
	TypeResource EntryType = iota
	TypeResponse
	TypeHeader
	TypePushPromise
	TypeTransportSession
)

func (t EntryType) String() string {
	switch t {
	case TypeResource:
		return "resource"
	case TypeResponse:
		return "response"
	case TypeHeader:
		return "header"
	case TypePushPromise:
		return "push-promise"
	case TypeTransportSession:
		return "transport-session"
	}
	return "unknown"
}

// Policy governs cacheability and revalidation need. It is decided by the
// freshness-policy layer before an entry reaches the store.
type Policy int

const (
	NoStore Policy = iota
	NoCache
	Public
	Private
	Immutable
)

// Priority influences eviction order. Higher priorities survive longer.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

// Validator holds the revalidation tokens of an entry. An entry with a
// validator can be served stale pending a conditional request; one without
// cannot.
type Validator struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

// HeaderField is a single (name, value) header pair. Header order and
// duplicates are preserved.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Directive is one parsed Cache-Control directive, kept verbatim for the
// policy layer.
type Directive struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Metadata is the shared prefix carried by every entry variant.
type Metadata struct {
	URL          string
	VariantID    string
	Created      time.Time
	LastAccessed time.Time
	ExpiresAt    time.Time
	Size         int64
	AccessCount  int64
	Policy       Policy
	Priority     Priority
	Validator    *Validator
	Compressed   bool
	Directives   []Directive
}

// Entry is the closed set of cache record variants. Callers type-switch on
// the concrete type; the set cannot be extended outside this package.
type Entry interface {
	Meta() *Metadata
	Type() EntryType
	sealed()
}

// Resource is a cached sub-resource body (script, image, stylesheet...).
type Resource struct {
	Metadata
	ContentType     string
	ContentEncoding string
	Data            []byte
}

// Response is a full cached HTTP response.
type Response struct {
	Metadata
	StatusCode int
	Headers    []HeaderField
	Body       []byte
}

// Header caches response header blocks without a body.
type Header struct {
	Metadata
	Fields []HeaderField
}

// PushPromise caches a server push promise and the request that carried it.
type PushPromise struct {
	Metadata
	Fields   []HeaderField
	Referrer string
}

// TransportSession caches opaque transport resumption state (e.g. TLS
// session tickets) keyed like any other entry.
type TransportSession struct {
	Metadata
	SessionID string
	Ticket    []byte
}

func (r *Resource) Meta() *Metadata         { return &r.Metadata }
func (r *Response) Meta() *Metadata         { return &r.Metadata }
func (h *Header) Meta() *Metadata           { return &h.Metadata }
func (p *PushPromise) Meta() *Metadata      { return &p.Metadata }
func (s *TransportSession) Meta() *Metadata { return &s.Metadata }

func (r *Resource) Type() EntryType         { return TypeResource }
func (r *Response) Type() EntryType         { return TypeResponse }
func (h *Header) Type() EntryType           { return TypeHeader }
func (p *PushPromise) Type() EntryType      { return TypePushPromise }
func (s *TransportSession) Type() EntryType { return TypeTransportSession }

func (r *Resource) sealed()         {}
func (r *Response) sealed()         {}
func (h *Header) sealed()           {}
func (p *PushPromise) sealed()      {}
func (s *TransportSession) sealed() {}

// NewTransportSession builds a session entry, generating a session id when
// the transport did not supply one.
func NewTransportSession(url string, ticket []byte) *TransportSession {
	return &TransportSession{
		Metadata:  Metadata{URL: url, Created: time.Now()},
		SessionID: uuid.NewString(),
		Ticket:    ticket,
	}
}

// headerOverhead approximates the in-memory cost of one header field when
// the caller did not supply an explicit size.
const headerOverhead = 32

// EstimateSize computes the byte size of an entry's payload, including an
// estimate for header overhead. Used when Metadata.Size is zero; the result
// becomes the recorded size so that budget accounting matches what is stored.
func EstimateSize(e Entry) int64 {
	var n int64
	switch v := e.(type) {
	case *Resource:
		n = int64(len(v.Data))
	case *Response:
		n = int64(len(v.Body))
		for _, f := range v.Headers {
			n += int64(len(f.Name)+len(f.Value)) + headerOverhead
		}
	case *Header:
		for _, f := range v.Fields {
			n += int64(len(f.Name)+len(f.Value)) + headerOverhead
		}
	case *PushPromise:
		n = int64(len(v.Referrer))
		for _, f := range v.Fields {
			n += int64(len(f.Name)+len(f.Value)) + headerOverhead
		}
	case *TransportSession:
		n = int64(len(v.Ticket) + len(v.SessionID))
	}
	return n
}

// Key builds the composite lookup key for a URL and an optional
// content-negotiation variant. The separator cannot occur in a URL.
func Key(url, variant string) string {
	if variant == "" {
		return url
	}
	return url + "\x00" + variant
}
