// Package provider implements the upstream request pipeline: request
// construction per provider, header/cookie/proxy injection, and
// envelope validation of the responses.
package provider

import (
	"encoding/json"
	"net/url"
)

// Request describes one upstream HTTP request, fully built except for the
// cookie and proxy which the executor injects per task.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Query   url.Values
	Body    []byte
	Cookie  string
	Proxy   string
}

// Response is the validated provider envelope. Data is the raw provider
// payload; the worker forwards it without parsing into a domain schema.
type Response struct {
	StatusCode   int
	Data         json.RawMessage
	RecordsCount int
}

// Validator interprets a provider's 2xx body into the common envelope.
// Implementations return a CrawlError with kind provider_error when the
// provider signals failure inside a successful HTTP response.
type Validator interface {
	Validate(body []byte) (data json.RawMessage, count int, err error)
}
