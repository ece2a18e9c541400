package cache

import (
	"net/http"
	"net/url"
	"strings"

	"pkt.systems/leasewire/internal/txstore"
)

// Key identifies a cached request. Stored keys keep every request header;
// only the ones named by the response Vary header take part in matching.
type Key struct {
	Method string      `cbor:"method" json:"method"`
	URL    string      `cbor:"url" json:"url"`
	Header http.Header `cbor:"header,omitempty" json:"header,omitempty"`
}

// Meta is the stored response without its body.
type Meta struct {
	Status     int         `cbor:"status" json:"status"`
	StatusText string      `cbor:"status_text,omitempty" json:"status_text,omitempty"`
	Header     http.Header `cbor:"header,omitempty" json:"header,omitempty"`
}

// MatchOptions relax request matching.
type MatchOptions = txstore.MatchOptions

// KeyFor builds the key of req. The fragment is dropped.
func KeyFor(req *http.Request) Key {
	k := Key{Method: strings.ToUpper(req.Method), Header: canonicalHeader(req.Header)}
	if k.Method == "" {
		k.Method = http.MethodGet
	}
	if req.URL != nil {
		u := *req.URL
		u.Fragment, u.RawFragment = "", ""
		k.URL = u.String()
	}
	return k
}

func canonicalHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	out := make(http.Header, len(h))
	for name, values := range h {
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

// varyFields lists the header names of a Vary response header.
func varyFields(h http.Header) []string {
	var fields []string
	for _, line := range h.Values("Vary") {
		for _, f := range strings.Split(line, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}
	return fields
}

func hasVaryStar(h http.Header) bool {
	for _, f := range varyFields(h) {
		if f == "*" {
			return true
		}
	}
	return false
}

// normalizedURL drops the fragment, and the query with ignoreSearch.
func normalizedURL(raw string, ignoreSearch bool) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	u.Fragment, u.RawFragment = "", ""
	if ignoreSearch {
		u.RawQuery, u.ForceQuery = "", false
	}
	return u.String(), true
}

// matchEntry reports whether stored entry e answers query.
func matchEntry(e txstore.Entry[Key, Meta], query Key, opts MatchOptions) bool {
	if !opts.IgnoreMethod && query.Method != http.MethodGet && query.Method != "" {
		return false
	}
	stored, ok := normalizedURL(e.Key.URL, opts.IgnoreSearch)
	if !ok {
		return false
	}
	wanted, ok := normalizedURL(query.URL, opts.IgnoreSearch)
	if !ok || stored != wanted {
		return false
	}
	if opts.IgnoreVary {
		return true
	}
	for _, name := range varyFields(e.Value.Header) {
		if name == "*" {
			return false
		}
		if headerValue(e.Key.Header, name) != headerValue(query.Header, name) {
			return false
		}
	}
	return true
}

func headerValue(h http.Header, name string) string {
	return strings.Join(h.Values(name), ", ")
}
