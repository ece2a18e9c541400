package cache

import (
	"fmt"
	"net/http"
	"net/url"

	"pkt.systems/leasewire/api"
	"pkt.systems/leasewire/internal/txstore"
)

func validateRequestURL(op, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &api.ValidationError{Op: op, Reason: fmt.Sprintf("invalid url: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &api.ValidationError{Op: op, Reason: fmt.Sprintf("url scheme %q is not http or https", u.Scheme)}
	}
	return nil
}

// validateOp enforces the request and response rules of the cache.
func validateOp(op txstore.Op[Key, Meta]) error {
	switch o := op.(type) {
	case txstore.Put[Key, Meta]:
		if err := validateRequestURL("cache.put", o.Key.URL); err != nil {
			return err
		}
		if o.Key.Method != http.MethodGet {
			return &api.ValidationError{Op: "cache.put", Reason: fmt.Sprintf("request method %s is not GET", o.Key.Method)}
		}
		if o.Value.Status == http.StatusPartialContent {
			return &api.ValidationError{Op: "cache.put", Reason: "partial (206) responses cannot be cached"}
		}
		if hasVaryStar(o.Value.Header) {
			return &api.ValidationError{Op: "cache.put", Reason: "responses with Vary: * cannot be cached"}
		}
	case txstore.Delete[Key, Meta]:
		if _, err := url.Parse(o.Key.URL); err != nil {
			return &api.ValidationError{Op: "cache.delete", Reason: fmt.Sprintf("invalid url: %v", err)}
		}
	}
	return nil
}
