// Package hal builds HAL-JSON documents: resource state plus _links and
// optional _embedded relations.
package hal

import (
	"encoding/json"
	"net/http"
)

// ContentType is the media type for HAL documents.
const ContentType = "application/hal+json"

// Link is a single link relation target.
type Link struct {
	Href      string `json:"href"`
	Templated bool   `json:"templated,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Resource is a HAL document under construction. Link relations and
// embedded resources live beside the state fields; map marshalling keeps
// the output key order stable.
type Resource map[string]any

// New returns an empty resource.
func New() Resource {
	return Resource{}
}

// Self sets the self link.
func (r Resource) Self(href string) Resource {
	return r.Link("self", href)
}

// Link adds a link relation.
func (r Resource) Link(rel, href string) Resource {
	r.links()[rel] = Link{Href: href}
	return r
}

// LinkTemplated adds a templated link relation.
func (r Resource) LinkTemplated(rel, href string) Resource {
	r.links()[rel] = Link{Href: href, Templated: true}
	return r
}

// Field sets a state field.
func (r Resource) Field(name string, value any) Resource {
	r[name] = value
	return r
}

// Embed attaches an embedded resource under the given relation.
func (r Resource) Embed(rel string, value any) Resource {
	embedded, ok := r["_embedded"].(map[string]any)
	if !ok {
		embedded = map[string]any{}
		r["_embedded"] = embedded
	}
	embedded[rel] = value
	return r
}

func (r Resource) links() map[string]Link {
	links, ok := r["_links"].(map[string]Link)
	if !ok {
		links = map[string]Link{}
		r["_links"] = links
	}
	return links
}

// Write renders the resource with the HAL media type.
func Write(w http.ResponseWriter, status int, r Resource) error {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(r)
}
