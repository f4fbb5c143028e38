package upstream

import (
	"net/url"
	"strconv"
	"strings"
)

// systemCollections live at the API root instead of under /items.
var systemCollections = map[string]bool{
	"users":     true,
	"roles":     true,
	"files":     true,
	"activity":  true,
	"revisions": true,
}

// Request describes one upstream call. Either Path is set explicitly or it
// is derived from Collection and ID.
type Request struct {
	Method     string
	Path       string
	Collection string
	ID         string
	Fields     []string
	Filter     string // JSON filter object
	Sort       []string
	Limit      int
	Query      url.Values
	Body       any
}

// ResolvedPath returns the URL path the request targets.
func (r Request) ResolvedPath() string {
	if r.Path != "" {
		return r.Path
	}
	var p string
	if systemCollections[r.Collection] {
		p = "/" + r.Collection
	} else {
		p = "/items/" + url.PathEscape(r.Collection)
	}
	if r.ID != "" {
		p += "/" + url.PathEscape(r.ID)
	}
	return p
}

// Values returns the query string parameters of the request.
func (r Request) Values() url.Values {
	v := url.Values{}
	for k, vals := range r.Query {
		v[k] = append([]string(nil), vals...)
	}
	if len(r.Fields) > 0 {
		v.Set("fields", strings.Join(r.Fields, ","))
	}
	if r.Filter != "" {
		v.Set("filter", r.Filter)
	}
	if len(r.Sort) > 0 {
		v.Set("sort", strings.Join(r.Sort, ","))
	}
	if r.Limit != 0 {
		v.Set("limit", strconv.Itoa(r.Limit))
	}
	return v
}

func (r Request) method() string {
	if r.Method == "" {
		return "GET"
	}
	return r.Method
}

// String renders the request for logs, without the query string.
func (r Request) String() string {
	return r.method() + " " + r.ResolvedPath()
}
