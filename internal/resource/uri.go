// ABOUTME: Resource URI grammar for deepr://{type}/{id}/{subresource} addresses
// ABOUTME: Parses, validates and formats URIs used by subscriptions and reads

package resource

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Scheme is the URI scheme for every deepr resource.
const Scheme = "deepr"

// ErrInvalidURI is returned when a URI or one of its parts fails validation.
var ErrInvalidURI = errors.New("invalid resource URI")

// Type is the top-level resource collection.
type Type string

const (
	TypeCampaigns Type = "campaigns"
	TypeExperts   Type = "experts"
	TypeReports   Type = "reports"
	TypeLogs      Type = "logs"
)

// Types lists every resource type in listing order.
var Types = []Type{TypeCampaigns, TypeExperts, TypeReports, TypeLogs}

// subresources maps each type to the subresources it exposes.
var subresources = map[Type][]string{
	TypeCampaigns: {"status", "plan", "beliefs"},
	TypeExperts:   {"profile", "beliefs", "gaps"},
	TypeReports:   {"final.md", "summary.json"},
	TypeLogs:      {"search_trace.json", "decisions.md"},
}

var (
	uriPattern  = regexp.MustCompile(`^deepr://(campaigns|experts|reports|logs)/([A-Za-z0-9_-]+)/([A-Za-z0-9_.]+)$`)
	basePattern = regexp.MustCompile(`^deepr://(campaigns|experts|reports|logs)/([A-Za-z0-9_-]+)$`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	subPattern  = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)
)

// URI is an immutable parsed resource address.
type URI struct {
	Type        Type
	ID          string
	Subresource string
}

// Parse matches uri against the resource grammar. It returns false for any
// malformed input and never panics.
func Parse(uri string) (URI, bool) {
	m := uriPattern.FindStringSubmatch(uri)
	if m == nil {
		return URI{}, false
	}
	return URI{Type: Type(m[1]), ID: m[2], Subresource: m[3]}, true
}

// ParseBase parses a base URI of the form deepr://{type}/{id}.
// The returned URI has an empty Subresource.
func ParseBase(base string) (URI, bool) {
	m := basePattern.FindStringSubmatch(base)
	if m == nil {
		return URI{}, false
	}
	return URI{Type: Type(m[1]), ID: m[2]}, true
}

// New builds a URI from its parts, validating each against the grammar.
func New(t Type, id, subresource string) (URI, error) {
	if !ValidType(t) {
		return URI{}, fmt.Errorf("%w: unknown type %q", ErrInvalidURI, t)
	}
	if !idPattern.MatchString(id) {
		return URI{}, fmt.Errorf("%w: bad id %q", ErrInvalidURI, id)
	}
	if !subPattern.MatchString(subresource) {
		return URI{}, fmt.Errorf("%w: bad subresource %q", ErrInvalidURI, subresource)
	}
	return URI{Type: t, ID: id, Subresource: subresource}, nil
}

// MustNew is New for compile-time constant parts. It panics on invalid input.
func MustNew(t Type, id, subresource string) URI {
	u, err := New(t, id, subresource)
	if err != nil {
		panic(err)
	}
	return u
}

// String returns the canonical form deepr://type/id/subresource.
func (u URI) String() string {
	if u.Subresource == "" {
		return u.BaseURI()
	}
	return u.BaseURI() + "/" + u.Subresource
}

// BaseURI returns deepr://type/id, omitting the subresource.
func (u URI) BaseURI() string {
	return Scheme + "://" + string(u.Type) + "/" + u.ID
}

// IsBase reports whether u addresses an entity rather than a subresource.
func (u URI) IsBase() bool {
	return u.Subresource == ""
}

// Known reports whether the subresource is one the type actually exposes.
// Parse accepts any well-formed subresource; readers use Known to reject the
// rest.
func (u URI) Known() bool {
	return ValidSubresource(u.Type, u.Subresource)
}

// ValidType reports whether t is one of the fixed resource types.
func ValidType(t Type) bool {
	_, ok := subresources[t]
	return ok
}

// ValidID reports whether id matches the identifier character class.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidSubresource reports whether (t, sub) is a supported pair.
func ValidSubresource(t Type, sub string) bool {
	for _, s := range subresources[t] {
		if s == sub {
			return true
		}
	}
	return false
}

// Subresources returns the subresources exposed by t.
func Subresources(t Type) []string {
	subs := subresources[t]
	out := make([]string, len(subs))
	copy(out, subs)
	return out
}

// CampaignURI is shorthand for deepr://campaigns/{jobID}/{sub}.
func CampaignURI(jobID, sub string) string {
	return Scheme + "://" + string(TypeCampaigns) + "/" + jobID + "/" + sub
}

// BaseOf returns the base URI of a full or base URI string. Wildcard
// suffixes ("/*") are stripped. It returns false if the input is malformed.
func BaseOf(uri string) (string, bool) {
	uri = strings.TrimSuffix(uri, "/*")
	if u, ok := Parse(uri); ok {
		return u.BaseURI(), true
	}
	if u, ok := ParseBase(uri); ok {
		return u.BaseURI(), true
	}
	return "", false
}
