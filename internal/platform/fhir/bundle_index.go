package fhir

import (
	"fmt"
	"sort"
	"strings"
)

// ResolveMethod records which rule resolved (or classified) a reference.
type ResolveMethod string

const (
	MethodFullURL   ResolveMethod = "fullUrl"
	MethodRelative  ResolveMethod = "relative"
	MethodExternal  ResolveMethod = "external"
	MethodContained ResolveMethod = "contained"
)

// IndexedEntry is one Bundle entry as seen by the index.
type IndexedEntry struct {
	Position     int
	FullURL      string
	ResourceType string
	ID           string
	Resource     map[string]interface{}
}

// BundleIndex maps fullUrl and ResourceType/id to Bundle entries. It is
// built once per Bundle validation and is read-only afterwards.
type BundleIndex struct {
	byFullURL map[string]*IndexedEntry
	byTypeID  map[string]*IndexedEntry
	entries   []*IndexedEntry
}

// ResolveResult is the outcome of resolving one reference against an index.
type ResolveResult struct {
	Resolved bool
	Resource map[string]interface{}
	Entry    *IndexedEntry
	Method   ResolveMethod
	Error    string
}

// BuildBundleIndex indexes every entry of b. When two entries share a
// fullUrl the first one wins; duplicates are reported by
// ValidateBundleStructure, not here.
func BuildBundleIndex(b *Bundle) *BundleIndex {
	idx := &BundleIndex{
		byFullURL: make(map[string]*IndexedEntry),
		byTypeID:  make(map[string]*IndexedEntry),
	}
	if b == nil {
		return idx
	}
	for i := range b.Entry {
		res := b.Entry[i].ResourceMap()
		rt, id := ResourceTypeAndID(res)
		e := &IndexedEntry{
			Position:     i,
			FullURL:      b.Entry[i].FullURL,
			ResourceType: rt,
			ID:           id,
			Resource:     res,
		}
		idx.entries = append(idx.entries, e)

		if e.FullURL != "" {
			if _, dup := idx.byFullURL[e.FullURL]; !dup {
				idx.byFullURL[e.FullURL] = e
			}
		}
		if rt != "" && id != "" {
			key := rt + "/" + id
			if _, dup := idx.byTypeID[key]; !dup {
				idx.byTypeID[key] = e
			}
		}
	}
	return idx
}

// Len returns the number of indexed entries.
func (idx *BundleIndex) Len() int { return len(idx.entries) }

// Entries returns the indexed entries in Bundle order.
func (idx *BundleIndex) Entries() []*IndexedEntry { return idx.entries }

// Resolve resolves ref against the index. Order:
//  1. exact fullUrl
//  2. ResourceType/id (history suffix ignored), or a fullUrl ending in /Type/id
//  3. absolute URL not in the Bundle: external, unresolved, not an error
//  4. "#id": contained, unresolved here (resolved against the parent resource)
func (idx *BundleIndex) Resolve(ref string) ResolveResult {
	if ref == "" {
		return ResolveResult{Method: MethodRelative, Error: "empty reference"}
	}

	if e, ok := idx.byFullURL[ref]; ok {
		return ResolveResult{Resolved: true, Resource: e.Resource, Entry: e, Method: MethodFullURL}
	}

	parsed := ParseReference(ref)
	switch parsed.Kind {
	case RefContained:
		return ResolveResult{Method: MethodContained}

	case RefRelative:
		if e, ok := idx.byTypeID[parsed.TypeID()]; ok {
			return ResolveResult{Resolved: true, Resource: e.Resource, Entry: e, Method: MethodRelative}
		}
		if e := idx.matchFullURLSuffix(parsed.TypeID()); e != nil {
			return ResolveResult{Resolved: true, Resource: e.Resource, Entry: e, Method: MethodRelative}
		}
		return ResolveResult{
			Method: MethodRelative,
			Error:  fmt.Sprintf("reference %s not found in bundle", ref),
		}

	case RefAbsolute:
		return ResolveResult{Method: MethodExternal}

	case RefURN:
		return ResolveResult{
			Method: MethodFullURL,
			Error:  fmt.Sprintf("reference %s does not match any entry fullUrl", ref),
		}
	}

	return ResolveResult{
		Method: MethodRelative,
		Error:  fmt.Sprintf("reference %q is not a valid literal reference", ref),
	}
}

func (idx *BundleIndex) matchFullURLSuffix(typeID string) *IndexedEntry {
	suffix := "/" + typeID
	for _, e := range idx.entries {
		if e.FullURL != "" && strings.HasSuffix(e.FullURL, suffix) {
			return e
		}
	}
	return nil
}

// Resolve builds a throwaway index for b and resolves ref against it.
func Resolve(ref string, b *Bundle) ResolveResult {
	return BuildBundleIndex(b).Resolve(ref)
}

// ValidateBundleStructure runs the Bundle-level checks that do not depend
// on individual references.
func ValidateBundleStructure(b *Bundle) []Issue {
	var issues []Issue
	if b == nil {
		return issues
	}

	seen := make(map[string]int)
	for i, entry := range b.Entry {
		if entry.FullURL == "" {
			continue
		}
		if first, dup := seen[entry.FullURL]; dup {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     IssueTypeDuplicate,
				Path:     fmt.Sprintf("Bundle.entry[%d].fullUrl", i),
				Message:  fmt.Sprintf("duplicate fullUrl %s (first used by entry[%d])", entry.FullURL, first),
			})
			continue
		}
		seen[entry.FullURL] = i
	}

	if b.IsTransactional() {
		for i, entry := range b.Entry {
			issues = append(issues, validateEntryRequest(entry, i)...)
		}
	}

	for i, entry := range b.Entry {
		if entry.FullURL == "" {
			continue
		}
		if is, ok := checkFullURLIdentity(entry, i); ok {
			issues = append(issues, is)
		}
	}

	return issues
}

func validateEntryRequest(entry BundleEntry, index int) []Issue {
	base := fmt.Sprintf("Bundle.entry[%d].request", index)
	if entry.Request == nil {
		return []Issue{{
			Severity: SeverityError,
			Code:     IssueTypeRequired,
			Path:     base,
			Message:  fmt.Sprintf("entry[%d].request is required for transaction/batch bundles", index),
		}}
	}

	var issues []Issue
	method := strings.ToUpper(entry.Request.Method)
	switch method {
	case "":
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeRequired,
			Path:     base + ".method",
			Message:  fmt.Sprintf("entry[%d].request.method is required", index),
		})
	case "GET", "HEAD", "POST", "PUT", "PATCH", "DELETE":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeValue,
			Path:     base + ".method",
			Message:  fmt.Sprintf("entry[%d].request.method %q is not a valid HTTP verb", index, entry.Request.Method),
		})
	}

	if entry.Request.URL == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     IssueTypeRequired,
			Path:     base + ".url",
			Message:  fmt.Sprintf("entry[%d].request.url is required", index),
		})
	}
	return issues
}

// checkFullURLIdentity compares the Type/id embedded in a RESTful fullUrl
// against the entry's resource. urn: fullUrls carry no identity and pass.
func checkFullURLIdentity(entry BundleEntry, index int) (Issue, bool) {
	parsed := ParseReference(entry.FullURL)
	if parsed.Kind != RefAbsolute || parsed.ResourceType == "" {
		return Issue{}, false
	}
	rt, id := ResourceTypeAndID(entry.ResourceMap())
	if rt == "" {
		return Issue{}, false
	}
	if parsed.ResourceType == rt && (id == "" || parsed.ID == id) {
		return Issue{}, false
	}
	return Issue{
		Severity: SeverityWarning,
		Code:     IssueTypeInvariant,
		Path:     fmt.Sprintf("Bundle.entry[%d].fullUrl", index),
		Message: fmt.Sprintf("fullUrl %s does not match resource %s/%s",
			entry.FullURL, rt, id),
	}, true
}

// BundleReferenceOutcome is the resolution of one reference found inside a Bundle entry.
type BundleReferenceOutcome struct {
	EntryIndex int
	Path       string
	Reference  string
	Result     ResolveResult
}

// ResolveBundleReferences resolves every reference in every entry of b.
// Contained references are resolved against their parent resource.
func ResolveBundleReferences(b *Bundle) []BundleReferenceOutcome {
	idx := BuildBundleIndex(b)
	var out []BundleReferenceOutcome
	for _, e := range idx.entries {
		if e.Resource == nil {
			continue
		}
		refs := CollectReferences(e.Resource)
		sort.SliceStable(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
		for _, r := range refs {
			res := idx.Resolve(r.Reference)
			if res.Method == MethodContained {
				if c, ok := FindContained(e.Resource, strings.TrimPrefix(r.Reference, "#")); ok {
					res.Resolved = true
					res.Resource = c
				} else {
					res.Error = fmt.Sprintf("contained resource %s not found", r.Reference)
				}
			}
			out = append(out, BundleReferenceOutcome{
				EntryIndex: e.Position,
				Path:       fmt.Sprintf("Bundle.entry[%d].resource.%s", e.Position, trimRootType(r.Path)),
				Reference:  r.Reference,
				Result:     res,
			})
		}
	}
	return out
}

func trimRootType(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}
