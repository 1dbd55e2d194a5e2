// Package atmodel holds the data model shared across the view server: resource
// references, the Expression/Query AST, deploy manifests, and the error taxonomy.
package atmodel

import "fmt"

// ResourceRef identifies any record or resource by the authority that owns it and
// the content hash of its current body. Equality is structural.
type ResourceRef struct {
	AuthorityID string `json:"authorityId"`
	ContentHash string `json:"contentHash"`
}

// Key returns the canonical textual form "authorityId:contentHash", used as the
// map key into every deploy-scoped structure.
func (r ResourceRef) Key() string {
	return r.AuthorityID + ":" + r.ContentHash
}

func (r ResourceRef) String() string {
	return r.Key()
}

// ParseResourceRef parses the canonical "authorityId:contentHash" form back into
// a ResourceRef. Splits on the last colon since authorityId (a DID) may itself
// contain colons but contentHash does not.
func ParseResourceRef(key string) (ResourceRef, error) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return ResourceRef{AuthorityID: key[:i], ContentHash: key[i+1:]}, nil
		}
	}
	return ResourceRef{}, fmt.Errorf("atmodel: malformed resource ref %q", key)
}
