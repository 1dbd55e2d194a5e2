package atmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceRefKey(t *testing.T) {
	ref := ResourceRef{AuthorityID: "did:web:example.com", ContentHash: "bafy123"}
	assert.Equal(t, "did:web:example.com:bafy123", ref.Key())
	assert.Equal(t, ref.Key(), ref.String())
}

func TestParseResourceRefRoundTrip(t *testing.T) {
	ref := ResourceRef{AuthorityID: "did:web:example.com", ContentHash: "bafy123"}
	parsed, err := ParseResourceRef(ref.Key())
	require.NoError(t, err)
	assert.Equal(t, ref, parsed)
}

func TestParseResourceRefSplitsOnLastColon(t *testing.T) {
	// A did:plc authority doesn't contain colons, but did:web ones can when
	// they encode a port, so the parser must split on the *last* colon.
	parsed, err := ParseResourceRef("did:web:example.com:8080:bafy123")
	require.NoError(t, err)
	assert.Equal(t, "did:web:example.com:8080", parsed.AuthorityID)
	assert.Equal(t, "bafy123", parsed.ContentHash)
}

func TestParseResourceRefMalformed(t *testing.T) {
	_, err := ParseResourceRef("no-colon-here")
	assert.Error(t, err)
}
