package rewrite

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tableNameRe = regexp.MustCompile(`^[a-f][0-9a-f]{31}$`)

func TestTableNameIsValidIdentifier(t *testing.T) {
	h := NewHasher("test-secret")

	urls := []string{
		"https://example.com/geoserver/wfs?typeName=topp:states",
		"https://example.com/arcgis/rest/services/Roads/FeatureServer/0",
		"https://example.com/wcs?coverageId=elevation",
		"http://localhost:8080/wfs?typeName=a",
		"https://data.example.org/wcs?coverage=dem&x=1",
	}

	for _, url := range urls {
		name := h.TableName(url)
		assert.Regexp(t, tableNameRe, name, "table name for %s must start with a letter", url)
	}
}

func TestTableNameDeterministic(t *testing.T) {
	h := NewHasher("test-secret")
	url := "https://example.com/wfs?typeName=topp:states"

	require.Equal(t, h.TableName(url), h.TableName(url))
}

func TestTableNameDependsOnSecret(t *testing.T) {
	url := "https://example.com/wfs?typeName=topp:states"

	a := NewHasher("secret-a").TableName(url)
	b := NewHasher("secret-b").TableName(url)
	assert.NotEqual(t, a, b)
}

func TestTableNameDependsOnURL(t *testing.T) {
	h := NewHasher("test-secret")

	a := h.TableName("https://example.com/wfs?typeName=roads")
	b := h.TableName("https://example.com/wfs?typeName=rivers")
	assert.NotEqual(t, a, b)
}

func TestIsValidURL(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"https://example.com/wfs?typeName=x", true},
		{"http://localhost:8080/path", true},
		{"ftp://files.example.com/raster.tif", true},
		{"users", false},
		{"public.users", false},
		{"", false},
		{"example.com/wfs", false}, // no scheme
		{"https://", false},        // no host
		{"/absolute/path", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.valid, IsValidURL(tt.input), "IsValidURL(%q)", tt.input)
	}
}
