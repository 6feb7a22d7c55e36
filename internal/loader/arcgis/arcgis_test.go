package arcgis

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geomediator/geomediator/internal/loader"
)

const roadsMetadata = `{
  "name": "Roads",
  "type": "Feature Layer",
  "geometryType": "esriGeometryPolyline",
  "maxRecordCount": 1000,
  "extent": {"spatialReference": {"wkid": 102100, "latestWkid": 3857}},
  "fields": [
    {"name": "OBJECTID", "type": "esriFieldTypeOID"},
    {"name": "NAME", "type": "esriFieldTypeString"},
    {"name": "LENGTH_KM", "type": "esriFieldTypeDouble"},
    {"name": "UPDATED", "type": "esriFieldTypeDate"},
    {"name": "SHAPE", "type": "esriFieldTypeGeometry"}
  ]
}`

const objectIDsResponse = `{"objectIdFieldName": "OBJECTID", "objectIds": [9, 3, 1, 12, 7]}`

const pageResponse = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [10.0, 59.0]},
     "properties": {"OBJECTID": 1, "NAME": "E6"}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [11.0, 60.0]},
     "properties": {"OBJECTID": 3, "NAME": "E18"}}
  ]
}`

func arcgisTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/services/Roads/FeatureServer/0", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(roadsMetadata))
	})
	mux.HandleFunc("/rest/services/Roads/FeatureServer/0/query", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("returnIdsOnly") == "true" {
			w.Write([]byte(objectIDsResponse))
			return
		}
		w.Write([]byte(pageResponse))
	})
	return httptest.NewServer(mux)
}

func TestNewClientURLValidation(t *testing.T) {
	_, err := newClient("https://example.com/rest/services/Roads/FeatureServer/0", http.DefaultClient)
	assert.NoError(t, err)

	_, err = newClient("https://example.com/rest/services/Roads/FeatureServer/0/", http.DefaultClient)
	assert.NoError(t, err, "trailing slash is tolerated")

	_, err = newClient("https://example.com/rest/services/Roads/FeatureServer", http.DefaultClient)
	assert.Error(t, err, "service root without a layer index is rejected")

	_, err = newClient("https://example.com/rest/services/Roads/MapServer/0", http.DefaultClient)
	assert.Error(t, err)
}

func TestLayerMetadata(t *testing.T) {
	server := arcgisTestServer(t)
	defer server.Close()

	c, err := newClient(server.URL+"/rest/services/Roads/FeatureServer/0", server.Client())
	require.NoError(t, err)

	meta, err := c.layerMetadata(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Roads", meta.Name)
	assert.Equal(t, "Feature Layer", meta.Type)
	assert.Equal(t, 1000, meta.MaxRecordCount)
	assert.Equal(t, 3857, meta.Extent.SpatialReference.LatestWKID)
	assert.Len(t, meta.Fields, 5)
}

func TestObjectIDs(t *testing.T) {
	server := arcgisTestServer(t)
	defer server.Close()

	c, err := newClient(server.URL+"/rest/services/Roads/FeatureServer/0", server.Client())
	require.NoError(t, err)

	field, ids, err := c.objectIDs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "OBJECTID", field)
	assert.Equal(t, []int64{9, 3, 1, 12, 7}, ids)
}

func TestQueryRange(t *testing.T) {
	server := arcgisTestServer(t)
	defer server.Close()

	c, err := newClient(server.URL+"/rest/services/Roads/FeatureServer/0", server.Client())
	require.NoError(t, err)

	fc, err := c.queryRange(context.Background(), "OBJECTID", 1, 3)
	require.NoError(t, err)

	require.Len(t, fc.Features, 2)
	assert.Equal(t, "E6", fc.Features[0].Properties["NAME"])
	assert.NotNil(t, fc.Features[0].Geometry)
}

func TestServiceErrorInHTTP200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"code": 400, "message": "Invalid layer"}}`))
	}))
	defer server.Close()

	c, err := newClient(server.URL+"/rest/services/Roads/FeatureServer/0", server.Client())
	require.NoError(t, err)

	_, err = c.layerMetadata(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid layer")
}

type statusRecorder struct {
	saved   []string
	errored []string
	dropped []string
}

func (r *statusRecorder) SetSaved(ctx context.Context, url string) error {
	r.saved = append(r.saved, url)
	return nil
}

func (r *statusRecorder) SetError(ctx context.Context, url, notes string) {
	r.errored = append(r.errored, url)
}

func (r *statusRecorder) DropTable(ctx context.Context, tableName string) {
	r.dropped = append(r.dropped, tableName)
}

func (r *statusRecorder) IsLoading(ctx context.Context, url string) (bool, error) {
	return false, nil
}

func TestLoadFailureKeepsTable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	rec := &statusRecorder{}
	deps := loader.Deps{Status: rec, HTTP: server.Client()}
	serviceURL := server.URL + "/rest/services/Roads/FeatureServer/0"
	l := New(deps, loader.Target{URL: serviceURL, TableName: "md_abc"})

	err := l.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{serviceURL}, rec.errored)
	assert.Empty(t, rec.dropped, "a failed load must not remove the table")
	assert.Empty(t, rec.saved)
}

func TestPartition(t *testing.T) {
	sorted := []int64{1, 3, 7, 9, 12, 15, 20}

	ranges := partition(sorted, 3)
	require.Len(t, ranges, 3)
	assert.Equal(t, idRange{Lo: 1, Hi: 7, Count: 3}, ranges[0])
	assert.Equal(t, idRange{Lo: 9, Hi: 15, Count: 3}, ranges[1])
	assert.Equal(t, idRange{Lo: 20, Hi: 20, Count: 1}, ranges[2])
}

func TestPartitionSinglePage(t *testing.T) {
	ranges := partition([]int64{5, 6}, 100)
	require.Len(t, ranges, 1)
	assert.Equal(t, idRange{Lo: 5, Hi: 6, Count: 2}, ranges[0])
}

func TestSQLTypeForField(t *testing.T) {
	tests := []struct {
		esriType string
		want     string
		kept     bool
	}{
		{"esriFieldTypeOID", "bigint", true},
		{"esriFieldTypeInteger", "bigint", true},
		{"esriFieldTypeSmallInteger", "bigint", true},
		{"esriFieldTypeDouble", "double precision", true},
		{"esriFieldTypeString", "text", true},
		{"esriFieldTypeDate", "timestamptz", true},
		{"esriFieldTypeGlobalID", "text", true},
		{"esriFieldTypeGeometry", "", false},
		{"esriFieldTypeBlob", "", false},
	}

	for _, tt := range tests {
		got, kept := sqlTypeForField(tt.esriType)
		assert.Equal(t, tt.kept, kept, tt.esriType)
		assert.Equal(t, tt.want, got, tt.esriType)
	}
}
