package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/twpayne/go-geom/encoding/geojson"
)

// layerURLRe matches a Feature Service layer URL: the service root followed
// by a numeric layer index.
var layerURLRe = regexp.MustCompile(`(?i)/featureserver/\d+/?$`)

type layerMetadata struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	GeometryType   string `json:"geometryType"`
	MaxRecordCount int    `json:"maxRecordCount"`
	Extent         struct {
		SpatialReference struct {
			WKID       int `json:"wkid"`
			LatestWKID int `json:"latestWkid"`
		} `json:"spatialReference"`
	} `json:"extent"`
	Fields []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"fields"`
}

// serviceError is how the REST API reports failures inside an HTTP 200.
type serviceError struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// client talks to one Feature Service layer endpoint.
type client struct {
	layerURL string // normalised, no trailing slash, no query
	http     *http.Client
}

func newClient(serviceURL string, httpClient *http.Client) (*client, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ArcGIS URL: %w", err)
	}
	if !layerURLRe.MatchString(u.Path) {
		return nil, fmt.Errorf("%s does not address a Feature Service layer", serviceURL)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return &client{layerURL: strings.TrimSuffix(u.String(), "/"), http: httpClient}, nil
}

func (c *client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.layerURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned HTTP %d", c.layerURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var svcErr serviceError
	if json.Unmarshal(body, &svcErr) == nil && svcErr.Error != nil {
		return nil, fmt.Errorf("service error %d: %s", svcErr.Error.Code, svcErr.Error.Message)
	}
	return body, nil
}

// layerMetadata fetches the layer description: schema, extent and paging cap.
func (c *client) layerMetadata(ctx context.Context) (*layerMetadata, error) {
	body, err := c.get(ctx, "", url.Values{"f": {"json"}})
	if err != nil {
		return nil, fmt.Errorf("layer metadata request failed: %w", err)
	}

	var meta layerMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse layer metadata: %w", err)
	}
	if meta.Name == "" && len(meta.Fields) == 0 {
		return nil, fmt.Errorf("response is not a Feature Service layer description")
	}
	return &meta, nil
}

// objectIDs fetches the layer's full id list, plus the name of the id field.
func (c *client) objectIDs(ctx context.Context) (string, []int64, error) {
	body, err := c.get(ctx, "/query", url.Values{
		"where":         {"1=1"},
		"returnIdsOnly": {"true"},
		"f":             {"json"},
	})
	if err != nil {
		return "", nil, fmt.Errorf("object id request failed: %w", err)
	}

	var result struct {
		ObjectIDFieldName string  `json:"objectIdFieldName"`
		ObjectIDs         []int64 `json:"objectIds"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", nil, fmt.Errorf("failed to parse object id response: %w", err)
	}
	if result.ObjectIDFieldName == "" {
		return "", nil, fmt.Errorf("object id response carries no objectIdFieldName")
	}
	return result.ObjectIDFieldName, result.ObjectIDs, nil
}

// queryRange fetches the features whose object id falls in [lo, hi] as
// GeoJSON, geometry reprojection left to the server's native reference.
func (c *client) queryRange(ctx context.Context, oidField string, lo, hi int64) (*geojson.FeatureCollection, error) {
	body, err := c.get(ctx, "/query", url.Values{
		"where":     {fmt.Sprintf("%s >= %d AND %s <= %d", oidField, lo, oidField, hi)},
		"outFields": {"*"},
		"f":         {"geojson"},
	})
	if err != nil {
		return nil, fmt.Errorf("feature query failed: %w", err)
	}

	var fc geojson.FeatureCollection
	if err := fc.UnmarshalJSON(body); err != nil {
		return nil, fmt.Errorf("failed to decode GeoJSON page: %w", err)
	}
	return &fc, nil
}
