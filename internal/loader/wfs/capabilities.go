package wfs

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// vendor is the detected WFS server implementation. Servers disagree on
// paging and output formats, so the loader adapts per vendor.
type vendor int

const (
	vendorUnknown vendor = iota
	vendorGeoServer
	vendorMapServer
	vendorArcGIS
)

func (v vendor) String() string {
	switch v {
	case vendorGeoServer:
		return "geoserver"
	case vendorMapServer:
		return "mapserver"
	case vendorArcGIS:
		return "arcgis"
	default:
		return "unknown"
	}
}

// capabilities is what the loader needs from a GetCapabilities response.
type capabilities struct {
	Vendor        vendor
	TypeNames     []string
	DefaultCRS    map[string]string // typename -> CRS/SRS string
	OutputFormats []string
}

type capabilitiesDoc struct {
	XMLName      xml.Name `xml:"WFS_Capabilities"`
	FeatureTypes []struct {
		Name       string `xml:"Name"`
		DefaultSRS string `xml:"DefaultSRS"`
		DefaultCRS string `xml:"DefaultCRS"`
	} `xml:"FeatureTypeList>FeatureType"`
	Operations []struct {
		Name       string `xml:"name,attr"`
		Parameters []struct {
			Name   string   `xml:"name,attr"`
			Values []string `xml:"Value"`
			// WFS 2.0 nests values one level deeper.
			AllowedValues []string `xml:"AllowedValues>Value"`
		} `xml:"Parameter"`
	} `xml:"OperationsMetadata>Operation"`
}

// property is one attribute of the feature schema, in document order.
type property struct {
	Name string
	Type string
}

type describeDoc struct {
	Elements []struct {
		Name string `xml:"name,attr"`
		Type string `xml:"type,attr"`
	} `xml:"complexType>complexContent>extension>sequence>element"`
}

// client wraps the WFS HTTP conversation for one service endpoint.
type client struct {
	base string // service endpoint without query parameters
	http *http.Client
}

func newClient(serviceURL string, httpClient *http.Client) (*client, string, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid WFS URL: %w", err)
	}
	typeName := u.Query().Get("typeName")
	if typeName == "" {
		typeName = u.Query().Get("typename")
	}
	if typeName == "" {
		return nil, "", fmt.Errorf("WFS URL %s carries no typeName parameter", serviceURL)
	}

	u.RawQuery = ""
	u.Fragment = ""
	return &client{base: u.String(), http: httpClient}, typeName, nil
}

func (c *client) get(ctx context.Context, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned HTTP %d", c.base, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// getCapabilities probes the service with WFS 1.1.0 and detects the vendor
// from the capabilities document.
func (c *client) getCapabilities(ctx context.Context) (*capabilities, error) {
	body, err := c.get(ctx, url.Values{
		"service": {"WFS"},
		"version": {"1.1.0"},
		"request": {"GetCapabilities"},
	})
	if err != nil {
		return nil, fmt.Errorf("GetCapabilities failed: %w", err)
	}

	var doc capabilitiesDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse capabilities: %w", err)
	}

	caps := &capabilities{
		Vendor:     detectVendor(body),
		DefaultCRS: make(map[string]string),
	}
	for _, ft := range doc.FeatureTypes {
		caps.TypeNames = append(caps.TypeNames, ft.Name)
		crs := ft.DefaultCRS
		if crs == "" {
			crs = ft.DefaultSRS
		}
		caps.DefaultCRS[ft.Name] = crs
	}
	for _, op := range doc.Operations {
		if op.Name != "GetFeature" {
			continue
		}
		for _, p := range op.Parameters {
			if p.Name != "outputFormat" {
				continue
			}
			caps.OutputFormats = append(caps.OutputFormats, p.Values...)
			caps.OutputFormats = append(caps.OutputFormats, p.AllowedValues...)
		}
	}
	return caps, nil
}

func detectVendor(body []byte) vendor {
	doc := strings.ToLower(string(body))
	switch {
	case strings.Contains(doc, "geoserver"):
		return vendorGeoServer
	case strings.Contains(doc, "mapserver"):
		return vendorMapServer
	case strings.Contains(doc, "esri") || strings.Contains(doc, "arcgis"):
		return vendorArcGIS
	default:
		return vendorUnknown
	}
}

// hasTypeName checks the requested layer against the advertised feature
// types, accepting a namespace-stripped match.
func (caps *capabilities) hasTypeName(typeName string) (string, bool) {
	for _, name := range caps.TypeNames {
		if name == typeName || stripNamespace(name) == stripNamespace(typeName) {
			return name, true
		}
	}
	return "", false
}

func stripNamespace(name string) string {
	if i := strings.LastIndex(name, ":"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// describeFeatureType returns the layer's properties in document order.
func (c *client) describeFeatureType(ctx context.Context, version, typeName string) ([]property, error) {
	body, err := c.get(ctx, url.Values{
		"service":  {"WFS"},
		"version":  {version},
		"request":  {"DescribeFeatureType"},
		"typeName": {typeName},
	})
	if err != nil {
		return nil, fmt.Errorf("DescribeFeatureType failed: %w", err)
	}

	var doc describeDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse feature schema: %w", err)
	}
	if len(doc.Elements) == 0 {
		return nil, fmt.Errorf("feature schema for %s has no properties", typeName)
	}

	props := make([]property, 0, len(doc.Elements))
	for _, el := range doc.Elements {
		props = append(props, property{Name: el.Name, Type: el.Type})
	}
	return props, nil
}

// featureCount issues a resultType=hits request and parses whichever count
// attribute the server chose to emit.
func (c *client) featureCount(ctx context.Context, version, typeName string) (int, error) {
	body, err := c.get(ctx, url.Values{
		"service":    {"WFS"},
		"version":    {version},
		"request":    {"GetFeature"},
		"typeName":   {typeName},
		"resultType": {"hits"},
	})
	if err != nil {
		return 0, fmt.Errorf("hits request failed: %w", err)
	}

	decoder := xml.NewDecoder(strings.NewReader(string(body)))
	for {
		tok, err := decoder.Token()
		if err != nil {
			return 0, fmt.Errorf("failed to parse hits response: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "numberOfFeatures", "numberMatched", "numberReturned":
				if n, err := strconv.Atoi(attr.Value); err == nil && n >= 0 {
					return n, nil
				}
			}
		}
		return 0, fmt.Errorf("hits response carries no usable feature count")
	}
}

// isNumericType reports whether an XSD property type holds numbers.
func isNumericType(xsdType string) bool {
	switch stripNamespace(strings.ToLower(xsdType)) {
	case "int", "integer", "long", "short", "byte", "decimal", "double", "float",
		"nonnegativeinteger", "positiveinteger", "unsignedlong", "unsignedint":
		return true
	}
	return false
}

// isStringType reports whether an XSD property type holds text.
func isStringType(xsdType string) bool {
	return stripNamespace(strings.ToLower(xsdType)) == "string"
}

// isGeometryType reports whether a property is the geometry column.
func isGeometryType(xsdType string) bool {
	return strings.HasPrefix(strings.ToLower(xsdType), "gml:")
}

// sqlType maps an XSD property type to the PostGIS column type.
func sqlType(xsdType string) string {
	switch stripNamespace(strings.ToLower(xsdType)) {
	case "int", "integer", "long", "short", "byte", "nonnegativeinteger",
		"positiveinteger", "unsignedlong", "unsignedint":
		return "bigint"
	case "decimal", "double", "float":
		return "double precision"
	case "boolean":
		return "boolean"
	case "date", "datetime":
		return "timestamptz"
	default:
		return "text"
	}
}

// parseSRID extracts the EPSG code from a CRS/SRS URN such as
// urn:ogc:def:crs:EPSG::4326 or EPSG:4326. Unknown forms default to 4326.
func parseSRID(crs string) int {
	if crs == "" {
		return 4326
	}
	parts := strings.FieldsFunc(crs, func(r rune) bool { return r == ':' || r == '#' || r == '/' })
	for i := len(parts) - 1; i >= 0; i-- {
		if n, err := strconv.Atoi(parts[i]); err == nil && n > 0 {
			return n
		}
	}
	return 4326
}
