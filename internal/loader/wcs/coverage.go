package wcs

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// client talks to one coverage endpoint, plain WCS or an Image Service's
// WCSServer facade.
type client struct {
	base         string // WCS endpoint without query parameters
	imageBase    string // original Image Service URL, empty for plain WCS
	coverageID   string
	imageService bool
	http         *http.Client
}

type capabilities struct {
	Operations []string
	Formats    []string
}

type capabilitiesDoc struct {
	XMLName    xml.Name `xml:"Capabilities"`
	Operations []struct {
		Name string `xml:"name,attr"`
	} `xml:"OperationsMetadata>Operation"`
	Formats []string `xml:"ServiceMetadata>formatSupported"`
}

// coverageDescription is what the loader needs from DescribeCoverage: the
// spatial reference the raster tiles will be registered under, the envelope
// and axis labels that bound the GetCoverage request, and the grid geometry
// that sizes it.
type coverageDescription struct {
	SRID          int
	SRSName       string
	Axes          []string
	Lower, Upper  []float64
	GridLow       []int
	GridHigh      []int
	OffsetVectors []string
	NativeFormat  string
	Formats       []string
}

// Width and Height come from the grid envelope limits; zero when the
// service describes no grid.
func (d *coverageDescription) Width() int  { return d.gridSize(0) }
func (d *coverageDescription) Height() int { return d.gridSize(1) }

func (d *coverageDescription) gridSize(axis int) int {
	if axis >= len(d.GridLow) || axis >= len(d.GridHigh) {
		return 0
	}
	return d.GridHigh[axis] - d.GridLow[axis] + 1
}

type describeDoc struct {
	Descriptions []struct {
		CoverageID string `xml:"CoverageId"`
		Envelopes  []struct {
			SRSName     string `xml:"srsName,attr"`
			AxisLabels  string `xml:"axisLabels,attr"`
			LowerCorner string `xml:"lowerCorner"`
			UpperCorner string `xml:"upperCorner"`
		} `xml:"boundedBy>Envelope"`
		GridLow       string   `xml:"domainSet>RectifiedGrid>limits>GridEnvelope>low"`
		GridHigh      string   `xml:"domainSet>RectifiedGrid>limits>GridEnvelope>high"`
		OffsetVectors []string `xml:"domainSet>RectifiedGrid>offsetVector"`
		NativeFormat  string   `xml:"ServiceParameters>nativeFormat"`
		Formats       []string `xml:"ServiceParameters>formatSupported"`
	} `xml:"CoverageDescription"`
}

func (c *client) get(ctx context.Context, params url.Values) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s returned HTTP %d", c.base, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *client) getBytes(ctx context.Context, params url.Values) ([]byte, error) {
	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// getCapabilities probes the endpoint with WCS 2.0.1.
func (c *client) getCapabilities(ctx context.Context) (*capabilities, error) {
	body, err := c.getBytes(ctx, url.Values{
		"service": {"WCS"},
		"version": {"2.0.1"},
		"request": {"GetCapabilities"},
	})
	if err != nil {
		return nil, fmt.Errorf("GetCapabilities failed: %w", err)
	}

	var doc capabilitiesDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse capabilities: %w", err)
	}

	caps := &capabilities{Formats: doc.Formats}
	for _, op := range doc.Operations {
		caps.Operations = append(caps.Operations, op.Name)
	}
	return caps, nil
}

func (caps *capabilities) supports(operation string) bool {
	for _, op := range caps.Operations {
		if strings.EqualFold(op, operation) {
			return true
		}
	}
	return false
}

// probeImageService confirms an ArcGIS Image Service answers its metadata
// endpoint. The REST API reports failures inside an HTTP 200.
func (c *client) probeImageService(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.imageBase+"?f=json", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", c.imageBase, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var meta struct {
		Name  string `json:"name"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return fmt.Errorf("response is not an Image Service description: %w", err)
	}
	if meta.Error != nil {
		return fmt.Errorf("service error: %s", meta.Error.Message)
	}
	return nil
}

// describeCoverage resolves the coverage's spatial reference, envelope, grid
// geometry and advertised formats.
func (c *client) describeCoverage(ctx context.Context) (*coverageDescription, error) {
	body, err := c.getBytes(ctx, url.Values{
		"service":    {"WCS"},
		"version":    {"2.0.1"},
		"request":    {"DescribeCoverage"},
		"coverageId": {c.coverageID},
	})
	if err != nil {
		return nil, fmt.Errorf("DescribeCoverage failed: %w", err)
	}

	var doc describeDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse coverage description: %w", err)
	}
	if len(doc.Descriptions) == 0 {
		return nil, fmt.Errorf("service does not describe coverage %s", c.coverageID)
	}
	d := doc.Descriptions[0]

	desc := &coverageDescription{
		SRID:          4326,
		GridLow:       parseInts(d.GridLow),
		GridHigh:      parseInts(d.GridHigh),
		OffsetVectors: d.OffsetVectors,
		NativeFormat:  d.NativeFormat,
		Formats:       d.Formats,
	}
	for _, env := range d.Envelopes {
		if srid := parseSRID(env.SRSName); srid != 0 {
			desc.SRID = srid
			desc.SRSName = env.SRSName
			desc.Axes = strings.Fields(env.AxisLabels)
			desc.Lower = parseFloats(env.LowerCorner)
			desc.Upper = parseFloats(env.UpperCorner)
			break
		}
	}
	return desc, nil
}

// geotiffSupported checks the advertised format lists for GeoTIFF. A service
// that advertises no formats at all still gets the mandatory GeoTIFF
// request; only an explicit list without TIFF is a refusal.
func geotiffSupported(formats []string) bool {
	if len(formats) == 0 {
		return true
	}
	for _, f := range formats {
		lower := strings.ToLower(f)
		if strings.Contains(lower, "tiff") || strings.Contains(lower, "geotiff") {
			return true
		}
	}
	return false
}

// coverageParams builds the GetCoverage query: GeoTIFF output, one subset
// per envelope axis, the native projection as output CRS, and the grid
// dimensions as the requested size.
func coverageParams(coverageID string, desc *coverageDescription) url.Values {
	params := url.Values{
		"service":    {"WCS"},
		"version":    {"2.0.1"},
		"request":    {"GetCoverage"},
		"coverageId": {coverageID},
		"format":     {"image/tiff"},
	}
	if desc == nil {
		return params
	}

	for i, axis := range desc.Axes {
		if i < len(desc.Lower) && i < len(desc.Upper) {
			params.Add("subset", fmt.Sprintf("%s(%s,%s)",
				axis, formatCoord(desc.Lower[i]), formatCoord(desc.Upper[i])))
		}
	}
	if desc.SRSName != "" {
		params.Set("outputCrs", desc.SRSName)
	}
	if w, h := desc.Width(), desc.Height(); w > 0 && h > 0 && len(desc.Axes) >= 2 {
		params.Set("scalesize", fmt.Sprintf("%s(%d),%s(%d)", desc.Axes[0], w, desc.Axes[1], h))
	}
	return params
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// getCoverage requests the coverage as GeoTIFF, bounded and sized by the
// description, and returns the streaming body. GeoTIFF is the one format
// raster2pgsql always accepts.
func (c *client) getCoverage(ctx context.Context, desc *coverageDescription) (io.ReadCloser, error) {
	body, err := c.get(ctx, coverageParams(c.coverageID, desc))
	if err != nil {
		return nil, fmt.Errorf("GetCoverage failed: %w", err)
	}
	return body, nil
}

// parseInts splits a GML coordinate tuple into ints, dropping anything that
// does not parse.
func parseInts(s string) []int {
	var out []int
	for _, field := range strings.Fields(s) {
		if n, err := strconv.Atoi(field); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func parseFloats(s string) []float64 {
	var out []float64
	for _, field := range strings.Fields(s) {
		if f, err := strconv.ParseFloat(field, 64); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// parseSRID extracts the EPSG code from a srsName URN, returning 0 when the
// form is not recognised.
func parseSRID(srsName string) int {
	if srsName == "" {
		return 0
	}
	parts := strings.FieldsFunc(srsName, func(r rune) bool { return r == ':' || r == '#' || r == '/' })
	for i := len(parts) - 1; i >= 0; i-- {
		if n, err := strconv.Atoi(parts[i]); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
