package auditlog

import (
	"net/url"
	"strconv"
	"strings"
)

// owsServices are recognised from the last path segment when the request
// has no service parameter, e.g. /geoserver/topp/wms.
var owsServices = map[string]bool{
	"wms": true, "wfs": true, "wcs": true, "wmts": true, "wps": true, "csw": true,
}

// resourceParams name the layers or feature types an OWS request targets.
var resourceParams = []string{"layers", "layer", "typename", "typenames", "coverageid", "query_layers"}

// foldQuery indexes query parameters by lower-cased name. OWS parameter
// names are case-insensitive.
func foldQuery(query url.Values) map[string]string {
	folded := make(map[string]string, len(query))
	for key, values := range query {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(key)
		if _, seen := folded[lower]; !seen {
			folded[lower] = values[0]
		}
	}
	return folded
}

// describeOWS fills the OWS fields of rec from the request path and query.
func describeOWS(rec *Record, path string, query url.Values) {
	params := foldQuery(query)

	rec.Service = strings.ToUpper(params["service"])
	if rec.Service == "" {
		segment := path[strings.LastIndex(path, "/")+1:]
		if owsServices[strings.ToLower(segment)] {
			rec.Service = strings.ToUpper(segment)
		}
	}
	rec.Operation = params["request"]
	rec.OWSVersion = params["version"]
	rec.SubOperation = params["identifier"]

	seen := map[string]bool{}
	for _, name := range resourceParams {
		for _, resource := range strings.Split(params[name], ",") {
			resource = strings.TrimSpace(resource)
			if resource != "" && !seen[resource] {
				seen[resource] = true
				rec.Resources = append(rec.Resources, resource)
			}
		}
	}

	if raw := params["bbox"]; raw != "" {
		crs := params["srs"]
		if crs == "" {
			crs = params["crs"]
		}
		rec.BBox = parseBBox(raw, crs)
	}

	rec.Category = classify(rec.Service, path)
}

// parseBBox reads "minx,miny,maxx,maxy[,crs]". An explicit fifth element
// wins over the srs/crs parameter; EPSG:4326 is the fallback.
func parseBBox(raw, crs string) *BBox {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 && len(parts) != 5 {
		return nil
	}

	var coords [4]float64
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return nil
		}
		coords[i] = v
	}
	if len(parts) == 5 && strings.TrimSpace(parts[4]) != "" {
		crs = strings.TrimSpace(parts[4])
	}
	if crs == "" {
		crs = DefaultCRS
	}
	return &BBox{MinX: coords[0], MinY: coords[1], MaxX: coords[2], MaxY: coords[3], CRS: crs}
}

func classify(service, path string) Category {
	switch {
	case service != "":
		return CategoryOWS
	case strings.HasSuffix(path, "/rest") || strings.Contains(path, "/rest/"):
		return CategoryREST
	default:
		return CategoryOther
	}
}
