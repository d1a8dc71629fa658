package server

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// GeoIP resolves an address to coarse location properties. The mmdb refresher
// lives outside this process; deployments without a database disable lookups
// with DISABLE_MMDB.
type GeoIP interface {
	Lookup(ip net.IP) (map[string]any, error)
}

type disabledGeoIP struct{}

func (disabledGeoIP) Lookup(net.IP) (map[string]any, error) { return nil, nil }

// DisabledGeoIP returns a lookup that always resolves empty; wired when
// DISABLE_MMDB is set.
func DisabledGeoIP() GeoIP {
	return disabledGeoIP{}
}

type mmdbGeoIP struct {
	reader *maxminddb.Reader
}

// cityRecord is the slice of the GeoLite2-City schema the enrichment uses.
type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Continent struct {
		Code  string            `maxminddb:"code"`
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"continent"`
	Postal struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"postal"`
	Subdivisions []struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
		TimeZone  string  `maxminddb:"time_zone"`
	} `maxminddb:"location"`
}

// NewMMDBGeoIP opens the GeoLite2-City database at path.
func NewMMDBGeoIP(path string) (GeoIP, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening mmdb %s: %w", path, err)
	}
	return &mmdbGeoIP{reader: reader}, nil
}

// Lookup maps the city record onto $geoip_* event properties. Unknown
// addresses resolve empty rather than erroring.
func (g *mmdbGeoIP) Lookup(ip net.IP) (map[string]any, error) {
	var record cityRecord
	if err := g.reader.Lookup(ip, &record); err != nil {
		return nil, fmt.Errorf("mmdb lookup: %w", err)
	}

	props := map[string]any{}
	if name := record.City.Names["en"]; name != "" {
		props["$geoip_city_name"] = name
	}
	if name := record.Country.Names["en"]; name != "" {
		props["$geoip_country_name"] = name
	}
	if record.Country.ISOCode != "" {
		props["$geoip_country_code"] = record.Country.ISOCode
	}
	if name := record.Continent.Names["en"]; name != "" {
		props["$geoip_continent_name"] = name
	}
	if record.Continent.Code != "" {
		props["$geoip_continent_code"] = record.Continent.Code
	}
	if record.Postal.Code != "" {
		props["$geoip_postal_code"] = record.Postal.Code
	}
	if record.Location.TimeZone != "" {
		props["$geoip_time_zone"] = record.Location.TimeZone
		props["$geoip_latitude"] = record.Location.Latitude
		props["$geoip_longitude"] = record.Location.Longitude
	}
	if len(record.Subdivisions) > 0 {
		if code := record.Subdivisions[0].ISOCode; code != "" {
			props["$geoip_subdivision_1_code"] = code
		}
		if name := record.Subdivisions[0].Names["en"]; name != "" {
			props["$geoip_subdivision_1_name"] = name
		}
	}
	if len(props) == 0 {
		return nil, nil
	}
	return props, nil
}
