package table

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/oschwald/maxminddb-golang"
)

// mmdbRecord contains only the fields we decode from the MMDB data.
// ASN fields are at root level to match GeoLite2-ASN / GeoIP2-ASN databases.
type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	ASNumber       uint   `maxminddb:"autonomous_system_number"`
	ASOrganization string `maxminddb:"autonomous_system_organization"`
}

// GeoIP is a lookup table backed by a MaxMind MMDB database held in memory.
// It maps IP addresses to geographic metadata (country, city, ASN, org).
// The reader is immutable after construction; reloads build a new table.
type GeoIP struct {
	name   string
	reader *maxminddb.Reader
	locale string
}

// NewGeoIP builds a GeoIP table from raw MMDB content. The "locale" param
// selects which localized city name to emit (default "en").
func NewGeoIP(name string, content io.Reader, params map[string]string) (Table, error) {
	if content == nil {
		return nil, ErrNoContent
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, fmt.Errorf("read mmdb content: %w", err)
	}
	r, err := maxminddb.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("open mmdb: %w", err)
	}
	return &GeoIP{
		name:   name,
		reader: r,
		locale: cmp.Or(params["locale"], "en"),
	}, nil
}

// Columns returns the output columns this table produces.
func (g *GeoIP) Columns() []string {
	return []string{"country", "city", "asn", "org"}
}

// Lookup resolves an IP address to geographic metadata. A key that does not
// parse as an IP, or an address absent from the database, is a miss.
func (g *GeoIP) Lookup(_ context.Context, key string) (map[string]string, error) {
	ip := net.ParseIP(key)
	if ip == nil {
		return nil, nil
	}

	var rec mmdbRecord
	if err := g.reader.Lookup(ip, &rec); err != nil {
		return nil, fmt.Errorf("mmdb lookup: %w", err)
	}

	out := make(map[string]string, 4)
	if rec.Country.ISOCode != "" {
		out["country"] = rec.Country.ISOCode
	}
	if name := rec.City.Names[g.locale]; name != "" {
		out["city"] = name
	}
	if rec.ASNumber != 0 {
		out["asn"] = "AS" + strconv.FormatUint(uint64(rec.ASNumber), 10)
	}
	if rec.ASOrganization != "" {
		out["org"] = rec.ASOrganization
	}

	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Rows reports the MMDB search tree node count; the format does not expose
// an entry count directly.
func (g *GeoIP) Rows() int {
	return int(g.reader.Metadata.NodeCount)
}
