// Package geoip resolves an IP address to country/city/ASN metadata. No
// MMDB reader library exists anywhere in the retrieved example pack, so
// this package exposes a small interface and a standard-library-only
// CIDR-table implementation rather than fabricating a dependency (see
// DESIGN.md).
package geoip

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"net/netip"
)

// Record holds the subset of geolocation data the pipeline consumes.
type Record struct {
	CountryISO     string
	CountryName    string
	ContinentName  string
	ContinentCode  string
	InEU           bool
	CityName       string
	Lat, Lon       float64
	HasLocation    bool
	ASN            uint32
	Company        string
}

// Lookup resolves an address to a Record. The second return value is
// false when nothing is known about addr; callers treat that as "nil",
// never as an error that aborts the request.
type Lookup interface {
	Country(addr netip.Addr) (Record, bool)
	City(addr netip.Addr) (Record, bool)
	ASN(addr netip.Addr) (Record, bool)
}

// entry pairs a CIDR with the record it resolves to.
type entry struct {
	prefix netip.Prefix
	rec    Record
}

// Table is a simple static CIDR-table Lookup implementation, suitable for
// tests and for deployments that seed it from their own data source.
type Table struct {
	entries []entry
}

// NewTable builds an empty table.
func NewTable() *Table { return &Table{} }

// Add registers rec for every address inside prefix.
func (t *Table) Add(prefix netip.Prefix, rec Record) {
	t.entries = append(t.entries, entry{prefix, rec})
}

func (t *Table) find(addr netip.Addr, has func(Record) bool) (Record, bool) {
	for _, e := range t.entries {
		if e.prefix.Contains(addr) && has(e.rec) {
			return e.rec, true
		}
	}
	return Record{}, false
}

func (t *Table) Country(addr netip.Addr) (Record, bool) {
	return t.find(addr, func(r Record) bool { return r.CountryISO != "" || r.CountryName != "" })
}
func (t *Table) City(addr netip.Addr) (Record, bool) {
	return t.find(addr, func(r Record) bool { return r.CityName != "" || r.HasLocation })
}
func (t *Table) ASN(addr netip.Addr) (Record, bool) {
	return t.find(addr, func(r Record) bool { return r.ASN != 0 || r.Company != "" })
}

// LoadCSV populates t from a CIDR table file: one row per line, columns
// "cidr,country_iso,country_name,continent_code,continent_name,in_eu,
// city_name,lat,lon,asn,company". Country/city/ASN data can live in
// separate files of this same shape; callers load each into the same
// Table (see cmd/inspectord) since Table.Add simply appends entries, and
// each lookup returns the first matching prefix whose row carries that
// kind of data (country, city/location, or ASN/company).
func LoadCSV(t *Table, path string) error {
	f, err := os.Open(path) // #nosec G304 -- path from trusted process config
	if err != nil {
		return fmt.Errorf("geoip: opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	lineNo := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		lineNo++
		if err != nil {
			return fmt.Errorf("geoip: %s: row %d: %w", path, lineNo, err)
		}
		if len(row) < 2 {
			continue
		}
		prefix, err := netip.ParsePrefix(row[0])
		if err != nil {
			continue
		}
		rec := Record{CountryISO: field(row, 1), CountryName: field(row, 2), ContinentCode: field(row, 3), ContinentName: field(row, 4)}
		rec.InEU = field(row, 5) == "true"
		rec.CityName = field(row, 6)
		if lat, err := strconv.ParseFloat(field(row, 7), 64); err == nil {
			rec.Lat = lat
			rec.HasLocation = true
		}
		if lon, err := strconv.ParseFloat(field(row, 8), 64); err == nil {
			rec.Lon = lon
		}
		if asn, err := strconv.ParseUint(field(row, 9), 10, 32); err == nil {
			rec.ASN = uint32(asn)
		}
		rec.Company = field(row, 10)
		t.Add(prefix, rec)
	}
	return nil
}

func field(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return row[i]
}

// Noop is a Lookup that never resolves anything, used when no GeoIP data
// is configured; every request is treated as geo-unknown rather than
// failing outright.
type Noop struct{}

func (Noop) Country(netip.Addr) (Record, bool) { return Record{}, false }
func (Noop) City(netip.Addr) (Record, bool)    { return Record{}, false }
func (Noop) ASN(netip.Addr) (Record, bool)     { return Record{}, false }
