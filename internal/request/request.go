// Package request builds the canonical RequestInfo snapshot consumed by
// every inspector in the pipeline.
package request

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/hollowreed/sentrywall/internal/body"
	"github.com/hollowreed/sentrywall/internal/field"
	"github.com/hollowreed/sentrywall/internal/geoip"
)

// BodyDecodingStatus records the outcome of body decoding for the
// content-filter "requires decoded body" check in the pipeline.
type BodyDecodingStatus int

const (
	BodyDecodingOK BodyDecodingStatus = iota
	BodyDecodingFailed
	BodyDecodingNone
)

// Meta mirrors RequestMeta: the host-proxy supplied envelope.
type Meta struct {
	Authority string
	Method    string
	Path      string
}

// QueryInfo mirrors QueryInfo: data extracted from the query string/body.
type QueryInfo struct {
	QPath        string
	Query        string
	URI          string
	HasURI       bool
	Args         *field.Field
	BodyDecoding BodyDecodingStatus
}

// GeoInfo mirrors GeoIp.
type GeoInfo struct {
	IPStr   string
	Addr    netip.Addr
	HasAddr bool
	geoip.Record
	HasCountry bool
	HasCity    bool
	HasASN     bool
}

// Info mirrors RequestInfo.
type Info struct {
	Cookies *field.Field
	Headers *field.Field
	Meta    Meta
	Geo     GeoInfo
	Query   QueryInfo
	Host    string
}

// decodingChain is the standard transformation order applied to every
// header/cookie/argument field, matching the original's ordering
// (base64, urldecode, html entities, unicode escape).
var decodingChain = []field.Transformation{
	field.Base64Decode,
	field.URLDecode,
	field.HTMLEntitiesDecode,
	field.UnicodeDecode,
}

func cookieMap(dst *field.Field, cookieHeader string) {
	for _, cook := range strings.Split(cookieHeader, "; ") {
		k, v, found := strings.Cut(cook, "=")
		if !found {
			dst.Add(cook, "")
			continue
		}
		dst.Add(k, v)
	}
}

func mapHeaders(raw map[string]string) (headers, cookies *field.Field) {
	cookies = field.New(decodingChain...)
	headers = field.New(decodingChain...)
	for k, v := range raw {
		lk := strings.ToLower(k)
		if lk == "cookie" {
			cookieMap(cookies, v)
		} else {
			headers.Add(lk, v)
		}
	}
	return headers, cookies
}

func mapArgs(path, contentType string, body_ []byte) QueryInfo {
	uri, uriErr := url.QueryUnescape(path)
	qpath, query, found := strings.Cut(path, "?")
	args := field.New(decodingChain...)
	if found {
		body.DecodeURLEncodedQuery(args, query)
	} else {
		query = ""
	}

	status := BodyDecodingNone
	if len(body_) > 0 {
		if err := body.Decode(args, contentType, body_); err != nil {
			status = BodyDecodingFailed
		} else {
			status = BodyDecodingOK
		}
	}

	return QueryInfo{
		QPath:        qpath,
		Query:        query,
		URI:          uri,
		HasURI:       uriErr == nil,
		Args:         args,
		BodyDecoding: status,
	}
}

// FindGeoIP resolves ipstr against lookup, tolerating unparseable or
// unresolved addresses by leaving the corresponding fields empty.
func FindGeoIP(lookup geoip.Lookup, ipstr string) GeoInfo {
	g := GeoInfo{IPStr: ipstr}
	addr, err := netip.ParseAddr(ipstr)
	if err != nil {
		return g
	}
	g.Addr = addr
	g.HasAddr = true
	if lookup == nil {
		return g
	}
	if rec, ok := lookup.Country(addr); ok {
		g.Record.CountryISO = rec.CountryISO
		g.Record.CountryName = rec.CountryName
		g.Record.ContinentName = rec.ContinentName
		g.Record.ContinentCode = rec.ContinentCode
		g.Record.InEU = rec.InEU
		g.HasCountry = true
	}
	if rec, ok := lookup.City(addr); ok {
		g.Record.CityName = rec.CityName
		g.Record.Lat, g.Record.Lon = rec.Lat, rec.Lon
		g.HasCity = rec.HasLocation
	}
	if rec, ok := lookup.ASN(addr); ok {
		g.Record.ASN = rec.ASN
		g.Record.Company = rec.Company
		g.HasASN = true
	}
	return g
}

// Map builds the canonical Info for one request.
func Map(lookup geoip.Lookup, ipstr string, rawHeaders map[string]string, meta Meta, body_ []byte) Info {
	headers, cookies := mapHeaders(rawHeaders)
	geo := FindGeoIP(lookup, ipstr)
	qi := mapArgs(meta.Path, headers.Map()["content-type"], body_)

	host := meta.Authority
	if host == "" {
		if h, ok := headers.Get("host"); ok {
			host = h
		} else {
			host = "unknown"
		}
	}

	return Info{
		Cookies: cookies,
		Headers: headers,
		Meta:    meta,
		Geo:     geo,
		Query:   qi,
		Host:    host,
	}
}
