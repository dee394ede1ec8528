// Package body decodes a request body into RequestField-shaped flattened
// entries, dispatching on content type.
package body

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"mime"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"

	"github.com/hollowreed/sentrywall/internal/field"
)

// MaxGraphQLDepth bounds GraphQL selection-set nesting before the decoder
// gives up with ErrGraphQLDepthExceeded.
const MaxGraphQLDepth = 32

// ErrGraphQLDepthExceeded is returned when a GraphQL document nests
// selections deeper than MaxGraphQLDepth.
var ErrGraphQLDepthExceeded = fmt.Errorf("GraphQL nesting level exceeded")

// Decode parses body according to contentType and adds every resulting
// leaf entry into dst. It returns an error so the caller can record a
// decode failure status without aborting the request. Only the fallback
// path (a content type with no dedicated decoder) stores the raw body
// under RAW_BODY; a JSON, GraphQL or XML body that fails its decoder
// returns the error without a RAW_BODY entry.
func Decode(dst *field.Field, contentType string, body []byte) error {
	mt, params, _ := mime.ParseMediaType(contentType)
	switch {
	case mt == "application/json" || strings.HasSuffix(mt, "/json"):
		return decodeJSON(dst, body)
	case mt == "application/graphql":
		return decodeGraphQL(dst, body)
	case mt == "application/x-www-form-urlencoded":
		return decodeURLEncoded(dst, body)
	case strings.HasPrefix(mt, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return fallback(dst, body, fmt.Errorf("multipart body missing boundary"))
		}
		return decodeMultipart(dst, body, boundary)
	case mt == "application/xml" || strings.HasSuffix(mt, "/xml"):
		return decodeXML(dst, body)
	default:
		if err := decodeJSON(dst, body); err == nil {
			return nil
		}
		if err := decodeURLEncoded(dst, body); err == nil {
			return nil
		}
		return fallback(dst, body, fmt.Errorf("unrecognized content type %q", contentType))
	}
}

func fallback(dst *field.Field, body []byte, cause error) error {
	dst.Add("RAW_BODY", string(body))
	return cause
}

// DecodeURLEncodedQuery is exported for query-string parsing, which uses
// the same parser as application/x-www-form-urlencoded.
func DecodeURLEncodedQuery(dst *field.Field, query string) {
	_ = decodeURLEncoded(dst, []byte(query))
}

func decodeURLEncoded(dst *field.Field, body []byte) error {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		// url.ParseQuery reported a malformed pair; best-effort split on
		// '&' so a malformed pair never drops the rest of the arguments.
		for _, pair := range strings.Split(string(body), "&") {
			if pair == "" {
				continue
			}
			k, v, _ := strings.Cut(pair, "=")
			dk, _ := url.QueryUnescape(k)
			dv, _ := url.QueryUnescape(v)
			dst.Add(dk, dv)
		}
		return nil
	}
	for k, vs := range values {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	return nil
}

func decodeJSON(dst *field.Field, body []byte) error {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	flattenJSON(dst, "", v)
	return nil
}

func flattenJSON(dst *field.Field, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, sub := range t {
			flattenJSON(dst, joinPath(prefix, k), sub)
		}
	case []any:
		for i, sub := range t {
			flattenJSON(dst, joinPath(prefix, strconv.Itoa(i)), sub)
		}
	case string:
		dst.Add(prefix, t)
	case json.Number:
		dst.Add(prefix, t.String())
	case bool:
		if t {
			dst.Add(prefix, "true")
		} else {
			dst.Add(prefix, "false")
		}
	case nil:
		dst.Add(prefix, "null")
	}
}

func joinPath(prefix, next string) string {
	if prefix == "" {
		return next
	}
	return prefix + "." + next
}

func decodeMultipart(dst *field.Field, body []byte, boundary string) error {
	r := multipart.NewReader(strings.NewReader(string(body)), boundary)
	for {
		part, err := r.NextPart()
		if err != nil {
			break
		}
		name := part.FormName()
		if name == "" {
			continue
		}
		buf := make([]byte, 0, 4096)
		chunk := make([]byte, 4096)
		for {
			n, rerr := part.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
			}
			if rerr != nil {
				break
			}
		}
		dst.Add(name, string(buf))
	}
	return nil
}

func decodeXML(dst *field.Field, body []byte) error {
	dec := xml.NewDecoder(strings.NewReader(string(body)))
	var stack []string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			for _, attr := range t.Attr {
				dst.Add(strings.Join(stack, ".")+"."+attr.Name.Local, attr.Value)
			}
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text != "" && len(stack) > 0 {
				dst.Add(strings.Join(stack, "."), text)
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return nil
}

// decodeGraphQL is a minimal structural parse of a GraphQL request document,
// enough to walk selection sets and emit directive/argument/alias entries
// without depending on a full GraphQL grammar implementation (no GraphQL
// parser is present anywhere in the retrieved pack; see DESIGN.md).
func decodeGraphQL(dst *field.Field, body []byte) error {
	doc := string(body)
	return walkSelectionSet(dst, doc, "gdir", 0)
}

// walkSelectionSet is a conservative brace-matching walker: it does not
// fully parse GraphQL grammar, but extracts name(args) pairs and nested
// selection sets to key entries on.
func walkSelectionSet(dst *field.Field, doc string, pathPrefix string, depth int) error {
	if depth > MaxGraphQLDepth {
		return ErrGraphQLDepthExceeded
	}
	start := strings.Index(doc, "{")
	if start < 0 {
		return nil
	}
	level := 0
	for i := start; i < len(doc); i++ {
		switch doc[i] {
		case '{':
			level++
			if level == 1 {
				continue
			}
			sub, next, err := extractBalanced(doc, i)
			if err != nil {
				return err
			}
			if err := walkSelectionSet(dst, "{"+sub+"}", pathPrefix+"-"+fmt.Sprintf("%d", depth+1), depth+1); err != nil {
				return err
			}
			i = next
			level--
		case '}':
			level--
			if level == 0 {
				selectionBody := strings.TrimSpace(doc[start+1 : i])
				emitFields(dst, selectionBody, pathPrefix)
				return nil
			}
		}
	}
	return nil
}

func extractBalanced(doc string, openIdx int) (string, int, error) {
	level := 1
	for i := openIdx + 1; i < len(doc); i++ {
		switch doc[i] {
		case '{':
			level++
		case '}':
			level--
			if level == 0 {
				return doc[openIdx+1 : i], i, nil
			}
		}
	}
	return "", 0, fmt.Errorf("unbalanced GraphQL selection set")
}

func emitFields(dst *field.Field, flat, pathPrefix string) {
	for _, tok := range strings.Fields(stripNested(flat)) {
		name := tok
		if idx := strings.Index(tok, "("); idx >= 0 {
			name = tok[:idx]
		}
		if name == "" {
			continue
		}
		dst.Add(pathPrefix+"-"+name, tok)
	}
}

// stripNested removes already-consumed nested {...} blocks so emitFields
// only sees this level's own field tokens.
func stripNested(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
