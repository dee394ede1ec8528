package field

import "testing"

func TestAddConcatenatesDuplicates(t *testing.T) {
	f := New()
	f.Add("x", "a")
	f.Add("x", "b")
	v, ok := f.Get("x")
	if !ok || v != "a b" {
		t.Fatalf("got %q %v, want %q true", v, ok, "a b")
	}
}

func TestAddEmptyValueSkipsDecodedEntry(t *testing.T) {
	f := New(URLDecode)
	f.Add("x", "")
	if _, ok := f.Get("x:decoded"); ok {
		t.Fatalf("did not expect a :decoded entry for an empty value")
	}
}

func TestAddURLDecodeProducesDecodedEntry(t *testing.T) {
	f := New(URLDecode)
	f.Add("x", "a%20b")
	v, ok := f.Get("x:decoded")
	if !ok || v != "a b" {
		t.Fatalf("got %q %v, want %q true", v, ok, "a b")
	}
	raw, _ := f.Get("x")
	if raw != "a%20b" {
		t.Fatalf("raw value should be untouched, got %q", raw)
	}
}

func TestAddNoTransformationNoDecodedEntry(t *testing.T) {
	f := New()
	f.Add("x", "plain")
	if _, ok := f.Get("x:decoded"); ok {
		t.Fatalf("did not expect a :decoded entry with no transformation chain")
	}
}
