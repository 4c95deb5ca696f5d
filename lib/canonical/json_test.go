// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package canonical

import "testing"

func TestJSONSortsKeysRecursively(t *testing.T) {
	in := []byte(`{"b": 2, "a": {"z": 1, "m": [true, {"y": 0, "x": 0}]}}`)
	got, err := JSON(in)
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	want := `{"a":{"m":[true,{"x":0,"y":0}],"z":1},"b":2}`
	if string(got) != want {
		t.Errorf("JSON = %s, want %s", got, want)
	}
}

func TestJSONIsIdempotent(t *testing.T) {
	in := []byte(`{"topic":"first","users":{"@a:x":100}}`)
	once, err := JSON(in)
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	twice, err := JSON(once)
	if err != nil {
		t.Fatalf("JSON (second pass): %v", err)
	}
	if string(once) != string(twice) {
		t.Errorf("canonical form not a fixed point: %s vs %s", once, twice)
	}
}

func TestJSONNoHTMLEscaping(t *testing.T) {
	got, err := JSON([]byte(`{"body":"<b>&amp;</b>"}`))
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	want := `{"body":"<b>&amp;</b>"}`
	if string(got) != want {
		t.Errorf("JSON = %s, want %s", got, want)
	}
}

func TestJSONPreservesUnicodeRaw(t *testing.T) {
	got, err := JSON([]byte(`{"name":"日本"}`))
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	want := `{"name":"日本"}`
	if string(got) != want {
		t.Errorf("JSON = %s, want %s", got, want)
	}
}

func TestJSONEscapesControlCharacters(t *testing.T) {
	got, err := JSON([]byte("{\"body\":\"a\\u0000b\\nc\"}"))
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	want := `{"body":"a\u0000b\nc"}`
	if string(got) != want {
		t.Errorf("JSON = %s, want %s", got, want)
	}
}

func TestJSONRejectsFloats(t *testing.T) {
	for _, in := range []string{`{"x":1.5}`, `{"x":1e3}`, `{"x":-0.0}`} {
		if _, err := JSON([]byte(in)); err == nil {
			t.Errorf("JSON(%s) succeeded, want float rejection", in)
		}
	}
}

func TestJSONRejectsOutOfRangeIntegers(t *testing.T) {
	if _, err := JSON([]byte(`{"x":9007199254740992}`)); err == nil {
		t.Error("JSON accepted 2^53, want rejection")
	}
	if _, err := JSON([]byte(`{"x":9007199254740991}`)); err != nil {
		t.Errorf("JSON rejected 2^53-1: %v", err)
	}
}

func TestJSONRejectsInvalidInput(t *testing.T) {
	for _, in := range []string{``, `{`, `{"a":1}{"b":2}`, `{"a":1} trailing`} {
		if _, err := JSON([]byte(in)); err == nil {
			t.Errorf("JSON(%q) succeeded, want error", in)
		}
	}
}

func TestMarshalStruct(t *testing.T) {
	type payload struct {
		Zed  string `json:"zed"`
		Abel int64  `json:"abel"`
	}
	got, err := Marshal(payload{Zed: "z", Abel: 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"abel":7,"zed":"z"}`
	if string(got) != want {
		t.Errorf("Marshal = %s, want %s", got, want)
	}
}
