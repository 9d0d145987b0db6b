package util

import (
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/base", "data/key.file"); got != filepath.Join("/base", "data", "key.file") {
		t.Fatalf("relative: %q", got)
	}
	if got := ResolvePath("/base", "/abs/key.file"); got != filepath.Clean("/abs/key.file") {
		t.Fatalf("absolute: %q", got)
	}
}

func TestJSONFileRoundTrip(t *testing.T) {
	type blob struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	path := filepath.Join(t.TempDir(), "nested", "dir", "blob.json")

	if err := WriteJSONFile(path, blob{Name: "x", N: 7}); err != nil {
		t.Fatal(err)
	}

	var got blob
	if err := ReadJSONFile(path, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "x" || got.N != 7 {
		t.Fatalf("round trip = %+v", got)
	}
}
