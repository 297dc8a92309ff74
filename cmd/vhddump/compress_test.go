package main

import (
	"bytes"
	"testing"
)

func TestParseCompressFormat(t *testing.T) {
	for _, f := range []string{"none", "gzip", "zopfli", "xz", "lzma", "bzip2", "lz4"} {
		if _, err := parseCompressFormat(f); err != nil {
			t.Fatalf("parseCompressFormat(%q): %v", f, err)
		}
	}
	if _, err := parseCompressFormat("rot13"); err == nil {
		t.Fatalf("expected an unknown format to fail")
	}
}

func TestNoneWriterPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	w, err := newCompressWriter(compressNone, &buf)
	if err != nil {
		t.Fatalf("newCompressWriter: %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if buf.String() != "hello" {
		t.Fatalf("expected pass-through, got %q", buf.String())
	}
}
