package filestore

import (
	"testing"
)

func TestNew(t *testing.T) {
	s, err := New("", t.TempDir(), "", false)
	if err != nil {
		t.Fatalf("New() err = %v; want nil", err)
	}
	if s.Type() != "local" {
		t.Fatalf("Type() = %q; want local", s.Type())
	}

	invalid := []struct {
		typ, conn string
	}{
		{"ftp", "x"},
		{"s3", "bucket.region"},
		{"s3", "key@bucket.region"},
		{"s3", "key:secret@bucket"},
		{"telegram", "token"},
		{"telegram", "token@chat"},
	}
	for _, tt := range invalid {
		if _, err := New(tt.typ, tt.conn, "", false); err == nil {
			t.Fatalf("New(%q, %q) err = nil; want error", tt.typ, tt.conn)
		}
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		id, file, want string
	}{
		{"abc", "/api/files/abc/abc_1.mp3", "abc/abc_1.mp3"},
		{"abc", "cover.png", "abc/cover.png"},
	}
	for _, tt := range tests {
		if got := Name(tt.id, tt.file); got != tt.want {
			t.Fatalf("Name(%q, %q) = %q; want %q", tt.id, tt.file, got, tt.want)
		}
	}
}
