package s3

import "testing"

func TestContentType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"a/b/cover.PNG", "image/png"},
		{"track.mp3", "audio/mpeg"},
		{"loop.mp4", "video/mp4"},
		{"lyrics.txt", "text/plain; charset=utf-8"},
	}
	for _, tt := range tests {
		got, err := ContentType(tt.path)
		if err != nil {
			t.Fatalf("ContentType(%q) err = %v; want nil", tt.path, err)
		}
		if got != tt.want {
			t.Fatalf("ContentType(%q) = %q; want %q", tt.path, got, tt.want)
		}
	}
	if _, err := ContentType("archive.zip"); err == nil {
		t.Fatalf("ContentType(zip) err = nil; want error")
	}
}
