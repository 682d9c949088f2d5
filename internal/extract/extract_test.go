package extract

import (
	"context"
	"fmt"
	"testing"
)

// fakeBlobs serves blob content from a map for extractor tests.
type fakeBlobs map[string]string

func (f fakeBlobs) DownloadText(_ context.Context, key string) (string, error) {
	content, ok := f[key]
	if !ok {
		return "", fmt.Errorf("no blob at %s", key)
	}
	return content, nil
}

func TestForMediaType(t *testing.T) {
	tests := []struct {
		mediaType string
		wantErr   bool
	}{
		{"novel", false},
		{"manhwa", false},
		{"anime", false},
		{"podcast", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.mediaType, func(t *testing.T) {
			ext, err := ForMediaType(tt.mediaType)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ForMediaType(%q) error = %v, wantErr %v", tt.mediaType, err, tt.wantErr)
			}
			if err == nil && ext.MediaType() != tt.mediaType {
				t.Errorf("MediaType() = %q, want %q", ext.MediaType(), tt.mediaType)
			}
		})
	}
}

func TestEligibleAssetTypes(t *testing.T) {
	tests := []struct {
		mediaType string
		want      []string
	}{
		{"novel", []string{"raw_html", "cleaned_text"}},
		{"manhwa", []string{"raw_image"}},
		{"anime", []string{"raw_subtitle"}},
		{"unknown", nil},
	}
	for _, tt := range tests {
		got := EligibleAssetTypes(tt.mediaType)
		if len(got) != len(tt.want) {
			t.Errorf("EligibleAssetTypes(%q) = %v, want %v", tt.mediaType, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("EligibleAssetTypes(%q) = %v, want %v", tt.mediaType, got, tt.want)
				break
			}
		}
	}
}
