package imaging

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"
)

// testImage returns a small solid-colour image.
func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	return img
}

// TestPNGDataURI_FromJPEG verifies that a JPEG input is re-encoded to a PNG
// data URI whose payload decodes back to a valid PNG of the same bounds.
func TestPNGDataURI_FromJPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testImage(), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}

	uri, err := PNGDataURI(buf.Bytes())
	if err != nil {
		t.Fatalf("PNGDataURI: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(uri, prefix) {
		t.Fatalf("missing data URI prefix: %q", uri[:min(len(uri), 30)])
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, prefix))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("payload is not valid PNG: %v", err)
	}
	if got, want := img.Bounds(), testImage().Bounds(); got != want {
		t.Errorf("bounds: got %v, want %v", got, want)
	}
}

// TestPNGDataURI_Garbage verifies that undecodable bytes are rejected.
func TestPNGDataURI_Garbage(t *testing.T) {
	if _, err := PNGDataURI([]byte("definitely not an image")); err == nil {
		t.Fatal("expected error for non-image bytes, got nil")
	}
}

// TestDecodeBase64 covers plain base64, data-URI-prefixed base64, and bad input.
func TestDecodeBase64(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0xff}
	b64 := base64.StdEncoding.EncodeToString(payload)

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain", b64, false},
		{"data_uri", "data:image/png;base64," + b64, false},
		{"invalid", "!!!not-base64!!!", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBase64(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeBase64: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("payload: got %v, want %v", got, payload)
			}
		})
	}
}
