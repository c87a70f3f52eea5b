// Package imaging normalises caller-supplied images for embedding requests.
//
// Embedding providers accept images as base64 data URIs but not every input
// format, so all images are re-encoded to PNG regardless of what the caller
// uploaded. PNG is lossless and universally accepted, which keeps the stored
// post content and the embedded content identical.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"strings"

	// Registered decoders for the formats clients are allowed to upload.
	_ "image/gif"
	_ "image/jpeg"
)

// PNGDataURI decodes raw (any registered raster format) and re-encodes it as a
// PNG data URI suitable for a multi-modal embedding payload.
func PNGDataURI(raw []byte) (string, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("imaging: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("imaging: encode %s as png: %w", format, err)
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeBase64 decodes a base64 image payload as sent by webhook callers.
// A "data:...;base64," prefix is tolerated and stripped.
func DecodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if _, rest, ok := strings.Cut(s, ","); ok {
			s = rest
		}
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("imaging: decode base64: %w", err)
	}
	return raw, nil
}
