package utils

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	EvidenceMaxDimension = 1920
	EvidenceMaxBytes     = 1 << 20
)

var ErrorInvalidImage = errors.New("invalid image")

// CompressEvidenceImage re-encodes an uploaded photo as JPEG, no larger than
// 1920px on its longest side, lowering quality until it fits in 1MB.
func CompressEvidenceImage(original []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(original), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrorInvalidImage, err)
	}

	b := img.Bounds()
	if b.Dx() > EvidenceMaxDimension || b.Dy() > EvidenceMaxDimension {
		img = imaging.Fit(img, EvidenceMaxDimension, EvidenceMaxDimension, imaging.Lanczos)
	}

	var out []byte
	for quality := 85; quality >= 40; quality -= 15 {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, err
		}
		out = buf.Bytes()
		if len(out) <= EvidenceMaxBytes {
			break
		}
	}
	return out, nil
}

// DecodeImageDataURL decodes a "data:image/png;base64,..." signature capture and
// checks that it really is an image.
func DecodeImageDataURL(dataURL string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimSpace(dataURL), ",")
	if !ok || !strings.HasPrefix(header, "data:image/") || !strings.HasSuffix(header, ";base64") {
		return nil, "", fmt.Errorf("%w: expected base64 image data url", ErrorInvalidImage)
	}
	contentType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrorInvalidImage, err)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrorInvalidImage, err)
	}
	return data, contentType, nil
}
