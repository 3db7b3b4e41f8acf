package envelope

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	qrgen "github.com/skip2/go-qrcode"
)

// QR code errors
var (
	ErrQREncode    = errors.New("envelope: failed to encode QR code")
	ErrQRDecode    = errors.New("envelope: failed to decode QR code")
	ErrInvalidSize = errors.New("envelope: invalid QR code size")
)

// DefaultModulePixels is the pixel width of one QR module when no explicit
// image size is requested. Envelopes produce large QR versions, and a fixed
// image width would shrink modules below what scanners resolve.
const DefaultModulePixels = 4

// EncodeQR renders a sealed envelope as a PNG QR code. size is the image
// width in pixels; zero picks DefaultModulePixels per module.
func EncodeQR(blob []byte, size int) ([]byte, error) {
	if len(blob) == 0 {
		return nil, ErrQREncode
	}
	if size < 0 || size > 4096 {
		return nil, ErrInvalidSize
	}
	if size == 0 {
		size = -DefaultModulePixels
	}

	// Base64 keeps the content in byte mode without relying on scanners to
	// round-trip arbitrary binary.
	text := base64.StdEncoding.EncodeToString(blob)

	qr, err := qrgen.New(text, qrgen.Low)
	if err != nil {
		return nil, errors.Join(ErrQREncode, err)
	}

	pngData, err := qr.PNG(size)
	if err != nil {
		return nil, errors.Join(ErrQREncode, err)
	}
	return pngData, nil
}

// DecodeQR scans a PNG QR code and returns the sealed envelope bytes.
func DecodeQR(pngData []byte) ([]byte, error) {
	if len(pngData) == 0 {
		return nil, ErrQRDecode
	}

	img, err := png.Decode(bytes.NewReader(pngData))
	if err != nil {
		return nil, errors.Join(ErrQRDecode, err)
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, errors.Join(ErrQRDecode, err)
	}

	reader := qrcode.NewQRCodeReader()
	result, err := reader.Decode(bmp, nil)
	if err != nil {
		return nil, errors.Join(ErrQRDecode, err)
	}

	blob, err := base64.StdEncoding.DecodeString(result.GetText())
	if err != nil {
		return nil, errors.Join(ErrQRDecode, err)
	}
	return blob, nil
}
