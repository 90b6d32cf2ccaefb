package validate

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"filevault/pkg/domain"
)

type imageInfo struct {
	Width      int
	Height     int
	ColorSpace string
	HasAlpha   bool
}

// inspectImage reads only the header so oversized images are rejected before a full decode.
func inspectImage(data []byte) (imageInfo, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return imageInfo{}, domain.NewValidationError(domain.ReasonUndecodable, "decode image header: %v", err)
	}
	space, alpha := ColorSpace(cfg.ColorModel)
	return imageInfo{Width: cfg.Width, Height: cfg.Height, ColorSpace: space, HasAlpha: alpha}, nil
}

func decodeFully(data []byte) error {
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return domain.NewValidationError(domain.ReasonUndecodable, "decode image: %v", err)
	}
	return nil
}

// ColorSpace names a decoder color model and reports whether it carries alpha.
func ColorSpace(m color.Model) (string, bool) {
	switch m {
	case color.RGBAModel, color.RGBA64Model:
		// decoders report opaque truecolor as RGBA
		return "rgb", false
	case color.NRGBAModel, color.NRGBA64Model:
		return "rgb", true
	case color.GrayModel, color.Gray16Model:
		return "gray", false
	case color.AlphaModel, color.Alpha16Model:
		return "gray", true
	case color.YCbCrModel:
		return "ycbcr", false
	case color.NYCbCrAModel:
		return "ycbcr", true
	case color.CMYKModel:
		return "cmyk", false
	}
	if p, ok := m.(color.Palette); ok {
		for _, c := range p {
			if _, _, _, a := c.RGBA(); a != 0xffff {
				return "paletted", true
			}
		}
		return "paletted", false
	}
	return "unknown", false
}
