// Package validate checks uploaded bytes before they are stored.
//
// Checks run in a fixed order and stop at the first failure: size, sniffed
// content type, format structure (image dimensions and color space, PDF page
// count) and finally malware scanning. Rejections are *domain.ValidationError.
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"filevault/pkg/domain"
)

// DefaultAllowedTypes covers the documents, images and patterns the vault accepts.
var DefaultAllowedTypes = []string{
	"application/pdf",
	"application/epub+zip",
	"application/zip",
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/bmp",
	"image/tiff",
	"image/svg+xml",
	"text/plain",
	"text/csv",
	"text/html",
}

// DefaultColorSpaces admits every color model the decoders produce.
var DefaultColorSpaces = []string{"rgb", "ycbcr", "gray", "paletted", "cmyk"}

type Config struct {
	MaxSize            int64
	AllowedTypes       []string
	MaxImageWidth      int
	MaxImageHeight     int
	AllowedColorSpaces []string
	MaxPageCount       int
	Scanners           []Scanner
}

// Result describes what validation learned about the content.
type Result struct {
	ContentType string
	Width       int
	Height      int
	ColorSpace  string
	HasAlpha    bool
	PageCount   int
}

// Metadata flattens the result into record metadata keys.
func (r Result) Metadata() map[string]string {
	out := make(map[string]string)
	if r.Width > 0 {
		out[domain.MetaWidth] = fmt.Sprint(r.Width)
		out[domain.MetaHeight] = fmt.Sprint(r.Height)
		out[domain.MetaColorSpace] = r.ColorSpace
		out[domain.MetaHasAlpha] = fmt.Sprint(r.HasAlpha)
	}
	if r.PageCount > 0 {
		out[domain.MetaPageCount] = fmt.Sprint(r.PageCount)
	}
	return out
}

type Validator struct {
	cfg         Config
	colorSpaces map[string]bool
}

func New(cfg Config) *Validator {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100 << 20
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = DefaultAllowedTypes
	}
	if cfg.MaxImageWidth <= 0 {
		cfg.MaxImageWidth = 10000
	}
	if cfg.MaxImageHeight <= 0 {
		cfg.MaxImageHeight = 10000
	}
	if len(cfg.AllowedColorSpaces) == 0 {
		cfg.AllowedColorSpaces = DefaultColorSpaces
	}
	if cfg.MaxPageCount <= 0 {
		cfg.MaxPageCount = 500
	}
	spaces := make(map[string]bool, len(cfg.AllowedColorSpaces))
	for _, s := range cfg.AllowedColorSpaces {
		spaces[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return &Validator{cfg: cfg, colorSpaces: spaces}
}

func (v *Validator) MaxSize() int64 { return v.cfg.MaxSize }

// CheckSize rejects a declared size before any bytes are read.
func (v *Validator) CheckSize(size int64) error {
	if size <= 0 {
		return domain.NewValidationError(domain.ReasonEmpty, "file is empty")
	}
	if size > v.cfg.MaxSize {
		return domain.NewValidationError(domain.ReasonTooLarge, "%d bytes exceeds limit of %d", size, v.cfg.MaxSize)
	}
	return nil
}

// Validate runs every check against data.
func (v *Validator) Validate(ctx context.Context, data []byte) (Result, error) {
	if err := v.CheckSize(int64(len(data))); err != nil {
		return Result{}, err
	}

	contentType, err := v.sniff(data)
	if err != nil {
		return Result{}, err
	}
	res := Result{ContentType: contentType}

	switch {
	case strings.HasPrefix(contentType, "image/") && contentType != "image/svg+xml":
		info, err := inspectImage(data)
		if err != nil {
			return Result{}, err
		}
		if info.Width > v.cfg.MaxImageWidth || info.Height > v.cfg.MaxImageHeight {
			return Result{}, domain.NewValidationError(domain.ReasonDimensions,
				"%dx%d exceeds %dx%d", info.Width, info.Height, v.cfg.MaxImageWidth, v.cfg.MaxImageHeight)
		}
		if !v.colorSpaces[info.ColorSpace] {
			return Result{}, domain.NewValidationError(domain.ReasonColorSpace, "color space %q not allowed", info.ColorSpace)
		}
		if err := decodeFully(data); err != nil {
			return Result{}, err
		}
		res.Width, res.Height = info.Width, info.Height
		res.ColorSpace, res.HasAlpha = info.ColorSpace, info.HasAlpha
	case contentType == "application/pdf":
		pages, err := pdfPageCount(data)
		if err != nil {
			return Result{}, err
		}
		if pages > v.cfg.MaxPageCount {
			return Result{}, domain.NewValidationError(domain.ReasonPageCount, "%d pages exceeds limit of %d", pages, v.cfg.MaxPageCount)
		}
		res.PageCount = pages
	}

	for _, s := range v.cfg.Scanners {
		verdict, err := s.Scan(ctx, data)
		if err != nil {
			return Result{}, fmt.Errorf("%s scan: %w", s.Name(), err)
		}
		if !verdict.Clean {
			return Result{}, domain.NewValidationError(domain.ReasonMalware, "%s: %s", s.Name(), verdict.Signature)
		}
	}
	return res, nil
}

func (v *Validator) sniff(data []byte) (string, error) {
	mtype := mimetype.Detect(data)
	for _, allowed := range v.cfg.AllowedTypes {
		if mtype.Is(allowed) {
			return baseType(mtype.String()), nil
		}
	}
	return "", domain.NewValidationError(domain.ReasonTypeNotAllowed, "content type %s not allowed", baseType(mtype.String()))
}

func baseType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
