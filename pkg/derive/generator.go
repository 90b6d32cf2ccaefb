// Package derive produces thumbnails, optimized copies and extracted metadata
// for stored files. Generation runs off the upload path, driven by queue jobs.
package derive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"io"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/net/html"

	"filevault/pkg/domain"
	"filevault/pkg/validate"
)

// ErrUnsupported means no derivative of the requested kind exists for the content type.
var ErrUnsupported = errors.New("derivative not supported for content type")

// Derivative is one generated artifact.
type Derivative struct {
	Kind        domain.DerivativeKind
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

type GeneratorConfig struct {
	MaxEdge        int
	ThumbnailSize  int
	JPEGQuality    int
	PdftoppmBinary string
}

type Generator struct {
	maxEdge   int
	thumbSize int
	quality   int
	pdftoppm  string
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	g := &Generator{
		maxEdge:   cfg.MaxEdge,
		thumbSize: cfg.ThumbnailSize,
		quality:   cfg.JPEGQuality,
		pdftoppm:  cfg.PdftoppmBinary,
	}
	if g.maxEdge <= 0 {
		g.maxEdge = 2048
	}
	if g.thumbSize <= 0 {
		g.thumbSize = 256
	}
	if g.quality <= 0 || g.quality > 100 {
		g.quality = 85
	}
	if g.pdftoppm == "" {
		g.pdftoppm = "pdftoppm"
	}
	return g
}

// KindsFor lists the derivative kinds worth generating for a content type.
func KindsFor(contentType string) []domain.DerivativeKind {
	switch {
	case contentType == "image/svg+xml":
		return nil
	case strings.HasPrefix(contentType, "image/"):
		return []domain.DerivativeKind{domain.DerivativeOptimized, domain.DerivativeThumbnail}
	case contentType == "application/pdf":
		return []domain.DerivativeKind{domain.DerivativeDocumentMeta, domain.DerivativeDocumentThumbnail}
	case contentType == "application/epub+zip", contentType == "text/html":
		return []domain.DerivativeKind{domain.DerivativeDocumentMeta}
	}
	return nil
}

func (g *Generator) Generate(ctx context.Context, kind domain.DerivativeKind, contentType string, data []byte) (Derivative, error) {
	switch kind {
	case domain.DerivativeOptimized:
		return g.optimized(data)
	case domain.DerivativeThumbnail:
		return g.thumbnail(data)
	case domain.DerivativeDocumentMeta:
		return g.documentMetadata(contentType, data)
	case domain.DerivativeDocumentThumbnail:
		if contentType != "application/pdf" {
			return Derivative{}, fmt.Errorf("%s for %s: %w", kind, contentType, ErrUnsupported)
		}
		return g.documentThumbnail(ctx, data)
	}
	return Derivative{}, fmt.Errorf("unknown derivative kind %q: %w", kind, ErrUnsupported)
}

func (g *Generator) optimized(data []byte) (Derivative, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Derivative{}, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() > g.maxEdge || b.Dy() > g.maxEdge {
		img = imaging.Fit(img, g.maxEdge, g.maxEdge, imaging.Lanczos)
	}
	out, ct, err := g.encode(img)
	if err != nil {
		return Derivative{}, err
	}
	return Derivative{
		Kind:        domain.DerivativeOptimized,
		Data:        out,
		ContentType: ct,
		Metadata:    imageMetadata(img, b),
	}, nil
}

func (g *Generator) thumbnail(data []byte) (Derivative, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Derivative{}, fmt.Errorf("decode image: %w", err)
	}
	thumb := imaging.Thumbnail(img, g.thumbSize, g.thumbSize, imaging.Lanczos)
	out, ct, err := g.encode(thumb)
	if err != nil {
		return Derivative{}, err
	}
	return Derivative{Kind: domain.DerivativeThumbnail, Data: out, ContentType: ct}, nil
}

// encode writes PNG when the image has transparency and JPEG otherwise.
func (g *Generator) encode(img image.Image) ([]byte, string, error) {
	var buf bytes.Buffer
	if hasAlpha(img) {
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	}
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(g.quality)); err != nil {
		return nil, "", fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	_, alpha := validate.ColorSpace(img.ColorModel())
	return alpha
}

func imageMetadata(img image.Image, original image.Rectangle) map[string]string {
	space, _ := validate.ColorSpace(img.ColorModel())
	return map[string]string{
		domain.MetaWidth:      strconv.Itoa(original.Dx()),
		domain.MetaHeight:     strconv.Itoa(original.Dy()),
		domain.MetaColorSpace: space,
		domain.MetaHasAlpha:   strconv.FormatBool(hasAlpha(img)),
	}
}

// documentMetadata stores the extracted fields as a JSON artifact and merges
// a few of them into the record metadata.
func (g *Generator) documentMetadata(contentType string, data []byte) (Derivative, error) {
	fields := make(map[string]string)
	switch contentType {
	case "application/pdf":
		pages, info, err := validate.PDFInfo(data)
		if err != nil {
			return Derivative{}, err
		}
		for k, v := range info {
			fields[strings.ToLower(k[:1])+k[1:]] = v
		}
		fields[domain.MetaPageCount] = strconv.Itoa(pages)
	case "application/epub+zip":
		epub, err := epubMetadata(data)
		if err != nil {
			return Derivative{}, err
		}
		for k, v := range epub {
			fields[k] = v
		}
	case "text/html":
		if title := htmlTitle(bytes.NewReader(data)); title != "" {
			fields["title"] = title
		}
	default:
		return Derivative{}, fmt.Errorf("document metadata for %s: %w", contentType, ErrUnsupported)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return Derivative{}, err
	}
	meta := make(map[string]string)
	for _, k := range []string{domain.MetaPageCount, "title", "author"} {
		if v := fields[k]; v != "" {
			meta[k] = v
		}
	}
	return Derivative{Kind: domain.DerivativeDocumentMeta, Data: raw, ContentType: "application/json", Metadata: meta}, nil
}

// epubMetadata reads dc:title and dc:creator from the package document.
func epubMetadata(data []byte) (map[string]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	out := make(map[string]string)
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".opf") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("read epub package: %w", err)
		}
		fields := dublinCore(rc)
		rc.Close()
		if v := fields["dc:title"]; v != "" {
			out["title"] = v
		}
		if v := fields["dc:creator"]; v != "" {
			out["author"] = v
		}
		if v := fields["dc:language"]; v != "" {
			out["language"] = v
		}
		return out, nil
	}
	return nil, errors.New("epub package document not found")
}

func dublinCore(r io.Reader) map[string]string {
	out := make(map[string]string)
	z := html.NewTokenizer(r)
	current := ""
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if strings.HasPrefix(tag, "dc:") {
				current = tag
			}
		case html.EndTagToken:
			current = ""
		case html.TextToken:
			if current != "" && out[current] == "" {
				out[current] = strings.TrimSpace(string(z.Text()))
			}
		}
	}
}

func htmlTitle(r io.Reader) string {
	doc, err := html.Parse(r)
	if err != nil {
		return ""
	}
	var walk func(*html.Node) string
	walk = func(n *html.Node) string {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if t := walk(c); t != "" {
				return t
			}
		}
		return ""
	}
	return walk(doc)
}
