package derive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"

	"filevault/pkg/domain"
)

// ErrToolUnavailable means an external renderer is not installed.
var ErrToolUnavailable = errors.New("renderer not available")

// documentThumbnail renders the first PDF page with poppler's pdftoppm.
func (g *Generator) documentThumbnail(ctx context.Context, data []byte) (Derivative, error) {
	bin, err := exec.LookPath(g.pdftoppm)
	if err != nil {
		return Derivative{}, fmt.Errorf("%s not found: %w", g.pdftoppm, ErrToolUnavailable)
	}
	dir, err := os.MkdirTemp("", "filevault-pdf-*")
	if err != nil {
		return Derivative{}, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return Derivative{}, err
	}
	outPrefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, bin,
		"-png", "-f", "1", "-l", "1", "-singlefile",
		"-scale-to", strconv.Itoa(g.thumbSize),
		in, outPrefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Derivative{}, fmt.Errorf("pdftoppm failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	img, err := imaging.Open(outPrefix + ".png")
	if err != nil {
		return Derivative{}, fmt.Errorf("read rendered page: %w", err)
	}
	out, ct, err := g.encode(img)
	if err != nil {
		return Derivative{}, err
	}
	return Derivative{Kind: domain.DerivativeDocumentThumbnail, Data: out, ContentType: ct}, nil
}
