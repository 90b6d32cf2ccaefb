package validate

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"filevault/pkg/domain"
)

func pdfPageCount(data []byte) (pages int, err error) {
	// the parser panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			pages, err = 0, domain.NewValidationError(domain.ReasonStructureBroken, "parse pdf: %v", r)
		}
	}()
	reader, perr := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if perr != nil {
		return 0, domain.NewValidationError(domain.ReasonStructureBroken, "open pdf: %v", perr)
	}
	n := reader.NumPage()
	if n <= 0 {
		return 0, domain.NewValidationError(domain.ReasonStructureBroken, "pdf has no pages")
	}
	return n, nil
}

// PDFInfo returns the page count and the document Info dictionary.
func PDFInfo(data []byte) (pages int, info map[string]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, info, err = 0, nil, fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, nil, fmt.Errorf("open pdf: %w", err)
	}
	info = make(map[string]string)
	dict := reader.Trailer().Key("Info")
	for _, key := range dict.Keys() {
		if text := dict.Key(key).Text(); text != "" {
			info[key] = text
		}
	}
	return reader.NumPage(), info, nil
}
