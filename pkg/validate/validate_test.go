package validate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"filevault/internal/fixture"
	"filevault/pkg/domain"
)

func reasonOf(t *testing.T, err error) domain.ValidationReason {
	t.Helper()
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("validation error must match ErrValidationFailed")
	}
	return verr.Reason
}

func TestValidateAcceptsImagesAndReportsMetadata(t *testing.T) {
	v := New(Config{})
	res, err := v.Validate(context.Background(), fixture.PNG(40, 30, true))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.ContentType != "image/png" || res.Width != 40 || res.Height != 30 || !res.HasAlpha || res.ColorSpace != "rgb" {
		t.Fatalf("unexpected result: %+v", res)
	}
	meta := res.Metadata()
	if meta[domain.MetaWidth] != "40" || meta[domain.MetaHasAlpha] != "true" {
		t.Fatalf("unexpected metadata: %v", meta)
	}

	res, err = v.Validate(context.Background(), fixture.JPEG(16, 16))
	if err != nil {
		t.Fatalf("validate jpeg: %v", err)
	}
	if res.ContentType != "image/jpeg" || res.ColorSpace != "ycbcr" || res.HasAlpha {
		t.Fatalf("unexpected jpeg result: %+v", res)
	}
}

func TestValidateOrderAndReasons(t *testing.T) {
	v := New(Config{
		MaxSize:            2048,
		MaxImageWidth:      64,
		MaxImageHeight:     64,
		AllowedColorSpaces: []string{"rgb", "ycbcr"},
		MaxPageCount:       2,
		Scanners:           []Scanner{NewSignatureScanner(map[string]string{"Test-Marker": "BAD-MARKER"})},
	})
	cases := map[string]struct {
		data []byte
		want domain.ValidationReason
	}{
		"empty":         {nil, domain.ReasonEmpty},
		"too large":     {bytes.Repeat([]byte("a"), 4096), domain.ReasonTooLarge},
		"disallowed":    {[]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0}, domain.ReasonTypeNotAllowed},
		"dimensions":    {fixture.PNG(65, 10, false), domain.ReasonDimensions},
		"color space":   {fixture.GrayPNG(8, 8), domain.ReasonColorSpace},
		"truncated png": {fixture.PNG(32, 32, false)[:60], domain.ReasonUndecodable},
		"page count":    {fixture.PDF(3, nil), domain.ReasonPageCount},
		"broken pdf":    {[]byte("%PDF-1.4\nnot really a pdf\n"), domain.ReasonStructureBroken},
		"eicar":         {[]byte(fixture.EICAR), domain.ReasonMalware},
		"custom":        {[]byte("hello BAD-MARKER world"), domain.ReasonMalware},
	}
	for name, tc := range cases {
		_, err := v.Validate(context.Background(), tc.data)
		if got := reasonOf(t, err); got != tc.want {
			t.Fatalf("%s: reason = %s, want %s (%v)", name, got, tc.want, err)
		}
	}
}

func TestValidateOversizeImageFailsOnDimensionsBeforeScan(t *testing.T) {
	scanned := false
	v := New(Config{MaxImageWidth: 10, MaxImageHeight: 10, Scanners: []Scanner{scannerFunc(func([]byte) Verdict {
		scanned = true
		return Verdict{Clean: true}
	})}})
	_, err := v.Validate(context.Background(), fixture.PNG(20, 20, false))
	if reasonOf(t, err) != domain.ReasonDimensions {
		t.Fatalf("unexpected error: %v", err)
	}
	if scanned {
		t.Fatalf("scanner ran after an earlier check failed")
	}
}

func TestValidatePDFPageCount(t *testing.T) {
	v := New(Config{})
	res, err := v.Validate(context.Background(), fixture.PDF(2, nil))
	if err != nil {
		t.Fatalf("validate pdf: %v", err)
	}
	if res.ContentType != "application/pdf" || res.PageCount != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPDFInfo(t *testing.T) {
	pages, info, err := PDFInfo(fixture.PDF(1, map[string]string{"Title": "Wedding Dress", "Author": "Ada"}))
	if err != nil {
		t.Fatalf("pdf info: %v", err)
	}
	if pages != 1 || info["Title"] != "Wedding Dress" || info["Author"] != "Ada" {
		t.Fatalf("unexpected info: pages=%d %v", pages, info)
	}
}

func TestCheckSize(t *testing.T) {
	v := New(Config{MaxSize: 10})
	if err := v.CheckSize(10); err != nil {
		t.Fatalf("size at limit rejected: %v", err)
	}
	if reasonOf(t, v.CheckSize(11)) != domain.ReasonTooLarge {
		t.Fatalf("expected too_large")
	}
}

type scannerFunc func([]byte) Verdict

func (f scannerFunc) Name() string { return "func" }
func (f scannerFunc) Scan(_ context.Context, data []byte) (Verdict, error) {
	return f(data), nil
}

func startFakeClamd(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveClamd(conn)
		}
	}()
	return ln.Addr().String()
}

func serveClamd(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	cmd, err := r.ReadString(0)
	if err != nil || cmd != "zINSTREAM\x00" {
		_, _ = conn.Write([]byte("UNKNOWN COMMAND\x00"))
		return
	}
	var payload bytes.Buffer
	var size [4]byte
	for {
		if _, err := io.ReadFull(r, size[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(size[:])
		if n == 0 {
			break
		}
		if _, err := io.CopyN(&payload, r, int64(n)); err != nil {
			return
		}
	}
	if strings.Contains(payload.String(), eicarSignature) {
		_, _ = conn.Write([]byte("stream: Win.Test.EICAR_HDB-1 FOUND\x00"))
		return
	}
	_, _ = conn.Write([]byte("stream: OK\x00"))
}

func TestClamdScanner(t *testing.T) {
	addr := startFakeClamd(t)
	s, err := NewClamdScanner("tcp://"+addr, time.Second)
	if err != nil {
		t.Fatalf("new clamd scanner: %v", err)
	}
	s.chunkSize = 7

	verdict, err := s.Scan(context.Background(), []byte("a perfectly ordinary invoice"))
	if err != nil || !verdict.Clean {
		t.Fatalf("clean payload: %+v err=%v", verdict, err)
	}
	verdict, err = s.Scan(context.Background(), []byte(fixture.EICAR))
	if err != nil {
		t.Fatalf("scan eicar: %v", err)
	}
	if verdict.Clean || verdict.Signature != "Win.Test.EICAR_HDB-1" {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
}

func TestClamdUnavailableIsNotAValidationFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	s, _ := NewClamdScanner(addr, 200*time.Millisecond)
	v := New(Config{Scanners: []Scanner{s}})
	_, err = v.Validate(context.Background(), []byte("plain text body"))
	if err == nil {
		t.Fatalf("expected scanner error")
	}
	if errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("scanner outage must not be reported as a validation failure")
	}
}

func TestParseClamdReply(t *testing.T) {
	if _, err := parseClamdReply("INSTREAM size limit exceeded. ERROR"); err == nil {
		t.Fatalf("expected error reply to fail")
	}
}
