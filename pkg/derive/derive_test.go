package derive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"strings"
	"testing"
	"time"

	"filevault/internal/fixture"
	"filevault/pkg/domain"
	"filevault/pkg/envelope"
	"filevault/pkg/queue"
	"filevault/pkg/storage"
	"filevault/pkg/store"
)

type harness struct {
	store   *store.MemoryStore
	objects *storage.MemoryStore
	enc     *envelope.Encryptor
	proc    *Processor
}

func newHarness(t *testing.T, gen *Generator) *harness {
	t.Helper()
	enc, err := envelope.NewEncryptor(bytes.Repeat([]byte{1}, 32), envelope.NewMemoryKeyStore())
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	h := &harness{store: store.NewMemoryStore(), objects: storage.NewMemoryStore(), enc: enc}
	h.proc, err = NewProcessor(ProcessorConfig{Store: h.store, Objects: h.objects, Cipher: enc, Generator: gen})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	return h
}

func (h *harness) addFile(t *testing.T, id, contentType string, data []byte, encrypt bool) domain.FileRecord {
	t.Helper()
	ctx := context.Background()
	rec := domain.FileRecord{
		ID:          id,
		ContentType: contentType,
		Size:        int64(len(data)),
		Status:      domain.StatusActive,
		OwnerID:     "u1",
		StoragePath: "files/u1/" + id + "/original",
		CreatedAt:   time.Now().UTC(),
	}
	payload := data
	if encrypt {
		sealed, err := h.enc.Encrypt(ctx, data)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		payload = sealed.Ciphertext
		rec.IsEncrypted, rec.KeyID = true, sealed.KeyID
	}
	if _, err := h.objects.Put(ctx, rec.StoragePath, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := h.store.CreateFile(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func runJobs(t *testing.T, h *harness, rec domain.FileRecord) {
	t.Helper()
	for _, job := range Jobs(rec) {
		if err := h.proc.Handle(context.Background(), job); err != nil {
			t.Fatalf("handle %s: %v", job.Kind, err)
		}
	}
}

func TestImageDerivatives(t *testing.T) {
	h := newHarness(t, NewGenerator(GeneratorConfig{MaxEdge: 100, ThumbnailSize: 32}))
	rec := h.addFile(t, "img1", "image/png", fixture.PNG(300, 150, false), false)
	runJobs(t, h, rec)

	got, _, _ := h.store.GetFile(context.Background(), "img1")
	if got.Status != domain.StatusActive {
		t.Fatalf("status = %s", got.Status)
	}
	opt, ok := got.Versions[domain.DerivativeOptimized]
	if !ok || opt.ContentType != "image/jpeg" {
		t.Fatalf("optimized version missing: %+v", got.Versions)
	}
	data, err := h.objects.Get(context.Background(), opt.Path)
	if err != nil {
		t.Fatalf("get optimized: %v", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width != 100 || cfg.Height != 50 {
		t.Fatalf("optimized dimensions = %dx%d err=%v", cfg.Width, cfg.Height, err)
	}
	thumb := got.Versions[domain.DerivativeThumbnail]
	if got.ThumbnailPath != thumb.Path || thumb.Path != Path("img1", domain.DerivativeThumbnail) {
		t.Fatalf("thumbnail path not recorded: %+v", got)
	}
	if got.Metadata[domain.MetaWidth] != "300" || got.Metadata[domain.MetaHasAlpha] != "false" {
		t.Fatalf("image metadata not merged: %v", got.Metadata)
	}
	if len(got.History) != 2 {
		t.Fatalf("history = %+v", got.History)
	}
}

func TestTransparentThumbnailIsPNG(t *testing.T) {
	h := newHarness(t, NewGenerator(GeneratorConfig{ThumbnailSize: 16}))
	rec := h.addFile(t, "img2", "image/png", fixture.PNG(64, 64, true), false)
	if err := h.proc.Handle(context.Background(), queue.Job{FileID: rec.ID, Kind: string(domain.DerivativeThumbnail)}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _, _ := h.store.GetFile(context.Background(), rec.ID)
	if got.Versions[domain.DerivativeThumbnail].ContentType != "image/png" {
		t.Fatalf("transparent thumbnail should be png: %+v", got.Versions)
	}
}

func TestDocumentMetadataAndMissingRenderer(t *testing.T) {
	h := newHarness(t, NewGenerator(GeneratorConfig{PdftoppmBinary: "filevault-no-such-renderer"}))
	pdf := fixture.PDF(2, map[string]string{"Title": "Spring Invoice", "Author": "Ada"})
	rec := h.addFile(t, "doc1", "application/pdf", pdf, false)
	runJobs(t, h, rec)

	got, _, _ := h.store.GetFile(context.Background(), "doc1")
	if got.Status != domain.StatusActive {
		t.Fatalf("derivative failure must not change status, got %s", got.Status)
	}
	if got.Metadata[domain.MetaPageCount] != "2" || got.Metadata["title"] != "Spring Invoice" {
		t.Fatalf("document metadata not merged: %v", got.Metadata)
	}
	meta := got.Versions[domain.DerivativeDocumentMeta]
	raw, err := h.objects.Get(context.Background(), meta.Path)
	if err != nil {
		t.Fatalf("get metadata artifact: %v", err)
	}
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil || fields["author"] != "Ada" {
		t.Fatalf("metadata artifact = %s err=%v", raw, err)
	}
	if _, ok := got.Versions[domain.DerivativeDocumentThumbnail]; ok {
		t.Fatalf("thumbnail recorded without a renderer")
	}
	last := got.History[len(got.History)-1]
	if last.Outcome != domain.OutcomeFailure || !strings.Contains(last.Error, "not available") {
		t.Fatalf("renderer failure not in history: %+v", last)
	}
}

func TestEPUBMetadata(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("OEBPS/content.opf")
	_, _ = w.Write([]byte(`<?xml version="1.0"?><package><metadata><dc:title>Knitting Patterns</dc:title><dc:creator>Grace</dc:creator></metadata></package>`))
	_ = zw.Close()

	d, err := NewGenerator(GeneratorConfig{}).Generate(context.Background(), domain.DerivativeDocumentMeta, "application/epub+zip", buf.Bytes())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if d.Metadata["title"] != "Knitting Patterns" || d.Metadata["author"] != "Grace" {
		t.Fatalf("unexpected epub metadata: %v", d.Metadata)
	}
}

func TestEncryptedFileDerivativesAreSealed(t *testing.T) {
	h := newHarness(t, NewGenerator(GeneratorConfig{ThumbnailSize: 16}))
	rec := h.addFile(t, "enc1", "image/jpeg", fixture.JPEG(40, 40), true)
	if err := h.proc.Handle(context.Background(), queue.Job{FileID: rec.ID, Kind: string(domain.DerivativeThumbnail)}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _, _ := h.store.GetFile(context.Background(), rec.ID)
	v := got.Versions[domain.DerivativeThumbnail]
	if v.KeyID == "" || v.KeyID == rec.KeyID {
		t.Fatalf("derivative must carry its own key: %+v", v)
	}
	sealed, _ := h.objects.Get(context.Background(), v.Path)
	plain, err := h.enc.Decrypt(context.Background(), sealed, v.KeyID)
	if err != nil {
		t.Fatalf("decrypt derivative: %v", err)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(plain)); err != nil {
		t.Fatalf("decrypted derivative is not an image: %v", err)
	}
}

func TestHandleSkipsInactiveAndMissingFiles(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.addFile(t, "gone", "image/png", fixture.PNG(8, 8, false), false)
	_, err := h.store.UpdateFile(context.Background(), rec.ID, func(f *domain.FileRecord) error {
		return f.Transition(domain.StatusDeleted)
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := h.proc.Handle(context.Background(), queue.Job{FileID: "gone", Kind: string(domain.DerivativeThumbnail)}); err != nil {
		t.Fatalf("handle deleted: %v", err)
	}
	if err := h.proc.Handle(context.Background(), queue.Job{FileID: "missing", Kind: string(domain.DerivativeThumbnail)}); err != nil {
		t.Fatalf("handle missing: %v", err)
	}
	if keys := h.objects.Keys("derivatives/"); len(keys) != 0 {
		t.Fatalf("derivatives written for inactive file: %v", keys)
	}
}

func TestCorruptImageRecordsFailure(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.addFile(t, "bad", "image/png", []byte("\x89PNG\r\n\x1a\nbroken"), false)
	if err := h.proc.Handle(context.Background(), queue.Job{FileID: rec.ID, Kind: string(domain.DerivativeOptimized)}); err != nil {
		t.Fatalf("generation failures are not retried: %v", err)
	}
	got, _, _ := h.store.GetFile(context.Background(), rec.ID)
	if len(got.History) != 1 || got.History[0].Outcome != domain.OutcomeFailure {
		t.Fatalf("failure not recorded: %+v", got.History)
	}
}

func TestGenerateUnknownKind(t *testing.T) {
	_, err := NewGenerator(GeneratorConfig{}).Generate(context.Background(), "sepia", "image/png", nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
