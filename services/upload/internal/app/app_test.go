package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"filevault/internal/fixture"
	"filevault/pkg/derive"
	"filevault/pkg/domain"
	"filevault/pkg/envelope"
	"filevault/pkg/queue"
	"filevault/pkg/storage"
	"filevault/pkg/store"
	"filevault/pkg/validate"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queue.Job{}, q.err
	}
	job.ID = fmt.Sprintf("job-%d", len(q.jobs)+1)
	q.jobs = append(q.jobs, job)
	return job, nil
}

func (q *recordingQueue) kinds(fileID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, j := range q.jobs {
		if j.FileID == fileID {
			out = append(out, j.Kind)
		}
	}
	return out
}

type parentLinks map[string][]string

func (p parentLinks) CanAccess(_ context.Context, parentRef, userID string) (bool, error) {
	for _, u := range p[parentRef] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

// failingPuts rejects writes below a prefix.
type failingPuts struct {
	*storage.MemoryStore
	prefix string
}

func (f failingPuts) Put(ctx context.Context, path string, r io.Reader, size int64, opts storage.PutOptions) (string, error) {
	if strings.HasPrefix(path, f.prefix) {
		return "", errors.New("disk full")
	}
	return f.MemoryStore.Put(ctx, path, r, size, opts)
}

type testEnv struct {
	app     *App
	store   *store.MemoryStore
	objects *storage.MemoryStore
	queue   *recordingQueue
	enc     *envelope.Encryptor
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	enc, err := envelope.NewEncryptor(bytes.Repeat([]byte{7}, 32), envelope.NewMemoryKeyStore())
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	env := &testEnv{
		store:   store.NewMemoryStore(),
		objects: storage.NewMemoryStore(),
		queue:   &recordingQueue{},
		enc:     enc,
	}
	cfg := Config{
		Store:                env.store,
		Objects:              env.objects,
		Queue:                env.queue,
		Cipher:               enc,
		Validator:            validate.New(validate.Config{MaxSize: 4096, Scanners: []validate.Scanner{validate.NewSignatureScanner(nil)}}),
		DefaultQuotaBytes:    1 << 20,
		MaxConcurrentUploads: 4,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.app, err = New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return env
}

func (e *testEnv) usage(t *testing.T, owner string) domain.QuotaLedger {
	t.Helper()
	q, err := e.app.Usage(context.Background(), owner)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	return q
}

func textInput(owner string, data []byte) UploadInput {
	return UploadInput{
		Reader:       bytes.NewReader(data),
		Name:         "notes.txt",
		DeclaredType: "text/plain",
		Size:         int64(len(data)),
		Category:     domain.CategoryDocument,
		OwnerID:      owner,
	}
}

func TestUploadSingleCommitsQuotaAndDeleteReturnsIt(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	data := []byte(strings.Repeat("quota ledger ", 20))

	before := env.usage(t, "u1").UsedBytes
	rec, err := env.app.UploadSingle(ctx, textInput("u1", data))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Status != domain.StatusActive || rec.ContentType != "text/plain" {
		t.Fatalf("unexpected record: status=%s type=%s", rec.Status, rec.ContentType)
	}
	q := env.usage(t, "u1")
	if q.UsedBytes != before+int64(len(data)) || q.ReservedBytes != 0 {
		t.Fatalf("used=%d reserved=%d after upload, want used=%d reserved=0", q.UsedBytes, q.ReservedBytes, before+int64(len(data)))
	}
	if q.Categories[domain.CategoryDocument] != int64(len(data)) {
		t.Fatalf("category breakdown = %v", q.Categories)
	}
	stored, err := env.objects.Get(ctx, rec.StoragePath)
	if err != nil || !bytes.Equal(stored, data) {
		t.Fatalf("stored bytes mismatch: err=%v", err)
	}

	if err := env.app.DeleteFile(ctx, rec.ID, domain.Caller{ID: "u1", Role: domain.RoleUser}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := env.usage(t, "u1").UsedBytes; got != before {
		t.Fatalf("used after delete = %d, want %d", got, before)
	}
	if _, err := env.app.GetFile(ctx, rec.ID, domain.Caller{ID: "u1"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted file should be gone, got %v", err)
	}
	raw, ok, _ := env.store.GetFile(ctx, rec.ID)
	if !ok || raw.Status != domain.StatusDeleted || raw.DeletedAt == nil {
		t.Fatalf("record should be soft-deleted: %+v", raw)
	}
}

func TestUploadRejectedWhenQuotaExhausted(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.app.SetQuota(ctx, domain.Caller{ID: "admin", Role: domain.RoleAdmin}, "u1", 1000); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	if _, err := env.app.UploadSingle(ctx, textInput("u1", bytes.Repeat([]byte("a"), 900))); err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	_, err := env.app.UploadSingle(ctx, textInput("u1", bytes.Repeat([]byte("b"), 200)))
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	q := env.usage(t, "u1")
	if q.UsedBytes != 900 || q.ReservedBytes != 0 {
		t.Fatalf("used=%d reserved=%d, want 900/0", q.UsedBytes, q.ReservedBytes)
	}
	files, _ := env.store.ListFiles(ctx, store.FileFilter{OwnerID: "u1"})
	if len(files) != 1 {
		t.Fatalf("rejected upload must not create a record, have %d", len(files))
	}
}

func TestSetQuotaRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.app.SetQuota(context.Background(), domain.Caller{ID: "u1"}, "u1", 1); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestOversizeUploadFailsValidationWithoutQuotaEffect(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	data := bytes.Repeat([]byte("x"), 5000)

	rec, err := env.app.UploadSingle(ctx, textInput("u1", data))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Reason != domain.ReasonTooLarge {
		t.Fatalf("err = %v, want too_large validation error", err)
	}
	if rec.ID != "" {
		t.Fatalf("no record should be returned on failure")
	}
	q := env.usage(t, "u1")
	if q.UsedBytes != 0 || q.ReservedBytes != 0 {
		t.Fatalf("quota touched: used=%d reserved=%d", q.UsedBytes, q.ReservedBytes)
	}
	failed, _ := env.store.ListFiles(ctx, store.FileFilter{OwnerID: "u1", Statuses: []domain.FileStatus{domain.StatusFailed}})
	if len(failed) != 1 {
		t.Fatalf("want one failed record, have %d", len(failed))
	}
	last := failed[0].History[len(failed[0].History)-1]
	if last.Action != "validate" || last.Outcome != domain.OutcomeFailure {
		t.Fatalf("history should record the rejection: %+v", failed[0].History)
	}
	if env.objects.PutCount() != 0 {
		t.Fatalf("nothing should reach storage")
	}
}

func TestOversizedImageRejectedBeforeStorageWrite(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Validator = validate.New(validate.Config{MaxSize: 1 << 20, MaxImageWidth: 64, MaxImageHeight: 64})
	})
	img := fixture.PNG(128, 32, false)
	_, err := env.app.UploadSingle(context.Background(), UploadInput{
		Reader:  bytes.NewReader(img),
		Name:    "wide.png",
		Size:    int64(len(img)),
		OwnerID: "u1",
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Reason != domain.ReasonDimensions {
		t.Fatalf("err = %v, want dimensions validation error", err)
	}
	if env.objects.PutCount() != 0 {
		t.Fatalf("storage written %d times before rejection", env.objects.PutCount())
	}
}

func TestMalwareRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.app.UploadSingle(context.Background(), textInput("u1", []byte(fixture.EICAR)))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Reason != domain.ReasonMalware {
		t.Fatalf("err = %v, want malware rejection", err)
	}
}

func TestDeclaredSizeMismatchRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	in := textInput("u1", []byte("short body"))
	in.Size = 100
	_, err := env.app.UploadSingle(context.Background(), in)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Reason != domain.ReasonSizeMismatch {
		t.Fatalf("err = %v, want size mismatch", err)
	}
	if q := env.usage(t, "u1"); q.ReservedBytes != 0 || q.UsedBytes != 0 {
		t.Fatalf("reservation leaked: %+v", q)
	}
}

func TestStorageFailureMarksFailedAndReleasesReservation(t *testing.T) {
	mem := storage.NewMemoryStore()
	env := newTestEnv(t, func(c *Config) { c.Objects = failingPuts{MemoryStore: mem, prefix: "files/"} })
	rec, err := env.app.UploadSingle(context.Background(), textInput("u1", []byte("some text to keep")))
	if !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("err = %v, want ErrStorageFailure", err)
	}
	_ = rec
	if q := env.usage(t, "u1"); q.ReservedBytes != 0 || q.UsedBytes != 0 {
		t.Fatalf("quota after storage failure: %+v", q)
	}
	failed, _ := env.store.ListFiles(context.Background(), store.FileFilter{Statuses: []domain.FileStatus{domain.StatusFailed}})
	if len(failed) != 1 || failed[0].Metadata[domain.MetaError] == "" {
		t.Fatalf("want one failed record with error text, have %+v", failed)
	}
}

func TestUploadEnqueuesDerivativesPerKind(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Validator = validate.New(validate.Config{MaxSize: 1 << 20}) })
	img := fixture.PNG(40, 20, true)
	rec, err := env.app.UploadSingle(context.Background(), UploadInput{
		Reader: bytes.NewReader(img), Name: "logo.png", Size: int64(len(img)), OwnerID: "u1", Category: domain.CategoryImage,
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	kinds := env.queue.kinds(rec.ID)
	if len(kinds) != 2 || kinds[0] != string(domain.DerivativeOptimized) || kinds[1] != string(domain.DerivativeThumbnail) {
		t.Fatalf("queued kinds = %v", kinds)
	}
	if rec.Metadata[domain.MetaWidth] != "40" || rec.Metadata[domain.MetaHasAlpha] != "true" {
		t.Fatalf("validation metadata missing: %v", rec.Metadata)
	}
	for _, j := range env.queue.jobs {
		if j.Name != derive.JobName {
			t.Fatalf("job name = %q", j.Name)
		}
	}
}

func TestEnqueueFailureDoesNotFailUpload(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Validator = validate.New(validate.Config{MaxSize: 1 << 20}) })
	env.queue.err = errors.New("broker down")
	img := fixture.JPEG(16, 16)
	rec, err := env.app.UploadSingle(context.Background(), UploadInput{
		Reader: bytes.NewReader(img), Name: "a.jpg", Size: int64(len(img)), OwnerID: "u1",
	})
	if err != nil {
		t.Fatalf("upload should succeed: %v", err)
	}
	stored, _, _ := env.store.GetFile(context.Background(), rec.ID)
	if stored.Status != domain.StatusActive {
		t.Fatalf("status = %s", stored.Status)
	}
	found := false
	for _, h := range stored.History {
		if strings.HasPrefix(h.Action, "enqueue:") && h.Outcome == domain.OutcomeFailure {
			found = true
		}
	}
	if !found {
		t.Fatalf("enqueue failure not in history: %+v", stored.History)
	}
}

func TestConcurrencyCeilingCountsInFlightRecords(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxConcurrentUploads = 1 })
	ctx := context.Background()
	open, err := env.app.StartChunkedUpload(ctx, ChunkedInput{Name: "big.txt", Size: 300, OwnerID: "u1", TotalChunks: 3})
	if err != nil {
		t.Fatalf("start chunked: %v", err)
	}
	_, err = env.app.UploadSingle(ctx, textInput("u1", []byte("another file")))
	if !errors.Is(err, domain.ErrConcurrencyLimit) {
		t.Fatalf("err = %v, want ErrConcurrencyLimit", err)
	}
	if q := env.usage(t, "u1"); q.ReservedBytes != open.Size {
		t.Fatalf("reserved = %d, want only the open upload's %d", q.ReservedBytes, open.Size)
	}
	if _, err := env.app.UploadSingle(ctx, textInput("u2", []byte("other owners are unaffected"))); err != nil {
		t.Fatalf("other owner: %v", err)
	}
}

func TestChunkedUploadOutOfOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	parts := [][]byte{
		bytes.Repeat([]byte("a"), 100),
		bytes.Repeat([]byte("b"), 100),
		bytes.Repeat([]byte("c"), 100),
	}
	rec, err := env.app.StartChunkedUpload(ctx, ChunkedInput{Name: "letters.txt", Size: 300, OwnerID: "u1", TotalChunks: 3})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.Status != domain.StatusReceiving {
		t.Fatalf("status = %s, want receiving", rec.Status)
	}
	for i, idx := range []int{2, 0, 1} {
		progress, err := env.app.UploadChunk(ctx, rec.ID, "u1", idx, parts[idx], 3)
		if err != nil {
			t.Fatalf("chunk %d: %v", idx, err)
		}
		if progress.Received != i+1 || progress.Total != 3 {
			t.Fatalf("progress after chunk %d = %+v", idx, progress)
		}
	}
	done, err := env.app.CompleteChunkedUpload(ctx, rec.ID, "u1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.StatusActive || done.Size != 300 {
		t.Fatalf("unexpected record: %+v", done)
	}
	stored, err := env.objects.Get(ctx, done.StoragePath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(stored, bytes.Join(parts, nil)) {
		t.Fatalf("assembled bytes not in index order")
	}
	if keys := env.objects.Keys("chunks/"); len(keys) != 0 {
		t.Fatalf("chunk objects left behind: %v", keys)
	}
	if n, _ := env.store.CountChunks(ctx, rec.ID); n != 0 {
		t.Fatalf("chunk records left behind: %d", n)
	}
	if q := env.usage(t, "u1"); q.UsedBytes != 300 || q.ReservedBytes != 0 {
		t.Fatalf("quota after chunked upload: %+v", q)
	}
}

func TestChunkResendDoesNotDoubleCount(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	rec, err := env.app.StartChunkedUpload(ctx, ChunkedInput{Name: "x.txt", Size: 20, OwnerID: "u1", TotalChunks: 2})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		p, err := env.app.UploadChunk(ctx, rec.ID, "u1", 0, []byte("first half"), 2)
		if err != nil {
			t.Fatalf("chunk: %v", err)
		}
		if p.Received != 1 {
			t.Fatalf("received = %d after resend, want 1", p.Received)
		}
	}
	stored, _, _ := env.store.GetFile(ctx, rec.ID)
	if stored.Metadata[domain.MetaChunksReceived] != "1" {
		t.Fatalf("chunk progress metadata = %q", stored.Metadata[domain.MetaChunksReceived])
	}
}

func TestCompleteWithMissingChunks(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	rec, _ := env.app.StartChunkedUpload(ctx, ChunkedInput{Name: "x.txt", Size: 30, OwnerID: "u1", TotalChunks: 3})
	for _, idx := range []int{0, 2} {
		if _, err := env.app.UploadChunk(ctx, rec.ID, "u1", idx, []byte("0123456789"), 3); err != nil {
			t.Fatalf("chunk %d: %v", idx, err)
		}
	}
	_, err := env.app.CompleteChunkedUpload(ctx, rec.ID, "u1")
	var incomplete *domain.IncompleteChunksError
	if !errors.As(err, &incomplete) || len(incomplete.Missing) != 1 || incomplete.Missing[0] != 1 {
		t.Fatalf("err = %v, want missing [1]", err)
	}
	stored, _, _ := env.store.GetFile(ctx, rec.ID)
	if stored.Status != domain.StatusReceiving {
		t.Fatalf("upload should stay open, status = %s", stored.Status)
	}
	progress, missing, err := env.app.ChunkStatus(ctx, rec.ID, "u1")
	if err != nil || progress.Received != 2 || len(missing) != 1 {
		t.Fatalf("status = %+v missing=%v err=%v", progress, missing, err)
	}

	if _, err := env.app.UploadChunk(ctx, rec.ID, "u1", 1, []byte("0123456789"), 3); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if _, err := env.app.CompleteChunkedUpload(ctx, rec.ID, "u1"); err != nil {
		t.Fatalf("complete after resend: %v", err)
	}
}

func TestUploadChunkChecksOwnershipAndBounds(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	rec, _ := env.app.StartChunkedUpload(ctx, ChunkedInput{Name: "x.txt", Size: 30, OwnerID: "u1", TotalChunks: 3})

	if _, err := env.app.UploadChunk(ctx, rec.ID, "u2", 0, []byte("data"), 3); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign owner: err = %v", err)
	}
	if _, err := env.app.UploadChunk(ctx, rec.ID, "u1", 3, []byte("data"), 3); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("index out of range: err = %v", err)
	}
	if _, err := env.app.UploadChunk(ctx, rec.ID, "u1", 0, []byte("data"), 4); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("total mismatch: err = %v", err)
	}
	if _, err := env.app.UploadChunk(ctx, "missing", "u1", 0, []byte("data"), 3); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown file: err = %v", err)
	}
}

func TestStartChunkedRejectsOversizeDeclaration(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.app.StartChunkedUpload(context.Background(), ChunkedInput{Name: "big.bin", Size: 1 << 20, OwnerID: "u1", TotalChunks: 4})
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("err = %v, want ErrValidationFailed", err)
	}
	if q := env.usage(t, "u1"); q.ReservedBytes != 0 {
		t.Fatalf("reserved = %d", q.ReservedBytes)
	}
}

func TestChunkBytesCannotExceedDeclaredSize(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	rec, err := env.app.StartChunkedUpload(ctx, ChunkedInput{Name: "x.bin", Size: 300, OwnerID: "u1", TotalChunks: 3})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	full := bytes.Repeat([]byte("z"), 300)
	if _, err := env.app.UploadChunk(ctx, rec.ID, "u1", 0, full, 3); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	for _, idx := range []int{1, 2} {
		if _, err := env.app.UploadChunk(ctx, rec.ID, "u1", idx, full, 3); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("chunk %d over the declared size: err = %v, want ErrInvalidInput", idx, err)
		}
	}
	if keys := env.objects.Keys("chunks/" + rec.ID + "/"); len(keys) != 1 {
		t.Fatalf("stored chunk objects = %v, want only chunk 0", keys)
	}

	// shrinking an index frees room for the others
	if _, err := env.app.UploadChunk(ctx, rec.ID, "u1", 0, full[:100], 3); err != nil {
		t.Fatalf("resend chunk 0: %v", err)
	}
	for _, idx := range []int{1, 2} {
		if _, err := env.app.UploadChunk(ctx, rec.ID, "u1", idx, full[:100], 3); err != nil {
			t.Fatalf("chunk %d: %v", idx, err)
		}
	}
	if _, err := env.app.UploadChunk(ctx, rec.ID, "u1", 2, full[:101], 3); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("one byte over: err = %v", err)
	}
	done, err := env.app.CompleteChunkedUpload(ctx, rec.ID, "u1")
	if err != nil || done.Size != 300 {
		t.Fatalf("complete: %+v %v", done, err)
	}
}

func TestEncryptedChunksAreSealedAtRest(t *testing.T) {
	keys := envelope.NewMemoryKeyStore()
	enc, err := envelope.NewEncryptor(bytes.Repeat([]byte{9}, 32), keys)
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	env := newTestEnv(t, func(c *Config) { c.Cipher = enc })
	ctx := context.Background()
	parts := [][]byte{[]byte("secret part one "), []byte("secret part two!")}
	rec, err := env.app.StartChunkedUpload(ctx, ChunkedInput{Name: "s.txt", Size: 32, OwnerID: "u1", TotalChunks: 2, Encrypt: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i, p := range parts {
		if _, err := env.app.UploadChunk(ctx, rec.ID, "u1", i, p, 2); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}
	// a resend replaces the sealed chunk and retires its key
	first, _ := env.store.ListChunks(ctx, rec.ID)
	if _, err := env.app.UploadChunk(ctx, rec.ID, "u1", 0, parts[0], 2); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if _, ok, _ := keys.GetKey(ctx, first[0].KeyID); ok {
		t.Fatalf("key of the replaced chunk still stored")
	}

	chunks, _ := env.store.ListChunks(ctx, rec.ID)
	for _, c := range chunks {
		if c.KeyID == "" {
			t.Fatalf("chunk %d not sealed", c.Index)
		}
		raw, err := env.objects.Get(ctx, c.Path)
		if err != nil {
			t.Fatalf("get chunk: %v", err)
		}
		if bytes.Contains(raw, []byte("secret")) {
			t.Fatalf("chunk %d stored in the clear", c.Index)
		}
	}

	done, err := env.app.CompleteChunkedUpload(ctx, rec.ID, "u1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, plain, err := env.app.OpenFile(ctx, done.ID, domain.Caller{ID: "u1"})
	if err != nil || !bytes.Equal(plain, bytes.Join(parts, nil)) {
		t.Fatalf("open: %q %v", plain, err)
	}
	for _, c := range chunks {
		if _, ok, _ := keys.GetKey(ctx, c.KeyID); ok {
			t.Fatalf("chunk key %s left after completion", c.KeyID)
		}
	}
}

func TestDeleteRemovesOriginalThumbnailAndVersions(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Validator = validate.New(validate.Config{MaxSize: 1 << 20}) })
	ctx := context.Background()
	img := fixture.PNG(32, 32, false)
	rec, err := env.app.UploadSingle(ctx, UploadInput{Reader: bytes.NewReader(img), Name: "p.png", Size: int64(len(img)), OwnerID: "u1"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	proc, err := derive.NewProcessor(derive.ProcessorConfig{Store: env.store, Objects: env.objects, Cipher: env.enc})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	for _, job := range env.queue.jobs {
		if err := proc.Handle(ctx, job); err != nil {
			t.Fatalf("handle %s: %v", job.Kind, err)
		}
	}
	withVersions, _, _ := env.store.GetFile(ctx, rec.ID)
	if len(withVersions.Versions) != 2 || withVersions.ThumbnailPath == "" {
		t.Fatalf("derivatives missing: %+v", withVersions.Versions)
	}
	if len(env.objects.Keys("")) != 3 {
		t.Fatalf("objects before delete: %v", env.objects.Keys(""))
	}
	used := env.usage(t, "u1").UsedBytes

	if err := env.app.DeleteFile(ctx, rec.ID, domain.Caller{ID: "admin", Role: domain.RoleAdmin}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if keys := env.objects.Keys(""); len(keys) != 0 {
		t.Fatalf("objects left after delete: %v", keys)
	}
	if got := env.usage(t, "u1").UsedBytes; got != used-rec.Size {
		t.Fatalf("used = %d, want %d", got, used-rec.Size)
	}
}

func TestDeleteAuthorization(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	rec, err := env.app.UploadSingle(ctx, textInput("u1", []byte("private notes")))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := env.app.DeleteFile(ctx, rec.ID, domain.Caller{ID: "u2"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if err := env.app.DeleteFile(ctx, rec.ID, domain.Caller{ID: "u1"}); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if err := env.app.DeleteFile(ctx, rec.ID, domain.Caller{ID: "u1"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteFailedRecordLeavesQuotaAlone(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.app.UploadSingle(ctx, textInput("u1", []byte("kept file"))); err != nil {
		t.Fatalf("upload: %v", err)
	}
	_, _ = env.app.UploadSingle(ctx, textInput("u1", []byte(fixture.EICAR)))
	failed, _ := env.store.ListFiles(ctx, store.FileFilter{Statuses: []domain.FileStatus{domain.StatusFailed}})
	if len(failed) != 1 {
		t.Fatalf("failed records = %d", len(failed))
	}
	if err := env.app.DeleteFile(ctx, failed[0].ID, domain.Caller{ID: "u1"}); err != nil {
		t.Fatalf("delete failed record: %v", err)
	}
	if got := env.usage(t, "u1").UsedBytes; got != int64(len("kept file")) {
		t.Fatalf("used = %d", got)
	}
}

func TestDownloadURLAccess(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ParentAccess = parentLinks{"order-7": {"assignee"}} })
	ctx := context.Background()
	in := textInput("u1", []byte("invoice body"))
	in.ParentRef = "order-7"
	rec, err := env.app.UploadSingle(ctx, in)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	for _, caller := range []domain.Caller{{ID: "u1"}, {ID: "assignee"}, {ID: "root", Role: domain.RoleAdmin}} {
		link, err := env.app.GetDownloadURL(ctx, rec.ID, caller)
		if err != nil {
			t.Fatalf("%s: %v", caller.ID, err)
		}
		if !strings.Contains(link.URL, rec.StoragePath) || link.Expiry.IsZero() || link.Filename != "notes.txt" {
			t.Fatalf("unexpected link: %+v", link)
		}
	}
	if _, err := env.app.GetDownloadURL(ctx, rec.ID, domain.Caller{ID: "stranger"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("stranger: err = %v", err)
	}
	stored, _, _ := env.store.GetFile(ctx, rec.ID)
	if stored.Metadata[domain.MetaDownloads] != "3" {
		t.Fatalf("downloads = %q, want 3", stored.Metadata[domain.MetaDownloads])
	}
}

func TestEncryptedUploadRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	data := []byte("confidential measurements")
	in := textInput("u1", data)
	in.Encrypt = true
	rec, err := env.app.UploadSingle(ctx, in)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !rec.IsEncrypted || rec.KeyID == "" {
		t.Fatalf("record not marked encrypted: %+v", rec)
	}
	raw, _ := env.objects.Get(ctx, rec.StoragePath)
	if bytes.Contains(raw, data) {
		t.Fatalf("plaintext stored at rest")
	}
	_, plain, err := env.app.OpenFile(ctx, rec.ID, domain.Caller{ID: "u1"})
	if err != nil || !bytes.Equal(plain, data) {
		t.Fatalf("open: %v", err)
	}
	if _, err := env.app.GetDownloadURL(ctx, rec.ID, domain.Caller{ID: "u1"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("presigning ciphertext should be refused, got %v", err)
	}
}

func TestOpenFileFailsClosedOnTamperedCiphertext(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	in := textInput("u1", []byte("do not corrupt me"))
	in.Encrypt = true
	rec, err := env.app.UploadSingle(ctx, in)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	raw, _ := env.objects.Get(ctx, rec.StoragePath)
	raw[len(raw)-1] ^= 0xff
	if _, err := env.objects.Put(ctx, rec.StoragePath, bytes.NewReader(raw), int64(len(raw)), storage.PutOptions{}); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, data, err := env.app.OpenFile(ctx, rec.ID, domain.Caller{ID: "u1"}); !errors.Is(err, domain.ErrDecryptionFailed) || data != nil {
		t.Fatalf("err = %v, want ErrDecryptionFailed and no data", err)
	}
}

func TestEncryptionRequestedWithoutCipher(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Cipher = nil })
	in := textInput("u1", []byte("data"))
	in.Encrypt = true
	if _, err := env.app.UploadSingle(context.Background(), in); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestRotateAndReencrypt(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	owner := domain.Caller{ID: "u1"}
	data := []byte("rotate these bytes")
	in := textInput("u1", data)
	in.Encrypt = true
	rec, err := env.app.UploadSingle(ctx, in)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	before, _ := env.objects.Get(ctx, rec.StoragePath)

	rotated, err := env.app.RotateFileKey(ctx, rec.ID, owner)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.KeyID == rec.KeyID {
		t.Fatalf("key id unchanged")
	}
	after, _ := env.objects.Get(ctx, rotated.StoragePath)
	if !bytes.Equal(before, after) {
		t.Fatalf("rotation must not touch ciphertext")
	}
	if _, err := env.enc.Decrypt(ctx, before, rec.KeyID); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("old key id should be gone, got %v", err)
	}

	reenc, err := env.app.ReencryptFile(ctx, rec.ID, owner)
	if err != nil {
		t.Fatalf("reencrypt: %v", err)
	}
	if reenc.KeyID == rotated.KeyID || reenc.StoragePath == rotated.StoragePath {
		t.Fatalf("re-encryption should produce a new key and object: %+v", reenc)
	}
	if _, err := env.objects.Get(ctx, rotated.StoragePath); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("old object should be removed, got %v", err)
	}
	_, plain, err := env.app.OpenFile(ctx, rec.ID, owner)
	if err != nil || !bytes.Equal(plain, data) {
		t.Fatalf("open after re-encryption: %v", err)
	}
	if _, err := env.app.RotateFileKey(ctx, rec.ID, domain.Caller{ID: "u2"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign rotate: err = %v", err)
	}
}

func TestUploadMultiple(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	batch := []UploadInput{
		textInput("u1", []byte("first document")),
		textInput("u1", []byte(fixture.EICAR)),
		textInput("u1", []byte("third document")),
	}
	batch[1].Name = "infected.txt"
	res, err := env.app.UploadMultiple(ctx, batch)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(res.Succeeded) != 2 || len(res.Failed) != 1 {
		t.Fatalf("succeeded=%d failed=%d", len(res.Succeeded), len(res.Failed))
	}
	if res.Failed[0].Name != "infected.txt" || !errors.Is(res.Failed[0].Err, domain.ErrValidationFailed) {
		t.Fatalf("unexpected failure: %+v", res.Failed[0])
	}
	want := int64(len("first document") + len("third document"))
	if got := env.usage(t, "u1").UsedBytes; got != want {
		t.Fatalf("used = %d, want %d", got, want)
	}
}

func TestUploadMultipleAggregateQuotaCheck(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.DefaultQuotaBytes = 100 })
	batch := []UploadInput{
		textInput("u1", bytes.Repeat([]byte("a"), 60)),
		textInput("u1", bytes.Repeat([]byte("b"), 60)),
	}
	if _, err := env.app.UploadMultiple(context.Background(), batch); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if env.objects.PutCount() != 0 {
		t.Fatalf("batch rejected up front should not write")
	}
}

func TestListFilesScopesToCaller(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ParentAccess = parentLinks{"order-1": {"u2"}} })
	ctx := context.Background()
	in := textInput("u1", []byte("attached to order"))
	in.ParentRef = "order-1"
	if _, err := env.app.UploadSingle(ctx, in); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := env.app.UploadSingle(ctx, textInput("u1", []byte("loose file"))); err != nil {
		t.Fatalf("upload: %v", err)
	}

	own, _ := env.app.ListFiles(ctx, domain.Caller{ID: "u1"}, ListFilter{})
	if len(own) != 2 {
		t.Fatalf("owner sees %d files", len(own))
	}
	linked, _ := env.app.ListFiles(ctx, domain.Caller{ID: "u2"}, ListFilter{ParentRef: "order-1"})
	if len(linked) != 1 {
		t.Fatalf("linked user sees %d files", len(linked))
	}
	if _, err := env.app.ListFiles(ctx, domain.Caller{ID: "u2"}, ListFilter{OwnerID: "u1"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("listing another owner: err = %v", err)
	}
	all, _ := env.app.ListFiles(ctx, domain.Caller{ID: "root", Role: domain.RoleAdmin}, ListFilter{Status: domain.StatusActive})
	if len(all) != 2 {
		t.Fatalf("admin sees %d files", len(all))
	}
}
