package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"filevault/internal/fixture"
	"filevault/pkg/derive"
	"filevault/pkg/domain"
	"filevault/pkg/queue"
	"filevault/pkg/storage"
	"filevault/pkg/store"
)

func TestRunProcessesQueuedDerivatives(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemoryStore()
	objects := storage.NewMemoryStore()
	jobs := queue.NewLocalQueue(queue.LocalQueueConfig{})

	original := fixture.PNG(640, 480, false)
	if _, err := objects.Put(ctx, "files/owner-1/img/original", bytes.NewReader(original), int64(len(original)), storage.PutOptions{}); err != nil {
		t.Fatalf("put original: %v", err)
	}
	now := time.Now().UTC()
	if err := st.CreateFile(ctx, domain.FileRecord{
		ID:          "img",
		OwnerID:     "owner-1",
		ContentType: "image/png",
		Size:        int64(len(original)),
		Status:      domain.StatusActive,
		StoragePath: "files/owner-1/img/original",
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		t.Fatalf("create file: %v", err)
	}

	processor, err := New(Config{
		Store:         st,
		Objects:       objects,
		Queue:         jobs,
		Generator:     derive.NewGenerator(derive.GeneratorConfig{ThumbnailSize: 64}),
		Workers:       1,
		SweepInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	go processor.Run(ctx)

	rec, _, _ := st.GetFile(ctx, "img")
	for _, job := range derive.Jobs(rec) {
		if _, err := jobs.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue %s: %v", job.Kind, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, _, _ = st.GetFile(ctx, "img")
		if len(rec.Versions) == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := rec.Versions[domain.DerivativeThumbnail]; !ok {
		t.Fatalf("thumbnail not generated: %+v", rec.Versions)
	}
	if _, ok := rec.Versions[domain.DerivativeOptimized]; !ok {
		t.Fatalf("optimized copy not generated: %+v", rec.Versions)
	}
	if rec.ThumbnailPath == "" || len(objects.Keys(derive.Path("img", domain.DerivativeThumbnail))) != 1 {
		t.Fatalf("thumbnail object missing, path=%q", rec.ThumbnailPath)
	}
}

func TestNewRequiresQueue(t *testing.T) {
	if _, err := New(Config{Store: store.NewMemoryStore(), Objects: storage.NewMemoryStore()}); err == nil {
		t.Fatalf("expected error without queue")
	}
}

func TestNewWiresSweeperWithDefaults(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := st.CreateFile(ctx, domain.FileRecord{ID: "stuck", OwnerID: "owner-1", Size: 10, Status: domain.StatusReceiving, TotalChunks: 1, CreatedAt: old, UpdatedAt: old}); err != nil {
		t.Fatalf("create file: %v", err)
	}
	processor, err := New(Config{Store: st, Objects: storage.NewMemoryStore(), Queue: queue.NewLocalQueue(queue.LocalQueueConfig{})})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if n, err := processor.Sweeper().Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want the 48h-old upload reclaimed under the 24h default", n, err)
	}
}
