package derive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"filevault/internal/util"
	"filevault/pkg/domain"
	"filevault/pkg/envelope"
	"filevault/pkg/metrics"
	"filevault/pkg/queue"
	"filevault/pkg/storage"
	"filevault/pkg/store"
)

// Cipher seals derivatives of encrypted files and opens their originals.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) (envelope.Sealed, error)
	Decrypt(ctx context.Context, envelope []byte, keyID string) ([]byte, error)
	DeleteKey(ctx context.Context, keyID string) error
}

// Path returns the object key of a derivative.
func Path(fileID string, kind domain.DerivativeKind) string {
	return fmt.Sprintf("derivatives/%s/%s", fileID, kind)
}

// JobName is the queue job name for derivative work.
const JobName = "derive"

// Jobs builds one queue job per derivative kind for a stored file.
func Jobs(rec domain.FileRecord) []queue.Job {
	kinds := KindsFor(rec.ContentType)
	jobs := make([]queue.Job, 0, len(kinds))
	for _, kind := range kinds {
		jobs = append(jobs, queue.Job{Name: JobName, FileID: rec.ID, Kind: string(kind)})
	}
	return jobs
}

type ProcessorConfig struct {
	Store     store.Store
	Objects   storage.Provider
	Cipher    Cipher
	Generator *Generator
}

// Processor handles derivative jobs. Failures are recorded in the file's
// history; the record keeps its active status.
type Processor struct {
	store   store.Store
	objects storage.Provider
	cipher  Cipher
	gen     *Generator
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil || cfg.Objects == nil {
		return nil, errors.New("processor requires store and storage")
	}
	gen := cfg.Generator
	if gen == nil {
		gen = NewGenerator(GeneratorConfig{})
	}
	return &Processor{store: cfg.Store, objects: cfg.Objects, cipher: cfg.Cipher, gen: gen}, nil
}

var errSkip = errors.New("record no longer active")

// Handle is a queue.Handler. A returned error asks the queue to retry.
func (p *Processor) Handle(ctx context.Context, job queue.Job) error {
	kind := domain.DerivativeKind(job.Kind)
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "file_id", job.FileID, "kind", kind)
	start := time.Now()

	rec, ok, err := p.store.GetFile(ctx, job.FileID)
	if err != nil {
		return fmt.Errorf("load file %s: %w", job.FileID, err)
	}
	if !ok || rec.Status != domain.StatusActive {
		logger.Info("skip derivative for inactive file")
		return nil
	}

	original, err := p.readOriginal(ctx, rec)
	if err != nil {
		if errors.Is(err, domain.ErrDecryptionFailed) {
			return p.recordFailure(ctx, rec.ID, kind, err)
		}
		return err
	}

	d, err := p.gen.Generate(ctx, kind, rec.ContentType, original)
	if err != nil {
		metrics.DerivativesTotal.WithLabelValues(string(kind), "failed").Inc()
		logger.Warn("derivative generation failed", "err", err)
		return p.recordFailure(ctx, rec.ID, kind, err)
	}

	payload, keyID := d.Data, ""
	if rec.IsEncrypted {
		if p.cipher == nil {
			return p.recordFailure(ctx, rec.ID, kind, errors.New("encryption not configured"))
		}
		sealed, err := p.cipher.Encrypt(ctx, d.Data)
		if err != nil {
			return fmt.Errorf("seal derivative: %w", err)
		}
		payload, keyID = sealed.Ciphertext, sealed.KeyID
	}

	path := Path(rec.ID, kind)
	if _, err := p.objects.Put(ctx, path, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{
		ContentType: d.ContentType,
		Metadata:    map[string]string{"file-id": rec.ID, "kind": string(kind)},
	}); err != nil {
		p.dropKey(ctx, keyID)
		return fmt.Errorf("store derivative: %v: %w", err, domain.ErrStorageFailure)
	}

	var previousKey string
	_, err = p.store.UpdateFile(ctx, rec.ID, func(f *domain.FileRecord) error {
		if f.Status != domain.StatusActive {
			return errSkip
		}
		previousKey = f.Versions[kind].KeyID
		f.PutVersion(domain.Version{
			Kind:        kind,
			Path:        path,
			Size:        int64(len(d.Data)),
			ContentType: d.ContentType,
			KeyID:       keyID,
			CreatedAt:   time.Now().UTC(),
		})
		for k, v := range d.Metadata {
			f.SetMeta(k, v)
		}
		f.Record("derive:"+string(kind), nil)
		return nil
	})
	if errors.Is(err, errSkip) {
		// deleted while generating
		_ = p.objects.Delete(ctx, path)
		p.dropKey(ctx, keyID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("merge derivative: %w", err)
	}
	if previousKey != "" && previousKey != keyID {
		p.dropKey(ctx, previousKey)
	}
	metrics.DerivativesTotal.WithLabelValues(string(kind), "ok").Inc()
	metrics.DerivativeDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	logger.Info("derivative stored", "path", path, "bytes", len(d.Data))
	return nil
}

func (p *Processor) readOriginal(ctx context.Context, rec domain.FileRecord) ([]byte, error) {
	data, err := p.objects.Get(ctx, rec.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("read original: %v: %w", err, domain.ErrStorageFailure)
	}
	if !rec.IsEncrypted {
		return data, nil
	}
	if p.cipher == nil {
		return nil, fmt.Errorf("encryption not configured: %w", domain.ErrDecryptionFailed)
	}
	return p.cipher.Decrypt(ctx, data, rec.KeyID)
}

func (p *Processor) recordFailure(ctx context.Context, fileID string, kind domain.DerivativeKind, cause error) error {
	_, err := p.store.UpdateFile(ctx, fileID, func(f *domain.FileRecord) error {
		f.Record("derive:"+string(kind), cause)
		return nil
	})
	return err
}

func (p *Processor) dropKey(ctx context.Context, keyID string) {
	if keyID == "" || p.cipher == nil {
		return
	}
	if err := p.cipher.DeleteKey(ctx, keyID); err != nil {
		util.LoggerFromContext(ctx).Warn("delete derivative key", "key_id", keyID, "err", err)
	}
}
