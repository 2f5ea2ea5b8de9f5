package permits

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"permitcore/internal/core"
	"permitcore/internal/render"
)

// ExportStatus describes the lifecycle stage of an export request.
type ExportStatus string

const (
	ExportStatusQueued    ExportStatus = "queued"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusSucceeded ExportStatus = "succeeded"
	ExportStatusFailed    ExportStatus = "failed"
)

// ExportRecord tracks a register export request and its resulting artifact.
type ExportRecord struct {
	ID          string                `json:"id"`
	Format      render.RegisterFormat `json:"format"`
	Role        core.Role             `json:"role,omitempty"`
	Actor       string                `json:"actor,omitempty"`
	RequestedBy string                `json:"requested_by"`
	Status      ExportStatus          `json:"status"`
	Error       string                `json:"error,omitempty"`
	ArtifactKey string                `json:"artifact_key,omitempty"`
	ArtifactURL string                `json:"artifact_url,omitempty"`
	SizeBytes   int64                 `json:"size_bytes,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// ExportInput represents an enqueue request for the worker.
type ExportInput struct {
	Format      render.RegisterFormat
	Role        core.Role
	Actor       string
	RequestedBy string
}

// ExportScheduler queues register exports and exposes status.
type ExportScheduler interface {
	EnqueueExport(ctx context.Context, input ExportInput) (ExportRecord, error)
	GetExport(id string) (ExportRecord, bool)
}

// ExportWorker renders permit register exports asynchronously and stores the
// artifacts through the blob collaborator.
type ExportWorker struct {
	service  *core.Service
	artifact core.ArtifactStore
	logger   logrus.FieldLogger

	queue chan exportTask
	mu    sync.RWMutex
	jobs  map[string]*ExportRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type exportTask struct {
	id    string
	input ExportInput
}

var _ ExportScheduler = (*ExportWorker)(nil)

// NewExportWorker constructs a register export worker.
func NewExportWorker(service *core.Service, artifact core.ArtifactStore, logger logrus.FieldLogger) *ExportWorker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ExportWorker{
		service:  service,
		artifact: artifact,
		logger:   logger,
		queue:    make(chan exportTask, 32),
		jobs:     make(map[string]*ExportRecord),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing export requests.
func (w *ExportWorker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *ExportWorker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *ExportWorker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			w.process(task)
		}
	}
}

// EnqueueExport schedules an export job and returns the queued record.
func (w *ExportWorker) EnqueueExport(_ context.Context, input ExportInput) (ExportRecord, error) {
	format := input.Format
	if format == "" {
		format = render.FormatCSV
	}
	if format != render.FormatCSV && format != render.FormatXLSX {
		return ExportRecord{}, fmt.Errorf("unknown register format %q", format)
	}
	input.Format = format

	id := newID()
	now := time.Now().UTC()
	record := ExportRecord{
		ID:          id,
		Format:      format,
		Role:        input.Role,
		Actor:       input.Actor,
		RequestedBy: input.RequestedBy,
		Status:      ExportStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[id] = &record
	queued := record
	w.mu.Unlock()

	select {
	case w.queue <- exportTask{id: id, input: input}:
	default:
		return ExportRecord{}, fmt.Errorf("export queue full")
	}

	w.logger.WithFields(logrus.Fields{"export_id": id, "format": format}).Info("register export queued")
	return queued, nil
}

// GetExport returns a snapshot of the export record.
func (w *ExportWorker) GetExport(id string) (ExportRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return ExportRecord{}, false
	}
	return *record, true
}

func (w *ExportWorker) process(task exportTask) {
	w.update(task.id, func(r *ExportRecord) {
		r.Status = ExportStatusRunning
	})

	permits, err := w.service.ListPermits(w.ctx, task.input.Role, task.input.Actor)
	if err != nil {
		w.fail(task.id, fmt.Sprintf("list permits: %v", err))
		return
	}
	payload, contentType, err := render.RenderRegister(permits, task.input.Format)
	if err != nil {
		w.fail(task.id, fmt.Sprintf("render register: %v", err))
		return
	}

	key := fmt.Sprintf("exports/%s.%s", task.id, task.input.Format)
	var url string
	put := func() error {
		u, err := w.artifact.Put(w.ctx, key, payload, contentType)
		if err != nil {
			return err
		}
		url = u
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), w.ctx)
	if err := backoff.Retry(put, b); err != nil {
		w.fail(task.id, fmt.Sprintf("store artifact: %v", err))
		return
	}

	now := time.Now().UTC()
	w.update(task.id, func(r *ExportRecord) {
		r.Status = ExportStatusSucceeded
		r.Error = ""
		r.ArtifactKey = key
		r.ArtifactURL = url
		r.SizeBytes = int64(len(payload))
		r.CompletedAt = &now
	})
	w.logger.WithFields(logrus.Fields{"export_id": task.id, "key": key, "bytes": len(payload)}).Info("register export stored")
}

func (w *ExportWorker) fail(id, reason string) {
	now := time.Now().UTC()
	w.update(id, func(r *ExportRecord) {
		r.Status = ExportStatusFailed
		r.Error = reason
		r.CompletedAt = &now
	})
	w.logger.WithFields(logrus.Fields{"export_id": id, "reason": reason}).Warn("register export failed")
}

func (w *ExportWorker) update(id string, fn func(*ExportRecord)) {
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		fn(record)
		record.UpdatedAt = time.Now().UTC()
	}
	w.mu.Unlock()
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", b[:])
}
