package permits

import (
	"context"
	"strings"
	"testing"
	"time"

	"permitcore/internal/blob"
	"permitcore/internal/core"
	"permitcore/internal/render"
)

func newTestWorker(t *testing.T) (*ExportWorker, *core.Service, *BlobArtifactStore) {
	t.Helper()
	artifact := NewBlobArtifactStore(blob.NewMemory())
	service := core.NewInMemoryService(
		core.WithArtifactStore(artifact),
		core.WithLogger(quietLogger()),
	)
	worker := NewExportWorker(service, artifact, quietLogger())
	return worker, service, artifact
}

func seedPermits(t *testing.T, service *core.Service, n int) {
	t.Helper()
	from := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		if _, _, err := service.CreatePermit(context.Background(), core.CreatePermitInput{
			WorkType:       "hot_work",
			RequesterEmail: requester,
			ReviewerEmail:  reviewer,
			ApproverEmail:  approver,
			ValidFrom:      from,
			ValidTo:        from.Add(24 * time.Hour),
		}); err != nil {
			t.Fatalf("seed permit: %v", err)
		}
	}
}

func waitForExport(t *testing.T, worker *ExportWorker, id string) ExportRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, ok := worker.GetExport(id)
		if !ok {
			t.Fatalf("export %s disappeared", id)
		}
		if record.Status == ExportStatusSucceeded || record.Status == ExportStatusFailed {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("export %s did not finish", id)
	return ExportRecord{}
}

func TestExportWorkerProducesCSVArtifact(t *testing.T) {
	worker, service, artifact := newTestWorker(t)
	seedPermits(t, service, 2)

	worker.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := worker.Stop(ctx); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}()

	record, err := worker.EnqueueExport(context.Background(), ExportInput{RequestedBy: "ops@example.com"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if record.Status != ExportStatusQueued || record.Format != render.FormatCSV {
		t.Fatalf("queued record = %+v", record)
	}

	done := waitForExport(t, worker, record.ID)
	if done.Status != ExportStatusSucceeded {
		t.Fatalf("export failed: %s", done.Error)
	}
	if done.ArtifactKey != "exports/"+record.ID+".csv" {
		t.Fatalf("artifact key = %q", done.ArtifactKey)
	}
	if done.SizeBytes == 0 || done.CompletedAt == nil {
		t.Fatalf("completion fields not set: %+v", done)
	}

	payload, err := artifact.Get(context.Background(), done.ArtifactKey)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	body := string(payload)
	if !strings.HasPrefix(body, "permit_id,") {
		t.Fatalf("csv header missing: %q", body)
	}
	if !strings.Contains(body, "WP-1001") || !strings.Contains(body, "WP-1002") {
		t.Fatalf("csv rows missing: %q", body)
	}
}

func TestExportWorkerXLSXFormat(t *testing.T) {
	worker, service, _ := newTestWorker(t)
	seedPermits(t, service, 1)

	worker.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = worker.Stop(ctx)
	}()

	record, err := worker.EnqueueExport(context.Background(), ExportInput{Format: render.FormatXLSX, RequestedBy: "ops@example.com"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitForExport(t, worker, record.ID)
	if done.Status != ExportStatusSucceeded {
		t.Fatalf("export failed: %s", done.Error)
	}
	if !strings.HasSuffix(done.ArtifactKey, ".xlsx") {
		t.Fatalf("artifact key = %q", done.ArtifactKey)
	}
}

func TestExportWorkerRejectsUnknownFormat(t *testing.T) {
	worker, _, _ := newTestWorker(t)
	if _, err := worker.EnqueueExport(context.Background(), ExportInput{Format: "pdf"}); err == nil {
		t.Fatalf("unknown format must be rejected")
	}
}

func TestExportWorkerUnknownID(t *testing.T) {
	worker, _, _ := newTestWorker(t)
	if _, ok := worker.GetExport("nope"); ok {
		t.Fatalf("unknown id must report not found")
	}
}
