package exports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ajiaco/internal/blob"
	"ajiaco/internal/table"
)

// Status describes the lifecycle stage of an export request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrQueueFull is returned when the worker cannot accept more jobs.
var ErrQueueFull = errors.New("export queue full")

// Artifact is one stored export file.
type Artifact struct {
	Key         string    `json:"key"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Rows        int       `json:"rows"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record tracks an export request and its artifacts.
type Record struct {
	ID          string     `json:"id"`
	Session     string     `json:"session"`
	Formats     []Format   `json:"formats"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	RequestedBy string     `json:"requested_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (r Record) copy() Record {
	out := r
	out.Formats = append([]Format(nil), r.Formats...)
	out.Artifacts = append([]Artifact(nil), r.Artifacts...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Artifact returns the artifact of the given format.
func (r Record) Artifact(f Format) (Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.Format == f {
			return a, true
		}
	}
	return Artifact{}, false
}

// Input is an enqueue request.
type Input struct {
	Session     string
	Formats     []Format
	RequestedBy string
}

// Renderer produces the flattened table of a session.
type Renderer interface {
	Render(ctx context.Context, code string) (*table.Table, error)
}

// Key returns the blob key of an export artifact.
func Key(session, id string, f Format) string {
	return path.Join("exports", session, id+"."+string(f))
}

// Worker renders and stores exports asynchronously.
type Worker struct {
	renderer Renderer
	store    blob.Store
	log      *zap.Logger
	now      func() time.Time

	queue chan task
	mu    sync.RWMutex
	jobs  map[string]*Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	id    string
	input Input
}

// NewWorker constructs an export worker. Call Start to begin processing.
func NewWorker(renderer Renderer, store blob.Store, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		renderer: renderer,
		store:    store,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		queue:    make(chan task, 32),
		jobs:     make(map[string]*Record),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
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

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.queue:
			w.process(t)
		}
	}
}

// Enqueue schedules an export job and returns the queued record.
func (w *Worker) Enqueue(_ context.Context, input Input) (Record, error) {
	if strings.TrimSpace(input.Session) == "" {
		return Record{}, errors.New("session code required")
	}
	formats := input.Formats
	if len(formats) == 0 {
		formats = []Format{FormatCSV, FormatJSON}
	}
	uniq := make([]Format, 0, len(formats))
	seen := make(map[Format]struct{}, len(formats))
	for _, raw := range formats {
		f, err := ParseFormat(string(raw))
		if err != nil {
			return Record{}, err
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		uniq = append(uniq, f)
	}

	now := w.now()
	record := Record{
		ID:          uuid.NewString(),
		Session:     input.Session,
		Formats:     uniq,
		Status:      StatusQueued,
		RequestedBy: input.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.mu.Lock()
	w.jobs[record.ID] = &record
	queued := record.copy()
	w.mu.Unlock()

	select {
	case w.queue <- task{id: record.ID, input: input}:
	default:
		w.fail(record.ID, ErrQueueFull.Error())
		return Record{}, ErrQueueFull
	}
	w.log.Info("export queued", zap.String("export", record.ID), zap.String("session", input.Session))
	return queued, nil
}

// Get returns a snapshot of the export record.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return record.copy(), true
}

// Open streams a stored artifact.
func (w *Worker) Open(ctx context.Context, a Artifact) (io.ReadCloser, error) {
	_, rc, err := w.store.Get(ctx, a.Key)
	return rc, err
}

// PresignURL returns a direct download URL when the blob driver supports it.
func (w *Worker) PresignURL(ctx context.Context, a Artifact) (string, error) {
	return w.store.PresignURL(ctx, a.Key, blob.SignedURLOptions{Expiry: 15 * time.Minute})
}

// Stored lists the artifacts kept for a session.
func (w *Worker) Stored(ctx context.Context, session string) ([]blob.Info, error) {
	return w.store.List(ctx, path.Join("exports", session)+"/")
}

func (w *Worker) process(t task) {
	record, ok := w.Get(t.id)
	if !ok {
		return
	}
	w.setStatus(t.id, StatusRunning)
	tbl, err := w.renderer.Render(w.ctx, record.Session)
	if err != nil {
		w.fail(t.id, fmt.Sprintf("render session: %v", err))
		return
	}
	artifacts := make([]Artifact, 0, len(record.Formats))
	for _, f := range record.Formats {
		a, err := w.storeArtifact(record, f, tbl)
		if err != nil {
			w.fail(t.id, err.Error())
			return
		}
		artifacts = append(artifacts, a)
	}
	w.complete(t.id, artifacts)
}

func (w *Worker) storeArtifact(record Record, f Format, tbl *table.Table) (Artifact, error) {
	var buf bytes.Buffer
	if err := Write(&buf, f, tbl); err != nil {
		return Artifact{}, fmt.Errorf("write %s: %w", f, err)
	}
	key := Key(record.Session, record.ID, f)
	info, err := w.store.Put(w.ctx, key, bytes.NewReader(buf.Bytes()), blob.PutOptions{
		ContentType: f.ContentType(),
		Metadata:    map[string]string{"session": record.Session, "export": record.ID},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("store artifact: %w", err)
	}
	size := info.Size
	if size == 0 {
		size = int64(buf.Len())
	}
	return Artifact{
		Key:         key,
		Format:      f,
		ContentType: f.ContentType(),
		SizeBytes:   size,
		Rows:        len(tbl.Rows),
		CreatedAt:   w.now(),
	}, nil
}

func (w *Worker) setStatus(id string, status Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.UpdatedAt = w.now()
	}
}

func (w *Worker) complete(id string, artifacts []Artifact) {
	now := w.now()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.log.Info("export succeeded", zap.String("export", id), zap.Int("artifacts", len(artifacts)))
}

func (w *Worker) fail(id, reason string) {
	now := w.now()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.log.Warn("export failed", zap.String("export", id), zap.String("error", reason))
}
