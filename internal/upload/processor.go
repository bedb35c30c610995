package upload

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mediacore/internal/models"
	"mediacore/internal/observability/logging"
	"mediacore/internal/observability/metrics"
)

// Sink receives assembled uploads.
type Sink interface {
	Store(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

type ProcessorConfig struct {
	Sessions        *SessionStore
	Assembler       *Assembler
	Sink            Sink
	Workers         int
	QueueSize       int
	Timeout         time.Duration
	RecoverInterval time.Duration
	MaxAttempts     uint
	InitialBackoff  time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

// Processor hands completed uploads to the sink on a bounded worker pool,
// retrying transient sink failures with exponential backoff. Completed
// uploads not yet handed off are rediscovered at start and periodically.
type Processor struct {
	sessions        *SessionStore
	assembler       *Assembler
	sink            Sink
	workers         int
	timeout         time.Duration
	recoverInterval time.Duration
	maxAttempts     uint
	initialBackoff  time.Duration
	logger          *slog.Logger
	metrics         *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultProcessorWorkers   = 2
	defaultProcessorQueueSize = 64
	defaultProcessorTimeout   = 30 * time.Minute
	defaultRecoverInterval    = time.Minute
	defaultHandoffAttempts    = 5
	defaultInitialBackoff     = 500 * time.Millisecond
	recoverBatchSize          = 100
)

func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultProcessorWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultProcessorQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProcessorTimeout
	}
	recoverInterval := cfg.RecoverInterval
	if recoverInterval <= 0 {
		recoverInterval = defaultRecoverInterval
	}
	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = defaultHandoffAttempts
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		sessions:        cfg.Sessions,
		assembler:       cfg.Assembler,
		sink:            cfg.Sink,
		workers:         workers,
		timeout:         timeout,
		recoverInterval: recoverInterval,
		maxAttempts:     attempts,
		initialBackoff:  initial,
		logger:          logging.WithComponent(logger, "upload_processor"),
		metrics:         cfg.Metrics,
		ctx:             ctx,
		cancel:          cancel,
		queue:           make(chan string, queueSize),
		inFlight:        make(map[string]struct{}),
	}
}

func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.wg.Add(1)
	go p.recoverLoop()
}

// Shutdown stops the workers and waits for in-flight handoffs to return.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules a handoff for id. It blocks while the queue is full and
// returns immediately once the processor is shutting down.
func (p *Processor) Enqueue(id string) {
	if p == nil || strings.TrimSpace(id) == "" {
		return
	}
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	select {
	case p.queue <- id:
	case <-p.ctx.Done():
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			if !p.beginWork(id) {
				continue
			}
			p.handOff(id)
			p.finishWork(id)
		}
	}
}

func (p *Processor) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Processor) recoverLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.recoverInterval)
	defer ticker.Stop()
	for {
		p.recoverPending()
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) recoverPending() {
	pending, err := p.sessions.ListPendingHandoff(p.ctx, recoverBatchSize)
	if err != nil {
		if p.ctx.Err() == nil {
			p.logger.Error("failed to list uploads pending handoff", "error", err)
		}
		return
	}
	for _, session := range pending {
		p.Enqueue(session.ID)
	}
}

func (p *Processor) handOff(id string) {
	ctx, cancel := context.WithTimeout(logging.ContextWithUploadID(p.ctx, id), p.timeout)
	defer cancel()
	logger := logging.WithContext(ctx, p.logger)

	session, err := p.sessions.Reload(ctx, id)
	if err != nil {
		if !models.IsKind(err, models.KindNotFound) {
			logger.Error("failed to load upload for handoff", "error", err)
		}
		return
	}
	if session.Status != models.UploadCompleted {
		return
	}
	if session.HandedOffAt != nil {
		p.clearBuffer(ctx, logger, id)
		return
	}

	data, err := p.assembler.Assemble(ctx, id)
	if err != nil {
		if models.CodeOf(err) == models.CodeBufferLost {
			p.discard(ctx, logger, id, err)
			return
		}
		p.metrics.UploadEvent("handoff_failed")
		logger.Error("failed to assemble upload", "error", err)
		return
	}

	key := StorageKey(session)
	contentType := ContentType(session)
	start := time.Now()
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		storeErr := p.sink.Store(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
		if storeErr != nil && !models.AsError(storeErr).Retryable() {
			return struct{}{}, backoff.Permanent(storeErr)
		}
		return struct{}{}, storeErr
	}, backoff.WithBackOff(p.newBackOff()), backoff.WithMaxTries(p.maxAttempts))
	if err != nil {
		p.metrics.UploadEvent("handoff_failed")
		logger.Error("failed to hand upload to media sink", "storage_key", key, "error", err)
		return
	}
	p.metrics.ObserveHandoff(time.Since(start))

	if _, err := p.sessions.MarkHandedOff(ctx, id, key); err != nil {
		logger.Error("failed to record upload handoff", "storage_key", key, "error", err)
		return
	}
	p.clearBuffer(ctx, logger, id)
	p.metrics.UploadEvent("handed_off")
	logger.Info("upload handed off", "storage_key", key, "size", len(data))
}

// discard cancels a completed upload that can no longer be assembled, so the
// owner sees it as gone instead of waiting on a handoff that cannot happen.
func (p *Processor) discard(ctx context.Context, logger *slog.Logger, id string, cause error) {
	p.metrics.UploadEvent("handoff_lost")
	logger.Error("upload lost its buffered data, cancelling", "error", cause)
	if err := p.sessions.Delete(ctx, id); err != nil {
		logger.Error("failed to cancel upload with lost data", "error", err)
	}
}

func (p *Processor) clearBuffer(ctx context.Context, logger *slog.Logger, id string) {
	if err := p.assembler.Clear(ctx, id); err != nil {
		logger.Warn("failed to clear buffered chunks", "error", err)
	}
}

func (p *Processor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialBackoff
	b.MaxInterval = 30 * time.Second
	return b
}

// StorageKey derives the sink object key for a session from its owner, id and
// the client supplied filename.
func StorageKey(session models.UploadSession) string {
	name := sanitizeFilename(session.Metadata["filename"])
	if name == "" {
		name = "source"
	}
	return path.Join("uploads", session.OwnerID, session.ID, name)
}

// ContentType picks the declared media type, defaulting to a byte stream.
func ContentType(session models.UploadSession) string {
	for _, key := range []string{"filetype", "mimetype", "contentType"} {
		if value := strings.TrimSpace(session.Metadata[key]); value != "" {
			return value
		}
	}
	return "application/octet-stream"
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
