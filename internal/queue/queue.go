// Package queue implements the download orchestrator: a bounded-concurrency
// scheduler that turns enqueued lectures into download tasks, drives each
// task through its state machine, and falls back to passively captured URLs
// when the metadata API is unusable.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ZJHSteven/smartclass-downloader/internal/capture"
	"github.com/ZJHSteven/smartclass-downloader/internal/downloader"
	"github.com/ZJHSteven/smartclass-downloader/internal/smartclass"
	"github.com/ZJHSteven/smartclass-downloader/pkg/models"
	"github.com/ZJHSteven/smartclass-downloader/pkg/naming"
)

const (
	// DefaultConcurrency bounds simultaneous lecture downloads.
	DefaultConcurrency = 3

	// DefaultTickInterval is the scheduler cadence.
	DefaultTickInterval = time.Second

	// DefaultSinkWait bounds how long the capture fallback waits for a
	// media URL to show up on the wire.
	DefaultSinkWait = 25 * time.Second
)

// Options tunes the queue. Zero values fall back to the defaults above.
type Options struct {
	Concurrency     int
	TickInterval    time.Duration
	SinkWait        time.Duration
	CaptureFallback bool
}

// Queue schedules lecture downloads with bounded concurrency. Lectures are
// deduplicated by id for the lifetime of the queue: once seen, an id is
// never accepted again, whether it is still pending, inflight, or done.
type Queue struct {
	resolver   MetadataResolver
	downloader Downloader
	sink       *capture.Sink
	store      Store
	logger     *slog.Logger
	opts       Options

	mu       sync.Mutex
	pending  []*models.LectureRef
	known    map[string]struct{}
	inflight int

	tasksMu     sync.Mutex
	tasks       map[int64]*models.DownloadTask
	order       []int64
	nextLocalID int64
}

// New creates a queue. sink may be nil when the capture fallback is
// disabled; store may be nil for in-memory-only operation.
func New(resolver MetadataResolver, dl Downloader, sink *capture.Sink, store Store, opts Options, logger *slog.Logger) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.SinkWait <= 0 {
		opts.SinkWait = DefaultSinkWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		resolver:   resolver,
		downloader: dl,
		sink:       sink,
		store:      store,
		logger:     logger,
		opts:       opts,
		known:      make(map[string]struct{}),
		tasks:      make(map[int64]*models.DownloadTask),
	}
}

// Enqueue submits a lecture for download. Returns false when the lecture id
// has already been seen; duplicates are dropped without error. New entries
// are persisted best-effort so they survive a restart.
func (q *Queue) Enqueue(ref *models.LectureRef) bool {
	if ref == nil || ref.ID == "" {
		return false
	}

	q.mu.Lock()
	if _, seen := q.known[ref.ID]; seen {
		q.mu.Unlock()
		q.logger.Debug("Duplicate lecture ignored", "lecture_id", ref.ID)
		return false
	}
	q.known[ref.ID] = struct{}{}
	q.pending = append(q.pending, ref)
	depth := len(q.pending)
	q.mu.Unlock()

	q.logger.Info("Lecture enqueued", "lecture_id", ref.ID, "filename", ref.Filename, "depth", depth)

	if q.store != nil {
		if err := q.store.EnqueueLecture(ref); err != nil {
			q.logger.Warn("Queue persistence unavailable", "lecture_id", ref.ID, "error", err)
		}
	}
	return true
}

// Run drives the scheduler until ctx is done. Each tick starts at most one
// pending lecture, and only while a concurrency slot is free.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

func (q *Queue) tick(ctx context.Context) {
	q.mu.Lock()
	if q.inflight >= q.opts.Concurrency || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	ref := q.pending[0]
	q.pending = q.pending[1:]
	q.inflight++
	q.mu.Unlock()

	go q.process(ctx, ref)
}

// Depth returns the number of lectures waiting for a slot.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Inflight returns the number of lectures currently being processed.
func (q *Queue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Tasks returns a snapshot of every task in creation order.
func (q *Queue) Tasks() []models.DownloadTask {
	q.tasksMu.Lock()
	defer q.tasksMu.Unlock()
	out := make([]models.DownloadTask, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.tasks[id])
	}
	return out
}

// process runs one lecture end to end inside its own goroutine. The
// concurrency slot is released exactly once, either here or by the capture
// fallback that processing hands off to.
func (q *Queue) process(ctx context.Context, ref *models.LectureRef) {
	var once sync.Once
	release := func() {
		once.Do(func() {
			q.mu.Lock()
			q.inflight--
			q.mu.Unlock()
		})
	}

	task := q.newTask(ref.ID, ref.Filename)
	q.transition(task, models.StatusFetchingMetadata, "")

	meta, err := q.resolver.Resolve(ctx, ref.ID)
	if err != nil {
		if q.opts.CaptureFallback && q.sink != nil {
			q.logger.Warn("Metadata unavailable, handing off to capture fallback",
				"lecture_id", ref.ID, "error", err)
			go q.captureFallback(ctx, ref, task, release)
			return
		}
		q.fail(task, fmt.Errorf("metadata resolution failed: %w", err))
		q.dequeue(ref.ID)
		release()
		return
	}

	defer release()
	q.transition(task, models.StatusResolvingURL, "")

	basename := ref.Filename
	if meta.CourseName != "" {
		basename = naming.FromAPI(meta.CourseName, meta.PrimaryTeacher(), meta.ClassRoomName, meta.StartTime, meta.StopTime)
	}

	tasks := q.segmentTasks(ref.ID, task, basename, meta.Segments)
	if len(tasks) == 0 {
		q.fail(task, &smartclass.ResolutionError{Descriptor: "no usable segments"})
		q.dequeue(ref.ID)
		return
	}

	for _, t := range tasks {
		q.download(ctx, t)
	}

	q.dequeue(ref.ID)
}

// segmentTasks resolves every segment descriptor into a download task. The
// lecture's initial task is reused for the first usable segment; further
// segments get their own. Unusable descriptors are skipped with a log line.
func (q *Queue) segmentTasks(lectureID string, first *models.DownloadTask, basename string, segments []models.SegmentDescriptor) []*models.DownloadTask {
	total := len(segments)
	var out []*models.DownloadTask

	for i, seg := range segments {
		keyed, bare := smartclass.ResolveSegment(seg.PlayFileURI)
		if keyed == "" {
			q.logger.Warn("Skipping unusable segment",
				"lecture_id", lectureID, "segment", i+1, "descriptor", seg.PlayFileURI)
			continue
		}

		name := naming.WithSegmentIndex(basename, i, total)
		if len(out) == 0 {
			q.setURLs(first, name, keyed, bare)
			out = append(out, first)
			continue
		}

		t := q.newTask(lectureID, name)
		q.setURLs(t, name, keyed, bare)
		out = append(out, t)
	}
	return out
}

// download drives one task through primary and, when the primary fails in a
// transfer-shaped way, exactly one fallback attempt. The task's URLs are
// marked consumed up front: the tap records this very transfer, and a URL
// one task has downloaded must never satisfy another task's handoff.
func (q *Queue) download(ctx context.Context, task *models.DownloadTask) {
	if q.sink != nil {
		q.sink.Consume(task.PrimaryURL)
		q.sink.Consume(task.FallbackURL)
	}

	q.transition(task, models.StatusDownloadingPrimary, "")

	err := q.downloader.Download(ctx, task.PrimaryURL, task.Filename, q.progressFunc(task))
	if err == nil {
		q.complete(task)
		return
	}

	if !transferShaped(err) || task.FallbackURL == "" || task.FallbackURL == task.PrimaryURL {
		q.fail(task, err)
		return
	}

	q.logger.Warn("Primary download failed, trying bare fallback",
		"task_id", task.ID, "filename", task.Filename, "error", err)
	q.transition(task, models.StatusDownloadingFallback, "")

	if err := q.downloader.Download(ctx, task.FallbackURL, task.Filename, q.progressFunc(task)); err != nil {
		q.fail(task, err)
		return
	}
	q.complete(task)
}

// captureFallback is the handoff path: metadata is unusable, so claim a
// media URL from the wire and download that instead. It owns the lecture's
// concurrency slot. The claim only ever yields URLs no task has downloaded.
func (q *Queue) captureFallback(ctx context.Context, ref *models.LectureRef, task *models.DownloadTask, release func()) {
	defer release()
	defer q.dequeue(ref.ID)

	q.transition(task, models.StatusResolvingURL, "")

	captured := q.sink.ClaimMatch(ctx, "", q.opts.SinkWait)
	if captured == "" {
		q.fail(task, errors.New("no media URL captured within the fallback window"))
		return
	}

	bare, _, _ := strings.Cut(captured, "?")
	q.setURLs(task, ref.Filename, captured, bare)
	q.download(ctx, task)
}

// transferShaped reports whether an error should trigger the fallback URL.
// Caller-initiated cancellation is not a transfer failure.
func transferShaped(err error) bool {
	var transferErr *downloader.TransferError
	var timeoutErr *downloader.TimeoutError
	return errors.As(err, &transferErr) || errors.As(err, &timeoutErr)
}

func (q *Queue) newTask(lectureID, filename string) *models.DownloadTask {
	now := time.Now()
	task := &models.DownloadTask{
		LectureID:  lectureID,
		Filename:   filename,
		Status:     models.StatusPending,
		TotalBytes: -1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	persisted := false
	if q.store != nil {
		if err := q.store.CreateTask(task); err != nil {
			q.logger.Warn("Task persistence unavailable", "lecture_id", lectureID, "error", err)
		} else {
			persisted = true
		}
	}

	q.tasksMu.Lock()
	if !persisted {
		// Negative ids never collide with database-assigned ones.
		q.nextLocalID--
		task.ID = q.nextLocalID
	}
	q.tasks[task.ID] = task
	q.order = append(q.order, task.ID)
	q.tasksMu.Unlock()

	return task
}

func (q *Queue) setURLs(task *models.DownloadTask, filename, primary, fallback string) {
	q.tasksMu.Lock()
	task.Filename = filename
	task.PrimaryURL = primary
	task.FallbackURL = fallback
	task.UpdatedAt = time.Now()
	q.tasksMu.Unlock()
	q.persist(task)
}

func (q *Queue) transition(task *models.DownloadTask, status models.TaskStatus, errMsg string) {
	q.tasksMu.Lock()
	task.Status = status
	task.ErrorMessage = errMsg
	task.UpdatedAt = time.Now()
	if status.Terminal() {
		now := time.Now()
		task.CompletedAt = &now
	}
	q.tasksMu.Unlock()

	q.logger.Info("Task state changed",
		"task_id", task.ID, "lecture_id", task.LectureID, "status", status)
	q.persist(task)
}

func (q *Queue) complete(task *models.DownloadTask) {
	q.transition(task, models.StatusDone, "")
}

func (q *Queue) fail(task *models.DownloadTask, err error) {
	q.logger.Error("Task failed", "task_id", task.ID, "lecture_id", task.LectureID, "error", err)
	q.transition(task, models.StatusFailed, err.Error())
}

func (q *Queue) progressFunc(task *models.DownloadTask) func(loaded, total int64) {
	var lastLoaded int64
	lastTime := time.Now()

	return func(loaded, total int64) {
		now := time.Now()
		var speed float64
		if dt := now.Sub(lastTime).Seconds(); dt > 0 {
			speed = float64(loaded-lastLoaded) / dt
		}
		lastLoaded, lastTime = loaded, now

		q.tasksMu.Lock()
		task.DownloadedBytes = loaded
		task.TotalBytes = total
		task.Speed = speed
		task.UpdatedAt = now
		q.tasksMu.Unlock()
		q.persist(task)
	}
}

func (q *Queue) persist(task *models.DownloadTask) {
	if q.store == nil || task.ID < 0 {
		return
	}
	q.tasksMu.Lock()
	snapshot := *task
	q.tasksMu.Unlock()
	if err := q.store.UpdateTask(&snapshot); err != nil {
		q.logger.Warn("Task persistence unavailable", "task_id", task.ID, "error", err)
	}
}

func (q *Queue) dequeue(lectureID string) {
	if q.store == nil {
		return
	}
	if err := q.store.DequeueLecture(lectureID); err != nil {
		q.logger.Warn("Queue persistence unavailable", "lecture_id", lectureID, "error", err)
	}
}
