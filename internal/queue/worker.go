// Package queue runs post-session work: once a session is durably stopped,
// a worker generates its summary and attaches it to the stored transcript.
// Summary generation is best-effort; a failed job is logged and dropped,
// the transcript itself is already safe.
package queue

import (
	"context"
	"log"
	"runtime/debug"
	"time"

	"github.com/meetkit/live-transcription/internal/storage"
	"github.com/meetkit/live-transcription/internal/summary"
	"github.com/meetkit/live-transcription/internal/types"
)

// WorkerPool manages a pool of workers generating session summaries.
type WorkerPool struct {
	jobQueue    chan *Job
	workerCount int
	client      *summary.Client
	store       *storage.Store
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(workerCount int, client *summary.Client, store *storage.Store) *WorkerPool {
	return &WorkerPool{
		jobQueue:    make(chan *Job, 100),
		workerCount: workerCount,
		client:      client,
		store:       store,
	}
}

// Start initializes all workers.
func (wp *WorkerPool) Start() {
	log.Printf("Starting summary worker pool with %d workers", wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		go wp.worker(i)
	}
}

// Enqueue schedules summary generation for a session. Drops the job if the
// queue is full rather than blocking the session's finalize path.
func (wp *WorkerPool) Enqueue(sessionID string) {
	job := &Job{SessionID: sessionID, CreatedAt: time.Now()}
	select {
	case wp.jobQueue <- job:
		log.Printf("Summary job enqueued for session %s", sessionID)
	default:
		log.Printf("Summary queue full, dropping job for session %s", sessionID)
	}
}

// worker processes jobs from the queue.
func (wp *WorkerPool) worker(id int) {
	for job := range wp.jobQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Worker %d: PANIC processing session %s: %v\n%s",
						id, job.SessionID, r, string(debug.Stack()))
				}
			}()
			wp.processJob(id, job)
		}()
	}
}

// processJob loads the finished transcript and writes its summary back.
func (wp *WorkerPool) processJob(workerID int, job *Job) {
	if !wp.client.Configured() {
		log.Printf("Worker %d: summary provider not configured, skipping session %s", workerID, job.SessionID)
		return
	}

	state, err := wp.store.GetState(job.SessionID)
	if err != nil {
		log.Printf("Worker %d: failed to load session %s: %v", workerID, job.SessionID, err)
		return
	}
	if state.State != types.StateStopped {
		log.Printf("Worker %d: session %s is %s, not stopped; skipping summary", workerID, job.SessionID, state.State)
		return
	}
	if state.Summary != "" {
		return
	}

	transcript := state.Transcript()
	if transcript == "" {
		log.Printf("Worker %d: session %s has no final transcript text, skipping summary", workerID, job.SessionID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	text, err := wp.client.Summarize(ctx, transcript, job.Instruction)
	if err != nil {
		log.Printf("Worker %d: summary generation failed for session %s: %v", workerID, job.SessionID, err)
		return
	}

	if err := wp.store.SetSummary(job.SessionID, text); err != nil {
		log.Printf("Worker %d: failed to save summary for session %s: %v", workerID, job.SessionID, err)
		return
	}
	log.Printf("Worker %d: summary saved for session %s (%d chars)", workerID, job.SessionID, len(text))
}
