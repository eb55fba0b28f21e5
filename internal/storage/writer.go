package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"aiexec-sandbox/internal/auth"
	"aiexec-sandbox/internal/executor"
)

// auditEntry is one buffered write: exactly one field is set.
type auditEntry struct {
	exec    *Execution
	attempt *AuthAudit
}

// AuditWriter buffers execution and auth records and writes them to
// Postgres off the request path. It satisfies both auth.AuditSink and
// executor.Recorder.
type AuditWriter struct {
	db   *DB
	ch   chan auditEntry
	wg   sync.WaitGroup
	done chan struct{}
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan auditEntry, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// RecordExecution queues a terminal result for persistence. CompletedAt is
// only stamped on results that reached the sandbox; rejections and compile
// errors persist without one.
func (w *AuditWriter) RecordExecution(res executor.Result, codeHash, language string) {
	now := time.Now()
	exec := &Execution{
		ID:             res.ExecID,
		Language:       language,
		CodeHash:       codeHash,
		Status:         string(res.Status),
		ExitCode:       res.ExitCode,
		Stdout:         res.Stdout,
		Stderr:         res.Stderr,
		Value:          string(res.Value),
		DurationMS:     res.Duration.Milliseconds(),
		SecurityEvents: len(res.Events),
		CreatedAt:      now.Add(-res.Duration),
	}
	if res.Status.Ran() {
		exec.CompletedAt = &now
	}
	w.enqueue(auditEntry{exec: exec})
}

// RecordAuth queues an auth attempt for persistence.
func (w *AuditWriter) RecordAuth(attempt auth.AuthAttempt) {
	a := &AuthAudit{
		Outcome:     attempt.Outcome,
		Mode:        attempt.Mode,
		Credential:  string(attempt.Credential),
		PrincipalID: attempt.PrincipalID,
		Operation:   attempt.Operation,
		Severity:    attempt.Severity,
		SourceAddr:  attempt.SourceAddr,
		CreatedAt:   attempt.Timestamp,
	}
	w.enqueue(auditEntry{attempt: a})
}

func (w *AuditWriter) enqueue(entry auditEntry) {
	select {
	case w.ch <- entry:
	default:
		log.Warn().Msg("audit buffer full, dropping entry")
	}
}

// Flush stops the writer, draining buffered entries first.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case entry := <-w.ch:
			w.writeWithRetry(entry)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case entry := <-w.ch:
					w.writeWithRetry(entry)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(entry auditEntry) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		switch {
		case entry.exec != nil:
			err = w.db.LogExecution(ctx, entry.exec)
		case entry.attempt != nil:
			err = w.db.LogAuthAttempt(ctx, entry.attempt)
		}
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Msg("audit write failed permanently after retries")
		}
	}
}

var (
	_ auth.AuditSink = (*AuditWriter)(nil)
)
