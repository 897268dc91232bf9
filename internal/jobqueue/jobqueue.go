// Package jobqueue holds the builder's pending and in-flight build jobs,
// grounded on buildbot.py's job_queue handling: a plain in-memory list plus
// a single "current job" slot, mutated under one lock.
package jobqueue

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/archbuild/forge/internal/errs"
	"github.com/archbuild/forge/internal/metrics"
)

// Job is one scheduled build.
type Job struct {
	Dirname    string
	Arch       string
	Version    string
	Multiarch  bool
	EnqueuedAt time.Time
	Priority   int
	// ForceClean overrides the recipe's own cleanbuild setting for this one
	// build, set by forgectl's rebuild_package(dirname, clean) call.
	ForceClean bool
}

// key identifies a job for displacement and completion-matching purposes.
func (j Job) key() (string, string) { return j.Dirname, j.Arch }

// Queue is a mutex-guarded ordered set of pending jobs plus at most one
// current (taken but not yet finished) job.
type Queue struct {
	mu      sync.Mutex
	pending []Job
	current *Job
	logger  zerolog.Logger
}

// New returns an empty queue.
func New(logger zerolog.Logger) *Queue {
	return &Queue{logger: logger}
}

// Enqueue removes any pending job sharing (dirname, arch) with job, logs the
// displacement, and appends job.
func (q *Queue) Enqueue(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dir, arch := job.key()
	kept := q.pending[:0:0]
	for _, existing := range q.pending {
		ed, ea := existing.key()
		if ed == dir && ea == arch {
			q.logger.Info().Str("dirname", dir).Str("arch", arch).
				Msg("displacing queued job with newer enqueue")
			metrics.JobsDisplacedTotal.WithLabelValues(arch).Inc()
			continue
		}
		kept = append(kept, existing)
	}
	q.pending = append(kept, job)
	metrics.JobsEnqueuedTotal.WithLabelValues(arch).Inc()
	metrics.QueueDepth.Set(float64(len(q.pending)))
}

// Take pops the highest-priority pending job (stable on ties, i.e. earlier
// enqueue wins among equal priorities) and marks it current. If a job is
// already current — left over from a prior failure that never called
// Finish — it is force-finished first and Take recurses. Returns false if
// the queue is empty.
func (q *Queue) Take() (Job, bool) {
	q.mu.Lock()
	leaked := q.current != nil
	var leakedJob Job
	if leaked {
		leakedJob = *q.current
		q.current = nil
	}
	q.mu.Unlock()

	if leaked {
		q.logger.Warn().Str("dirname", leakedJob.Dirname).Str("arch", leakedJob.Arch).
			Msg("force-finishing leaked current job before taking next")
		return q.Take()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Job{}, false
	}

	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].Priority > q.pending[j].Priority
	})
	job := q.pending[0]
	q.pending = q.pending[1:]
	jobCopy := job
	q.current = &jobCopy
	metrics.QueueDepth.Set(float64(len(q.pending)))
	return job, true
}

// Finish clears the current-job slot. Unless force is set, it asserts that
// the completing job matches the held current job.
func (q *Queue) Finish(job Job, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current == nil {
		if force {
			return nil
		}
		return &errs.ProtocolMisuse{Reason: "finish called with no current job held"}
	}

	cd, ca := q.current.key()
	jd, ja := job.key()
	if !force && (cd != jd || ca != ja) {
		return &errs.ProtocolMisuse{Reason: "finish does not match held current job"}
	}
	q.current = nil
	return nil
}

// Current returns the in-flight job, if any.
func (q *Queue) Current() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return Job{}, false
	}
	return *q.current, true
}

// Len returns the number of pending (not counting current) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Empty reports whether both the pending list and the current slot are
// empty, the condition UpdateDetector waits for before starting a scan.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && q.current == nil
}
