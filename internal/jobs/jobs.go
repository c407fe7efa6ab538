// Package jobs provides the per-device job queue bridging chat turns and
// polling edge devices: FIFO command delivery, result posting, and the
// blocking dispatch-and-wait cycle.
package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgedesk/edgedesk/internal/registry"
)

// ErrNoDeviceHint is returned by PostResult when the payload carries no
// information that could identify the posting device.
var ErrNoDeviceHint = errors.New("no device id or job id supplied")

// MaxOutputLen bounds stdout/stderr stored per result. Device firmware can
// dump arbitrarily large output; everything past the limit is cut for
// transport.
const MaxOutputLen = 8192

// Command is the unit of work delivered to a device.
type Command struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Job binds one dispatched command to a unique id and exactly one device.
type Job struct {
	ID      string  `json:"job_id"`
	Command Command `json:"command"`
}

// Result is what a device reports back after executing a job.
type Result struct {
	JobID       string `json:"job_id,omitempty"`
	OK          bool   `json:"ok"`
	ReturnValue any    `json:"return_value,omitempty"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	Error       string `json:"error,omitempty"`
	TS          any    `json:"ts,omitempty"`
}

// Queue holds the per-device FIFO queues, the pending job -> device index,
// per-device result slots and the last-result mirrors. One mutex covers all of
// it; the contention target is a handful of devices at human pace.
type Queue struct {
	reg     *registry.Store
	mu      sync.Mutex
	queues  map[string][]*Job
	results map[string]map[string]*Result
	last    map[string]*Result
	pending map[string]string
	waiters map[string]chan *Result
}

// NewQueue creates an empty job queue backed by the given registry.
func NewQueue(reg *registry.Store) *Queue {
	return &Queue{
		reg:     reg,
		queues:  make(map[string][]*Job),
		results: make(map[string]map[string]*Result),
		last:    make(map[string]*Result),
		pending: make(map[string]string),
		waiters: make(map[string]chan *Result),
	}
}

// Enqueue appends a command to the device's FIFO queue under a fresh job id
// and records the job -> device mapping. Touches the device's last-seen.
func (q *Queue) Enqueue(deviceID string, cmd Command) (string, error) {
	if !q.reg.Exists(deviceID) {
		return "", registry.ErrNotFound
	}
	if cmd.Args == nil {
		cmd.Args = map[string]any{}
	}

	q.mu.Lock()
	jobID := uuid.New().String()
	q.queues[deviceID] = append(q.queues[deviceID], &Job{ID: jobID, Command: cmd})
	q.pending[jobID] = deviceID
	q.mu.Unlock()

	q.reg.Touch(deviceID)
	return jobID, nil
}

// DequeueNext pops the oldest queued job for the device. An empty queue
// returns (nil, nil), a normal outcome rather than an error. Delivery is
// at-most-once: the queue entry is consumed here and never redelivered.
func (q *Queue) DequeueNext(deviceID string) (*Job, error) {
	if !q.reg.Exists(deviceID) {
		return nil, registry.ErrNotFound
	}

	q.mu.Lock()
	queue := q.queues[deviceID]
	var job *Job
	if len(queue) > 0 {
		job = queue[0]
		q.queues[deviceID] = queue[1:]
	}
	q.mu.Unlock()

	q.reg.Touch(deviceID)
	return job, nil
}

// PostResult stores a device-reported result. The posting device is resolved
// in priority order: an explicit id that matches a known device, the device
// mapped from the job id in the pending index, and finally, as a
// compatibility shim for firmware that omits identification, the sole
// registered device. The returned warning is non-empty when the sole-device
// fallback disagreed with an explicitly supplied id.
//
// On success the result lands in the device's result map keyed by job id, the
// non-consuming last-result mirror is updated, the pending-index entry is
// removed and a blocked Await (if any) is woken with the result.
func (q *Queue) PostResult(explicitID, jobID string, res *Result) (deviceID, warning string, err error) {
	explicitID = strings.TrimSpace(explicitID)
	jobID = strings.TrimSpace(jobID)
	if explicitID == "" && jobID == "" {
		return "", "", ErrNoDeviceHint
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if explicitID != "" && q.reg.Exists(explicitID) {
		deviceID = explicitID
	} else if jobID != "" {
		if mapped, ok := q.pending[jobID]; ok && q.reg.Exists(mapped) {
			deviceID = mapped
		}
	}
	if deviceID == "" {
		if sole, ok := q.reg.SoleID(); ok {
			deviceID = sole
			if explicitID != "" && explicitID != sole {
				warning = "device_id " + explicitID + " is not registered; assuming the only registered device " + sole
			}
		}
	}
	if deviceID == "" {
		return "", "", registry.ErrNotFound
	}

	res.JobID = jobID
	res.Stdout = truncate(res.Stdout)
	res.Stderr = truncate(res.Stderr)

	q.last[deviceID] = res
	if jobID != "" {
		delete(q.pending, jobID)
		if ch, ok := q.waiters[jobID]; ok {
			// Hand the result straight to the waiter; it never touches
			// the result map, which keeps consumption at-most-once.
			delete(q.waiters, jobID)
			ch <- res
		} else {
			if q.results[deviceID] == nil {
				q.results[deviceID] = make(map[string]*Result)
			}
			q.results[deviceID][jobID] = res
		}
	}

	q.reg.Touch(deviceID)
	return deviceID, warning, nil
}

// Await blocks until the result for jobID is posted, the timeout elapses, or
// ctx is done. A found result is consumed (removed) so a second wait on the
// same job id comes back empty. Timeout returns nil, a normal outcome rather
// than an error; the job itself stays live.
func (q *Queue) Await(ctx context.Context, deviceID, jobID string, timeout time.Duration) *Result {
	q.mu.Lock()
	if m, ok := q.results[deviceID]; ok {
		if res, ok := m[jobID]; ok {
			delete(m, jobID)
			q.mu.Unlock()
			return res
		}
	}
	ch := make(chan *Result, 1)
	q.waiters[jobID] = ch
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res
	case <-timer.C:
	case <-ctx.Done():
	}

	q.mu.Lock()
	if cur, ok := q.waiters[jobID]; ok && cur == ch {
		delete(q.waiters, jobID)
	}
	q.mu.Unlock()

	// A result posted between the timeout firing and the waiter being
	// deregistered is sitting in the channel buffer; claim it.
	select {
	case res := <-ch:
		return res
	default:
	}
	return nil
}

// Depth returns the number of queued (not yet delivered) jobs for a device.
func (q *Queue) Depth(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[deviceID])
}

// LastResult returns the device's most recently posted result, independent of
// any wait having consumed it.
func (q *Queue) LastResult(deviceID string) *Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last[deviceID]
}

// PendingDevice resolves the device owning a pending job id.
func (q *Queue) PendingDevice(jobID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.pending[jobID]
	return id, ok
}

// DropDevice purges all queue state for a device: queued jobs, stored results,
// the last-result mirror, and every pending-index entry pointing at it. Any
// wait still blocked on one of those jobs is woken empty-handed.
func (q *Queue) DropDevice(deviceID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.queues, deviceID)
	delete(q.results, deviceID)
	delete(q.last, deviceID)
	for jobID, dev := range q.pending {
		if dev != deviceID {
			continue
		}
		delete(q.pending, jobID)
		if ch, ok := q.waiters[jobID]; ok {
			delete(q.waiters, jobID)
			close(ch)
		}
	}
}

func truncate(s string) string {
	if len(s) <= MaxOutputLen {
		return s
	}
	return s[:MaxOutputLen] + "… (truncated)"
}
