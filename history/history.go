// Package history records finished print jobs per device, derived from
// the status frames the printers report. Jobs persist across restarts
// through the shared key-value store.
package history

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/marc/sdcp_bridge/database"
	"github.com/marc/sdcp_bridge/sdcp"
)

const (
	historyNamespace = "history"
	jobsKey          = "jobs"
)

// JobStatus is the terminal (or in-progress) state of a recorded job.
type JobStatus string

const (
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusStopped    JobStatus = "stopped"
	StatusFailed     JobStatus = "failed"
)

// Job is one print job as reconstructed from status frames.
type Job struct {
	TaskID        string    `json:"task_id"`
	DeviceID      string    `json:"device_id"`
	Filename      string    `json:"filename"`
	Status        JobStatus `json:"status"`
	StartTime     int64     `json:"start_time"` // Unix seconds
	EndTime       int64     `json:"end_time"`   // Unix seconds, 0 while in progress
	TotalLayers   int       `json:"total_layers"`
	PrintDuration float64   `json:"print_duration"` // seconds, from device ticks
	ErrorNumber   int       `json:"error_number,omitempty"`
	ErrorReason   string    `json:"error_reason,omitempty"`
}

// Totals is the cumulative statistics over all finished jobs.
type Totals struct {
	TotalJobs      int     `json:"total_jobs"`
	TotalPrintTime float64 `json:"total_print_time"`
	LongestPrint   float64 `json:"longest_print"`
	CompletedJobs  int     `json:"completed_jobs"`
	StoppedJobs    int     `json:"stopped_jobs"`
	FailedJobs     int     `json:"failed_jobs"`
}

// Recorder reconstructs jobs from the per-device status stream. One
// device runs at most one job at a time; jobs are matched by the
// device-assigned task id.
type Recorder struct {
	mu      sync.RWMutex
	store   *database.Store
	jobs    []*Job
	current map[string]*Job // deviceID -> in-progress job
}

// NewRecorder creates a recorder backed by the given store, loading any
// previously persisted jobs. Jobs that were in progress when the engine
// last stopped are marked failed: their outcome was never observed.
func NewRecorder(store *database.Store) *Recorder {
	r := &Recorder{
		store:   store,
		current: make(map[string]*Job),
	}

	if data, ok := store.Get(historyNamespace, jobsKey); ok {
		if err := json.Unmarshal(data, &r.jobs); err != nil {
			log.Printf("Warning: failed to load print history: %v", err)
			r.jobs = nil
		}
	}
	for _, job := range r.jobs {
		if job.Status == StatusInProgress {
			job.Status = StatusFailed
			job.EndTime = time.Now().Unix()
		}
	}

	return r
}

// Observe feeds one status frame into the recorder.
func (r *Recorder) Observe(deviceID string, status sdcp.PrintStatus) {
	info := status.PrintInfo
	if info == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job := r.current[deviceID]

	// A new task id means the previous job ended without a terminal
	// frame being seen.
	if job != nil && info.TaskID != "" && info.TaskID != job.TaskID {
		r.finishLocked(deviceID, job, StatusStopped, nil)
		job = nil
	}

	if job == nil {
		if info.TaskID == "" || !activePhase(info.Status) {
			return
		}
		job = &Job{
			TaskID:      info.TaskID,
			DeviceID:    deviceID,
			Filename:    info.Filename,
			Status:      StatusInProgress,
			StartTime:   time.Now().Unix(),
			TotalLayers: info.TotalLayer,
		}
		r.current[deviceID] = job
		r.jobs = append(r.jobs, job)
		r.persistLocked()
		log.Printf("History: job %s started on %s (%s)", job.TaskID, deviceID, job.Filename)
		return
	}

	// Keep mutable fields fresh while the job runs.
	if info.Filename != "" {
		job.Filename = info.Filename
	}
	if info.TotalLayer > job.TotalLayers {
		job.TotalLayers = info.TotalLayer
	}
	if info.CurrentTicks > 0 {
		job.PrintDuration = float64(info.CurrentTicks) / 1000
	}

	switch {
	case info.ErrorNumber != 0:
		r.finishLocked(deviceID, job, StatusFailed, info)
	case info.Status == sdcp.SubComplete:
		r.finishLocked(deviceID, job, StatusCompleted, info)
	case info.Status == sdcp.SubStopped:
		r.finishLocked(deviceID, job, StatusStopped, info)
	}
}

// finishLocked closes a job. info may be nil when the terminal frame
// was never observed.
func (r *Recorder) finishLocked(deviceID string, job *Job, status JobStatus, info *sdcp.PrintInfo) {
	job.Status = status
	job.EndTime = time.Now().Unix()
	if info != nil {
		if info.CurrentTicks > 0 {
			job.PrintDuration = float64(info.CurrentTicks) / 1000
		}
		if info.ErrorNumber != 0 {
			job.ErrorNumber = info.ErrorNumber
			job.ErrorReason = info.ErrorReason()
		}
	}
	delete(r.current, deviceID)
	r.persistLocked()
	log.Printf("History: job %s on %s finished %s", job.TaskID, deviceID, status)
}

// activePhase reports whether a sub-status indicates a running job.
func activePhase(s sdcp.PrintSubStatus) bool {
	switch s {
	case sdcp.SubHoming, sdcp.SubDropping, sdcp.SubExposuring, sdcp.SubLifting,
		sdcp.SubPausing, sdcp.SubPaused, sdcp.SubFileChecking:
		return true
	}
	return false
}

// Current returns the in-progress job for a device, if any.
func (r *Recorder) Current(deviceID string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.current[deviceID]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// List returns jobs newest-first, optionally filtered to one device,
// with offset/limit pagination. The second return is the total match
// count before pagination.
func (r *Recorder) List(deviceID string, offset, limit int) ([]Job, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filtered := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if deviceID != "" && job.DeviceID != deviceID {
			continue
		}
		filtered = append(filtered, *job)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].StartTime > filtered[j].StartTime
	})

	total := len(filtered)
	if offset >= total {
		return []Job{}, total
	}
	filtered = filtered[offset:]
	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}
	return filtered, total
}

// Job returns the recorded job with the given task id.
func (r *Recorder) Job(taskID string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, job := range r.jobs {
		if job.TaskID == taskID {
			cp := *job
			return &cp, true
		}
	}
	return nil, false
}

// Delete removes a finished job from history. In-progress jobs cannot
// be deleted.
func (r *Recorder) Delete(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, job := range r.jobs {
		if job.TaskID == taskID && job.Status != StatusInProgress {
			r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
			r.persistLocked()
			return true
		}
	}
	return false
}

// GetTotals calculates cumulative statistics over finished jobs.
func (r *Recorder) GetTotals() Totals {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := Totals{}
	for _, job := range r.jobs {
		if job.Status == StatusInProgress {
			continue
		}
		totals.TotalJobs++
		totals.TotalPrintTime += job.PrintDuration
		if job.PrintDuration > totals.LongestPrint {
			totals.LongestPrint = job.PrintDuration
		}
		switch job.Status {
		case StatusCompleted:
			totals.CompletedJobs++
		case StatusStopped:
			totals.StoppedJobs++
		case StatusFailed:
			totals.FailedJobs++
		}
	}
	return totals
}

// Reset clears all finished history. In-progress jobs are kept.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.jobs[:0]
	for _, job := range r.jobs {
		if job.Status == StatusInProgress {
			kept = append(kept, job)
		}
	}
	r.jobs = kept
	r.persistLocked()
}

func (r *Recorder) persistLocked() {
	data, err := json.Marshal(r.jobs)
	if err == nil {
		err = r.store.Put(historyNamespace, jobsKey, data)
	}
	if err != nil {
		log.Printf("Warning: persisting print history failed: %v", err)
	}
}
