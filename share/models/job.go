package models

import (
	"strings"
)

const (
	JobStatusActive   = "ACT"
	JobStatusFinished = "FIN"

	JobResultOK      = "OK"
	JobResultFailed  = "FAIL"
	JobResultPending = "PEND"
	JobResultUnknown = "UNKNOWN"
)

// JobStatus is a snapshot of an asynchronous firewall job as reported by the
// management API. The firewall owns the job; we only poll it.
type JobStatus struct {
	Status   string `json:"job_status"`
	Progress int    `json:"progress"`
	Result   string `json:"result"`
	Details  string `json:"details"`
}

func (s *JobStatus) Finished() bool {
	return s.Status == JobStatusFinished
}

// Succeeded classifies a finished job. An explicit result marker wins; failing
// that, the details text decides; a finished job with no recognizable marker
// at all counts as success. The firewall omits the result on some fast jobs,
// so the lenient default is a policy decision rather than an accident.
func (s *JobStatus) Succeeded() bool {
	if !s.Finished() {
		return false
	}
	switch s.Result {
	case JobResultOK:
		return true
	case JobResultFailed:
		return false
	}
	details := strings.ToLower(s.Details)
	if strings.Contains(details, "success") {
		return true
	}
	if strings.Contains(details, "fail") {
		return false
	}
	return true
}

func (s *JobStatus) Failed() bool {
	return s.Finished() && !s.Succeeded()
}
