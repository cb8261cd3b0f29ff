package database

import (
	"fmt"
	"time"
)

type JobState string

const (
	JobResolved  JobState = "RESOLVED"
	JobClaimed   JobState = "CLAIMED"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobKilled    JobState = "KILLED"
)

var (
	TerminalStates = []JobState{JobSucceeded, JobFailed, JobKilled}
	AllJobStates   = []JobState{JobResolved, JobClaimed, JobRunning, JobSucceeded, JobFailed, JobKilled}
)

var allowedTransitions = map[JobState][]JobState{
	JobResolved: {JobClaimed, JobFailed, JobKilled},
	// a job may be re-claimed by another node after its previous connection expired
	JobClaimed: {JobClaimed, JobRunning, JobFailed, JobKilled},
	JobRunning: {JobSucceeded, JobFailed, JobKilled},
}

func (s JobState) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobKilled:
		return true
	}
	return false
}

func (s JobState) IsValid() bool {
	switch s {
	case JobResolved, JobClaimed, JobRunning, JobSucceeded, JobFailed, JobKilled:
		return true
	}
	return false
}

func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// statesLeadingTo returns every state from which next may be reached.
func statesLeadingTo(next JobState) []string {
	result := make([]string, 0)
	for _, from := range []JobState{JobResolved, JobClaimed, JobRunning} {
		if from.CanTransitionTo(next) {
			result = append(result, string(from))
		}
	}
	return result
}

func terminalStateStrings() []string {
	result := make([]string, len(TerminalStates))
	for i, s := range TerminalStates {
		result[i] = string(s)
	}
	return result
}

type Job struct {
	JobId         string    `json:"jobId"`
	Name          string    `json:"name"`
	User          string    `json:"user"`
	State         JobState  `json:"state"`
	StatusMessage string    `json:"statusMessage"`
	Created       time.Time `json:"created"`
	LastModified  time.Time `json:"lastModified"`
}

// ErrIllegalTransition is returned when a state change is not permitted by the job lifecycle.
type ErrIllegalTransition struct {
	JobId string
	From  JobState
	To    JobState
}

func (err *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("job %s cannot move from %s to %s", err.JobId, err.From, err.To)
}
