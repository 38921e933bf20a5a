package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func (j *countingJob) Name() string { return "counting" }

func TestAddJob_RejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("every now and then", &countingJob{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counting")
}

func TestScheduler_RunsJobs(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start()
	assert.Eventually(t, func() bool { return job.runs.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	s.Stop()
}

func TestRunNow_WrapsJobError(t *testing.T) {
	s := New(zerolog.Nop())
	cause := errors.New("disk full")

	err := s.RunNow(&countingJob{err: cause})
	assert.ErrorIs(t, err, cause)
	assert.NoError(t, s.RunNow(&countingJob{}))
}
