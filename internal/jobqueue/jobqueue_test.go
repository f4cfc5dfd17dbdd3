package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Delay_GrowsExponentiallyAndCaps(t *testing.T) {
	p := RetryPolicy{Initial: time.Second, Multiplier: 2, Max: 10 * time.Second}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 10*time.Second, p.Delay(10))
}

func TestChannelName_PrefixesJobType(t *testing.T) {
	assert.Equal(t, "jobqueue_reindex_resource", channelName("reindex_resource"))
}

func TestJitter_StaysWithinRatioBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 100; i++ {
		d := jitter(base, 0.2)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}

	assert.Equal(t, base, jitter(base, 0))
}

func TestInlineJobQueue_RunsHandlerSynchronously(t *testing.T) {
	q := NewInlineJobQueue()
	var seen []byte
	q.Register("reindex_resource", func(_ context.Context, job *Job) error {
		seen = job.Params
		return nil
	})

	id, err := q.Enqueue(context.Background(), "reindex_resource", []byte(`{"id":"1"}`), 0, time.Time{})
	require.NoError(t, err)
	assert.NotEqual(t, id.String(), "")
	assert.Equal(t, []byte(`{"id":"1"}`), seen)

	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusCompleted, jobs[0].Status)
}

func TestInlineJobQueue_RecordsHandlerFailure(t *testing.T) {
	q := NewInlineJobQueue()
	q.Register("reindex_resource", func(_ context.Context, job *Job) error {
		return errors.New("boom")
	})

	_, err := q.Enqueue(context.Background(), "reindex_resource", nil, 0, time.Time{})
	assert.EqualError(t, err, "boom")

	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusFailed, jobs[0].Status)
	assert.Equal(t, "boom", jobs[0].LastError)
}

func TestInlineJobQueue_UnregisteredTypeFailsWithoutError(t *testing.T) {
	q := NewInlineJobQueue()
	id, err := q.Enqueue(context.Background(), "unknown", nil, 0, time.Time{})
	require.NoError(t, err)
	assert.NotEqual(t, id.String(), "")

	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusFailed, jobs[0].Status)
}
