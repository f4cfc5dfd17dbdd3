package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay_DoublesAndCaps(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextDelay(time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextDelay(20*time.Second, 30*time.Second))
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
