package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.framesSubmitted)
	assert.NotNil(t, collector.batchesUploaded)
	assert.NotNil(t, collector.uploadFailures)
	assert.NotNil(t, collector.restoresAttempted)
	assert.NotNil(t, collector.restoresSucceeded)
	assert.NotNil(t, collector.uploadLatency)
	assert.NotNil(t, collector.lastCommittedFrame)
	assert.NotNil(t, collector.uploadsInFlight)
}

func TestRecordSubmit(t *testing.T) {
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordSubmit(5)
		collector.RecordSubmit(0)
	})
}

func TestUploadLifecycle(t *testing.T) {
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordUploadStart()
		collector.RecordUploadSuccess(10 * time.Millisecond)

		collector.RecordUploadStart()
		collector.RecordUploadFailure()
	})
}

func TestSetLastCommittedFrame(t *testing.T) {
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.SetLastCommittedFrame(1)
		collector.SetLastCommittedFrame(100)
	})
}

func TestRestoreLifecycle(t *testing.T) {
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordRestoreAttempt()
		collector.RecordRestoreSuccess()
	})
}

func TestCollectorIsolation(t *testing.T) {
	// Each Collector owns its own registry, so two instances in the same
	// process never collide on metric names.
	collector1 := NewCollector()
	collector2 := NewCollector()

	require.NotNil(t, collector1)
	require.NotNil(t, collector2)
	assert.NotPanics(t, func() {
		collector1.RecordSubmit(1)
		collector2.RecordSubmit(1)
	})
}

func TestShutdownWithoutServe(t *testing.T) {
	collector := NewCollector()

	err := collector.Shutdown(context.Background())
	assert.NoError(t, err)
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := NewCollector()

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordSubmit(3)
			collector.RecordUploadStart()
			collector.RecordUploadSuccess(time.Millisecond)
			collector.SetLastCommittedFrame(42)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}
}
