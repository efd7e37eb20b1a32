package rowimport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainReadyCollapsesContiguous(t *testing.T) {
	q := NewFutureQueue()
	ch0 := q.Submit()
	ch1 := q.Submit()
	ch2 := q.Submit()

	ch0 <- result{index: 0}
	ch1 <- result{index: 1}
	// ch2 left pending

	drained := q.DrainReady()
	require.Len(t, drained, 2)
	assert.Equal(t, 0, drained[0].index)
	assert.Equal(t, 1, drained[1].index)
	assert.Equal(t, 1, q.Len())

	ch2 <- result{index: 2}
	drained = q.DrainReady()
	require.Len(t, drained, 1)
	assert.Equal(t, 2, drained[0].index)
	assert.Equal(t, 0, q.Len())
}

func TestDrainReadyStopsAtFirstNotReady(t *testing.T) {
	q := NewFutureQueue()
	ch0 := q.Submit()
	q.Submit() // ch1 never fires in this test

	ch0 <- result{index: 0}

	drained := q.DrainReady()
	assert.Len(t, drained, 1)
	assert.Equal(t, 1, q.Len(), "the not-yet-ready future must stay at the front")
}

func TestWaitNextOnEmptyQueue(t *testing.T) {
	q := NewFutureQueue()
	_, ok := q.WaitNext()
	assert.False(t, ok)
}
