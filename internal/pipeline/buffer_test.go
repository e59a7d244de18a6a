package pipeline

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoffRoundTrip(t *testing.T) {
	budget := NewBudget(1 << 20)
	h := NewHandoff(budget)

	payload := bytes.Repeat([]byte("abcd"), 1024)
	n, err := h.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	h.CloseWrite(nil)

	got, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Zero(t, budget.Used(), "budget must drain with the stream")
}

func TestHandoffStreamsClipLargerThanBudget(t *testing.T) {
	budget := NewBudget(128)
	h := NewHandoff(budget)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	writeErr := make(chan error, 1)
	go func() {
		var err error
		for off := 0; off < len(payload) && err == nil; off += 32 {
			_, err = h.Write(payload[off : off+32])
		}
		h.CloseWrite(err)
		writeErr <- err
	}()

	got, err := io.ReadAll(h)
	require.NoError(t, err)
	require.NoError(t, <-writeErr)
	assert.Equal(t, payload, got)
	assert.Zero(t, budget.Used())
}

func TestHandoffWriterErrorSurfacesToReader(t *testing.T) {
	budget := NewBudget(1 << 20)
	h := NewHandoff(budget)

	_, err := h.Write([]byte("partial clip"))
	require.NoError(t, err)

	boom := errors.New("export stream died")
	h.CloseWrite(boom)

	_, err = io.ReadAll(h)
	assert.ErrorIs(t, err, boom)
	assert.True(t, h.WriteFailed())
	assert.Zero(t, budget.Used(), "failed stream must return its budget")
}

func TestHandoffFirstCloseWins(t *testing.T) {
	budget := NewBudget(1 << 20)
	h := NewHandoff(budget)

	_, err := h.Write([]byte("clip"))
	require.NoError(t, err)
	h.CloseWrite(nil)
	h.CloseWrite(errors.New("late shutdown close"))

	got, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, []byte("clip"), got)
	assert.False(t, h.WriteFailed())
}

func TestHandoffWriteAfterCloseFails(t *testing.T) {
	h := NewHandoff(NewBudget(1 << 20))
	h.CloseWrite(nil)

	_, err := h.Write([]byte("straggler"))
	assert.ErrorIs(t, err, errHandoffClosed)
}

func TestHandoffAbortUnblocksWriter(t *testing.T) {
	budget := NewBudget(64)
	h := NewHandoff(budget)

	writeErr := make(chan error, 1)
	go func() {
		// Second write cannot fit until the reader frees budget, which
		// it never will.
		var err error
		for i := 0; i < 4 && err == nil; i++ {
			_, err = h.Write(make([]byte, 32))
		}
		writeErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	h.Abort()

	select {
	case err := <-writeErr:
		assert.ErrorIs(t, err, errHandoffAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("writer stayed blocked after abort")
	}

	_, err := h.Read(make([]byte, 16))
	assert.ErrorIs(t, err, errHandoffAborted)
	assert.Zero(t, budget.Used())
}

func TestBudgetSharedAcrossHandoffs(t *testing.T) {
	budget := NewBudget(64)
	first := NewHandoff(budget)
	second := NewHandoff(budget)

	_, err := first.Write(make([]byte, 48))
	require.NoError(t, err)

	blocked := make(chan error, 1)
	go func() {
		_, err := second.Write(make([]byte, 48))
		blocked <- err
	}()

	select {
	case <-blocked:
		t.Fatal("second handoff should wait for shared budget")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining the first handoff frees budget for the second.
	_, err = io.CopyN(io.Discard, first, 48)
	require.NoError(t, err)
	require.NoError(t, <-blocked)

	second.CloseWrite(nil)
	got, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Len(t, got, 48)
	assert.Zero(t, budget.Used())
}
