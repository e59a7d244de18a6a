package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"github.com/technosupport/ts-protect-backup/internal/data"
	"github.com/technosupport/ts-protect-backup/internal/metrics"
	"github.com/technosupport/ts-protect-backup/internal/pipeline"
	"github.com/technosupport/ts-protect-backup/internal/protect"
)

func TestFatalErrTerminatesTree(t *testing.T) {
	err := AsFatalErr(errors.New("remote gone"), ExitError)

	assert.ErrorIs(t, err, suture.ErrTerminateSupervisorTree)
	assert.Equal(t, "remote gone", err.Error())
}

func TestAsFatalErrKeepsInnermostStatus(t *testing.T) {
	inner := AsFatalErr(errors.New("boom"), ExitError)
	wrapped := fmt.Errorf("stage: %w", inner)

	again := AsFatalErr(wrapped, ExitSuccess)

	assert.Same(t, inner, again)
	assert.Equal(t, ExitError, again.Status)
}

func TestExitStatusFor(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitStatusFor(nil))
	assert.Equal(t, ExitSuccess, ExitStatusFor(context.Canceled))
	assert.Equal(t, ExitError, ExitStatusFor(errors.New("plain")))

	fatal := AsFatalErr(errors.New("boom"), ExitError)
	assert.Equal(t, ExitError, ExitStatusFor(fmt.Errorf("supervisor: %w", fatal)))

	misconfigured := AsFatalErr(errors.New("remote missing"), ExitConfig)
	assert.Equal(t, 200, ExitStatusFor(misconfigured).AsInt())
}

func TestSamplerSweepsGauges(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(17))

	queue := pipeline.NewQueue(8)
	require.NoError(t, queue.OfferLive(context.Background(), protect.Event{ID: "ev-live"}))
	require.NoError(t, queue.OfferBacklog(context.Background(), protect.Event{ID: "ev-backlog"}))

	budget := pipeline.NewBudget(1 << 20)
	handoff := pipeline.NewHandoff(budget)
	_, err = handoff.Write([]byte("clip bytes"))
	require.NoError(t, err)

	m := metrics.New()
	s := &sampler{
		queue:   queue,
		budget:  budget,
		ledger:  data.EventModel{DB: db},
		metrics: m,
		clock:   clockwork.NewFakeClock(),
	}

	s.sample(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues(metrics.LaneLive)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues(metrics.LaneBacklog)))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.BufferBytes))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.LedgerRows))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSamplerServesOnTicker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	countRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"count"}).AddRow(0)
	}
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM events`).WillReturnRows(countRows())
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM events`).WillReturnRows(countRows())

	clock := clockwork.NewFakeClock()
	s := &sampler{
		queue:   pipeline.NewQueue(8),
		budget:  pipeline.NewBudget(1 << 20),
		ledger:  data.EventModel{DB: db},
		metrics: metrics.New(),
		clock:   clock,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	clock.BlockUntil(1)
	clock.Advance(sampleInterval)
	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sampler did not stop")
	}
}

func TestDiagnosticsNameIsStable(t *testing.T) {
	d := diagnostics{}
	assert.Equal(t, "diagnostics", d.String())

	n := named{name: "uploader"}
	assert.Equal(t, "uploader", n.String())
}
