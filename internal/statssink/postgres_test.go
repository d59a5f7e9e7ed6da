package statssink

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/heatlink/fetchengine/internal/model"
	"github.com/heatlink/fetchengine/internal/stats"
)

func TestPostgresFlushUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink := NewPostgresWithPool(mock)

	snap := stats.Aggregate{
		SourceID:          "demo",
		TotalRequests:     10,
		ErrorCount:        1,
		SuccessRate:       0.9,
		AvgResponseTimeMS: 250,
		ByCallType:        map[model.CallType]stats.CallTypeAggregate{},
		ObservedAt:        time.Unix(1700000000, 0).UTC(),
	}

	mock.ExpectExec("INSERT INTO source_stats").
		WithArgs(snap.SourceID, snap.TotalRequests, snap.ErrorCount, snap.SuccessRate,
			snap.AvgResponseTimeMS, pgxmock.AnyArg(), snap.ObservedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, sink.Flush(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFlushPropagatesExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink := NewPostgresWithPool(mock)
	mock.ExpectExec("INSERT INTO source_stats").WillReturnError(context.DeadlineExceeded)

	err = sink.Flush(context.Background(), stats.Aggregate{SourceID: "demo"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
