package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	assert.ErrorIs(t, Event{EventType: EventIngestByte, Quantity: 1}.Validate(), ErrEmptyWorkspaceID)
	assert.ErrorIs(t, Event{WorkspaceID: "w", EventType: EventIngestByte, Quantity: -1}.Validate(), ErrNegativeQuantity)
	assert.NoError(t, Event{WorkspaceID: "w", EventType: EventIngestByte, Quantity: 0}.Validate())
}

func TestEnforcerDeniesOverLimit(t *testing.T) {
	ctx := context.Background()
	meter := NewMemoryMeter()
	enf := NewEnforcer(meter, Limits{IngestBytes: 100})

	require.NoError(t, enf.CheckIngest(ctx, "ws"))
	require.NoError(t, enf.RecordIngestBytes(ctx, "ws", 100))

	err := enf.CheckIngest(ctx, "ws")
	require.ErrorIs(t, err, ErrExceeded)
	assert.ErrorContains(t, err, "ingest_byte")

	// Other dimensions and other workspaces are unaffected.
	assert.NoError(t, enf.CheckRun(ctx, "ws"))
	assert.NoError(t, enf.CheckIngest(ctx, "other"))
}

func TestEnforcerZeroLimitIsUnlimited(t *testing.T) {
	ctx := context.Background()
	enf := NewEnforcer(NewMemoryMeter(), Limits{})
	require.NoError(t, enf.RecordIngestBytes(ctx, "ws", 1<<40))
	assert.NoError(t, enf.CheckIngest(ctx, "ws"))
}

func TestEnforcerUsageResetsAcrossMonths(t *testing.T) {
	ctx := context.Background()
	meter := NewMemoryMeter()
	enf := NewEnforcer(meter, Limits{PipelineRuns: 1})

	january := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	enf.now = func() time.Time { return january }
	require.NoError(t, enf.RecordRun(ctx, "ws"))
	require.ErrorIs(t, enf.CheckRun(ctx, "ws"), ErrExceeded)

	enf.now = func() time.Time { return january.AddDate(0, 1, 0) }
	assert.NoError(t, enf.CheckRun(ctx, "ws"))
}

type failingMeter struct{}

func (failingMeter) Record(ctx context.Context, e Event) error { return errors.New("down") }
func (failingMeter) UsageByType(ctx context.Context, ws string, t EventType, p Period) (int64, error) {
	return 0, errors.New("down")
}

func TestEnforcerFailsClosed(t *testing.T) {
	enf := NewEnforcer(failingMeter{}, Limits{IngestBytes: 1})
	err := enf.CheckIngest(context.Background(), "ws")
	assert.ErrorContains(t, err, "denying")
}

func TestPostgresMeterRecordAndSum(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	m := NewPostgresMeter(db)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO usage_events`).
		WithArgs("ws", string(EventEmbeddedChunk), int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, m.Record(ctx, Event{WorkspaceID: "ws", EventType: EventEmbeddedChunk, Quantity: 42}))

	period := MonthlyPeriod(time.Now())
	mock.ExpectQuery(`SELECT SUM\(quantity\) FROM usage_events`).
		WithArgs("ws", string(EventEmbeddedChunk), period.Start, period.End).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(42)))
	got, err := m.UsageByType(ctx, "ws", EventEmbeddedChunk, period)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	assert.NoError(t, mock.ExpectationsWereMet())
}
