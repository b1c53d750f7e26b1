package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/metering/internal/billing"
)

func testRecord() billing.UsageRecord {
	return billing.UsageRecord{
		ChatCompletionID: "chat-abc",
		UserID:           "u1",
		ModelType:        "deepseek-chat",
		InputCost:        decimal.RequireFromString("0.1234"),
		OutputCost:       decimal.RequireFromString("0.5678"),
		PriceVersion:     3,
		CalculatedAt:     time.Now().UTC(),
		Status:           billing.StatusCalculated,
	}
}

func TestInsertUsageRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := testRecord()
	mock.ExpectExec("INSERT INTO usage_record").
		WithArgs(rec.ChatCompletionID, rec.UserID, rec.ModelType,
			"0.1234", "0.5678", rec.PriceVersion,
			rec.CalculatedAt, rec.Status).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s := NewUsageStore(db, zerolog.Nop())
	require.NoError(t, s.InsertUsageRecord(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertUsageRecordMapsUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO usage_record").
		WillReturnError(&pq.Error{Code: "23505"})

	s := NewUsageStore(db, zerolog.Nop())
	err = s.InsertUsageRecord(context.Background(), testRecord())
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestExistsByCompletionID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("chat-abc").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	s := NewUsageStore(db, zerolog.Nop())
	exists, err := s.ExistsByCompletionID(context.Background(), "chat-abc")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestInsertCompletionIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// ON CONFLICT DO NOTHING: the re-insert affects zero rows but succeeds.
	mock.ExpectExec("INSERT INTO chat_completion").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chat_completion").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewCompletionStore(db, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, s.InsertCompletion(ctx, "u1", "chat-abc", "deepseek-chat"))
	require.NoError(t, s.InsertCompletion(ctx, "u1", "chat-abc", "deepseek-chat"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsCompletion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("chat-missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	s := NewCompletionStore(db, zerolog.Nop())
	exists, err := s.ExistsCompletion(context.Background(), "chat-missing")
	require.NoError(t, err)
	assert.False(t, exists)
}
