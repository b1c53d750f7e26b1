package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindValidPriceConfig(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	asOf := time.Now().UTC()
	effective := asOf.Add(-24 * time.Hour)
	mock.ExpectQuery("SELECT price, version, effective_time").
		WithArgs("deepseek-chat", "standard", "miss", "input", asOf).
		WillReturnRows(sqlmock.NewRows([]string{"price", "version", "effective_time"}).
			AddRow("2.000000", 3, effective))

	s := NewPostgresStore(db, zerolog.Nop())
	cfg, err := s.FindValidPriceConfig(context.Background(), standardQuery("deepseek-chat"), asOf)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.Price.Equal(decimal.RequireFromString("2")))
	assert.Equal(t, 3, cfg.Version)
}

func TestFindValidPriceConfigAbsenceIsNotAnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT price, version, effective_time").
		WillReturnRows(sqlmock.NewRows([]string{"price", "version", "effective_time"}))

	s := NewPostgresStore(db, zerolog.Nop())
	cfg, err := s.FindValidPriceConfig(context.Background(), standardQuery("ghost"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSelectByVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT price, version, effective_time").
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"price", "version", "effective_time"}).
			AddRow("1.000000", 2, now.Add(-time.Hour)).
			AddRow("4.000000", 2, now))

	s := NewPostgresStore(db, zerolog.Nop())
	configs, err := s.SelectByVersion(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.True(t, configs[1].Price.Equal(decimal.RequireFromString("4")))
}
