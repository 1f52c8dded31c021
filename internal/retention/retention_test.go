// Copyright 2025 James Ross
package retention

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raulskat/webhook-service/internal/queue"
	"github.com/raulskat/webhook-service/internal/store"
)

func TestSweeper_LoopsUntilBatchExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := store.New(db)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb, "webhookd:queue:")

	mock.ExpectExec("DELETE FROM delivery_attempts").WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectExec("DELETE FROM delivery_attempts").WillReturnResult(sqlmock.NewResult(0, 3))

	s := New(st, q, 72, 10, zap.NewNop())
	s.sweep(context.Background())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweeper_NoRowsStopsImmediately(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := store.New(db)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(rdb, "webhookd:queue:")

	mock.ExpectExec("DELETE FROM delivery_attempts").WillReturnResult(sqlmock.NewResult(0, 0))

	s := New(st, q, 72, 1000, zap.NewNop())
	s.sweep(context.Background())

	require.NoError(t, mock.ExpectationsWereMet())
}
