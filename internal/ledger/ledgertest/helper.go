// Package ledgertest wires a real ledger on an in-memory SQLite database for
// package tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/bookingpay/internal/clock"
	ledgerdomain "github.com/smallbiznis/bookingpay/internal/ledger/domain"
	"github.com/smallbiznis/bookingpay/internal/ledger/repository"
	"github.com/smallbiznis/bookingpay/internal/ledger/service"
	"github.com/smallbiznis/bookingpay/internal/migration"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// OpenDB returns a fresh schema-applied SQLite database.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledgertest_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.ApplySQLiteSchema(context.Background(), conn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return conn
}

// NewService builds the ledger service over db.
func NewService(t testing.TB, db *gorm.DB, clk clock.Clock) ledgerdomain.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return service.NewService(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
}

// SeedPendingBooking inserts a pending_payment booking for orderID.
func SeedPendingBooking(t testing.TB, svc ledgerdomain.Service, referenceID, orderID string) *ledgerdomain.Booking {
	t.Helper()
	email := "client@example.com"
	name := "Test Client"
	amount := int64(5000)
	booking, err := svc.UpsertBooking(context.Background(), ledgerdomain.BookingPatch{
		ReferenceID: referenceID,
		OrderID:     orderID,
		ClientName:  &name,
		Email:       &email,
		Amount:      &amount,
		Services:    []string{"couples-counselling"},
	})
	if err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	return booking
}
