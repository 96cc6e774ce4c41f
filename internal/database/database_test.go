package database

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/lib/pq"
)

func TestFromReturnsDBWithoutTransaction(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://localhost/unused?sslmode=disable")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	q := From(context.Background(), db)
	if q != Querier(db) {
		t.Errorf("From returned %T, want the bare *sql.DB", q)
	}
}
