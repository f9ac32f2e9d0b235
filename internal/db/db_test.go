package db

import (
	"path/filepath"
	"testing"

	"github.com/router-for-me/chatgate/internal/models"
)

func TestOpenSQLiteAndMigrate(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "gate.db")
	conn, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !IsSQLite(conn) {
		t.Fatalf("expected sqlite dialect, got %q", DialectName(conn))
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("second migrate: %v", errMigrate)
	}
	if !conn.Migrator().HasTable(&models.WebhookEvent{}) || !conn.Migrator().HasTable(&models.CheckoutSession{}) {
		t.Fatalf("expected gate tables to exist")
	}
}

func TestOpenRejectsBadDSN(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected empty dsn error")
	}
	if _, err := Open("postgres://user@host:notaport/db"); err == nil {
		t.Fatalf("expected invalid postgres dsn error")
	}
}

func TestCaseInsensitiveLikeExpr(t *testing.T) {
	conn, err := Open("file::memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := CaseInsensitiveLikeExpr(conn, "customer_id"); got != "LOWER(customer_id) LIKE ?" {
		t.Fatalf("unexpected sqlite expression %q", got)
	}
	if got := NormalizeLikePattern(conn, "%ABC%"); got != "%abc%" {
		t.Fatalf("expected lowered pattern, got %q", got)
	}
}
