//go:build integration

package containers

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer wraps a testcontainers Postgres instance.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

// NewPostgresContainer starts a Postgres container and applies the audit
// schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("scribe"),
		tcpostgres.WithUsername("scribe"),
		tcpostgres.WithPassword("scribe"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open postgres connection: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to ping postgres: %v", err)
	}
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to apply audit schema: %v", err)
	}

	pc := &PostgresContainer{Container: container, DSN: dsn, DB: db}
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})
	return pc
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audits (
	id              BIGSERIAL PRIMARY KEY,
	is_active       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      BIGINT NOT NULL,
	updated_at      BIGINT NOT NULL,
	version         BIGINT NOT NULL DEFAULT 1,
	record_id       TEXT NOT NULL UNIQUE,
	audit_datetime_utc BIGINT NOT NULL,
	audit_type      TEXT NOT NULL,
	audit_user      TEXT NOT NULL,
	table_name      TEXT NOT NULL,
	key_values      TEXT NOT NULL DEFAULT '',
	old_values      TEXT NOT NULL DEFAULT '',
	new_values      TEXT NOT NULL DEFAULT '',
	changed_columns TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_tables (
	id         BIGSERIAL PRIMARY KEY,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	table_name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS audit_organizations (
	id              BIGSERIAL PRIMARY KEY,
	is_active       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      BIGINT NOT NULL,
	updated_at      BIGINT NOT NULL,
	version         BIGINT NOT NULL DEFAULT 1,
	organization_id BIGINT NOT NULL,
	audit_id        BIGINT NOT NULL REFERENCES audits (id)
);

CREATE INDEX IF NOT EXISTS idx_audit_organizations_org
	ON audit_organizations (organization_id);
`
