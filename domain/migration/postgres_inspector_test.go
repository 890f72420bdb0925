package migration

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/RohithBalasubramani/plc-logger/domain/catalog"
)

// openMockDB wraps a go-sqlmock connection in *sqlx.DB so the
// information_schema-backed schemaInspector can be exercised without a real
// postgres/sqlserver server available.
func openMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "postgres"), mock
}

func TestSchemaInspectorHasTableQueriesInformationSchema(t *testing.T) {
	db, mock := openMockDB(t)
	insp, err := NewInspector(catalog.ProviderPostgres)
	if err != nil {
		t.Fatalf("NewInspector: %v", err)
	}

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM information_schema.tables`).
		WithArgs(Namespace, "Transformer_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	exists, err := insp.HasTable(context.Background(), db, "Transformer_1")
	if err != nil {
		t.Fatalf("HasTable: %v", err)
	}
	if !exists {
		t.Fatalf("expected HasTable to report true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSchemaInspectorColumnsOfReportsMissingColumns(t *testing.T) {
	db, mock := openMockDB(t)
	insp, err := NewInspector(catalog.ProviderPostgres)
	if err != nil {
		t.Fatalf("NewInspector: %v", err)
	}

	mock.ExpectQuery(`SELECT column_name FROM information_schema.columns`).
		WithArgs(Namespace, "Transformer_1").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("ts").AddRow("r_current"))

	cols, err := insp.ColumnsOf(context.Background(), db, "Transformer_1")
	if err != nil {
		t.Fatalf("ColumnsOf: %v", err)
	}
	if !cols["r_current"] {
		t.Fatalf("expected r_current to be present, got %+v", cols)
	}
	if cols["voltage"] {
		t.Fatalf("did not expect voltage to be present, got %+v", cols)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSchemaInspectorEnsureNamespaceCreatesSchema(t *testing.T) {
	db, mock := openMockDB(t)
	insp, err := NewInspector(catalog.ProviderPostgres)
	if err != nil {
		t.Fatalf("NewInspector: %v", err)
	}

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS neuract`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := insp.EnsureNamespace(context.Background(), db); err != nil {
		t.Fatalf("EnsureNamespace: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
