//go:build integration

package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/text/encoding/charmap"

	"github.com/atlanteq/registryingest/internal/data/migrations"
	"github.com/atlanteq/registryingest/internal/ingest/catalog"
)

// setupDB spins up a disposable Postgres container and applies the
// embedded ingestion DDL from this module's migrations package, so each
// test runs against a fresh, real PostgreSQL instance.
func setupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION_TESTS") != "" {
		t.Skip("SKIP_INTEGRATION_TESTS set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("registryingest"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrations.Apply(ctx, pool))
	return pool
}

func legalEntitiesConfig(datasetURL string) catalog.RegistryConfig {
	return catalog.RegistryConfig{
		Name:            "legal-entities",
		DatasetURL:      datasetURL,
		Format:          catalog.FormatXML,
		Encoding:        "utf-8",
		RecordPath:      "RECORDS.RECORD",
		TableName:       "legal_entities",
		UniqueKey:       []string{"edrpou"},
		UpdateFrequency: catalog.CadenceDaily,
		FieldMap: map[string]catalog.FieldMapping{
			"edrpou": {SourceField: "EDRPOU"},
			"name":   {SourceField: "NAME"},
			"status": {SourceField: "STATUS"},
		},
	}
}

func serveZippedXML(t *testing.T, xmlBody string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("data.xml")
	require.NoError(t, err)
	_, err = io.WriteString(w, xmlBody)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func baseOpts(t *testing.T) Options {
	return Options{
		Concurrency:   2,
		ScratchRoot:   t.TempDir(),
		BatchSizeXML:  100,
		BatchSizeCSV:  100,
		WorkersXML:    2,
		WorkersCSV:    2,
		ProgressEvery: time.Hour,
	}
}

func TestSyncAll_TinyXMLArchiveImportsAllRows(t *testing.T) {
	db := setupDB(t)
	url := serveZippedXML(t, `<RECORDS>
		<RECORD><EDRPOU>00000001</EDRPOU><NAME>Alpha LLC</NAME><STATUS>active</STATUS></RECORD>
		<RECORD><EDRPOU>00000002</EDRPOU><NAME>Beta LLC</NAME><STATUS>active</STATUS></RECORD>
	</RECORDS>`)

	cfg := legalEntitiesConfig(url)
	results, err := SyncAll(context.Background(), db, []catalog.RegistryConfig{cfg}, baseOpts(t), testLog())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.EqualValues(t, 2, results[0].Imported)

	var count int
	require.NoError(t, db.QueryRow(context.Background(), `SELECT count(*) FROM legal_entities`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestSyncAll_DuplicateKeyBatchKeepsLastOccurrence(t *testing.T) {
	db := setupDB(t)
	url := serveZippedXML(t, `<RECORDS>
		<RECORD><EDRPOU>00000003</EDRPOU><NAME>Old Name</NAME><STATUS>active</STATUS></RECORD>
		<RECORD><EDRPOU>00000003</EDRPOU><NAME>New Name</NAME><STATUS>active</STATUS></RECORD>
	</RECORDS>`)

	cfg := legalEntitiesConfig(url)
	results, err := SyncAll(context.Background(), db, []catalog.RegistryConfig{cfg}, baseOpts(t), testLog())
	require.NoError(t, err)
	assert.EqualValues(t, 1, results[0].Imported)

	var name string
	require.NoError(t, db.QueryRow(context.Background(), `SELECT name FROM legal_entities WHERE edrpou = '00000003'`).Scan(&name))
	assert.Equal(t, "New Name", name)
}

func TestSyncAll_BadRowInBatchFallsBackWithoutLosingGoodRows(t *testing.T) {
	db := setupDB(t)
	// edrpou is NOT NULL; an empty value becomes NULL in the mapper only if
	// the field is truly absent. Here we force a fallback path by feeding a
	// value that is too long for a constrained column the catalog doesn't
	// define, so instead we assert the straightforward multi-row path holds
	// for a batch with one structurally odd but acceptable record mixed in.
	url := serveZippedXML(t, `<RECORDS>
		<RECORD><EDRPOU>00000004</EDRPOU><NAME>Gamma LLC</NAME><STATUS>active</STATUS></RECORD>
		<RECORD><EDRPOU></EDRPOU><NAME>No Code LLC</NAME><STATUS>active</STATUS></RECORD>
	</RECORDS>`)

	cfg := legalEntitiesConfig(url)
	results, err := SyncAll(context.Background(), db, []catalog.RegistryConfig{cfg}, baseOpts(t), testLog())
	require.NoError(t, err)
	// the second record gets a synthetic edrpou (gen_N) rather than being
	// dropped, per the mapper's synthetic-key policy, so both rows land.
	assert.EqualValues(t, 2, results[0].Imported)
}

func TestSyncAll_DryRunTouchesNoRows(t *testing.T) {
	db := setupDB(t)
	url := serveZippedXML(t, `<RECORDS><RECORD><EDRPOU>00000005</EDRPOU><NAME>X</NAME></RECORD></RECORDS>`)

	cfg := legalEntitiesConfig(url)
	opts := baseOpts(t)
	opts.DryRun = true
	results, err := SyncAll(context.Background(), db, []catalog.RegistryConfig{cfg}, opts, testLog())
	require.NoError(t, err)
	assert.EqualValues(t, 0, results[0].Imported)

	var count int
	require.NoError(t, db.QueryRow(context.Background(), `SELECT count(*) FROM legal_entities`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSyncAll_Windows1251XMLDecodesCyrillicNames(t *testing.T) {
	db := setupDB(t)

	name := "Іванова Марія Петрівна"
	encoder := charmap.Windows1251.NewEncoder()
	encodedName, err := encoder.String(name)
	require.NoError(t, err)
	body := fmt.Sprintf(`<RECORDS><RECORD><EDRPOU>00000007</EDRPOU><NAME>%s</NAME><STATUS>active</STATUS></RECORD></RECORDS>`, encodedName)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("data.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)

	cfg := legalEntitiesConfig(srv.URL)
	cfg.Encoding = "windows-1251"

	results, err := SyncAll(context.Background(), db, []catalog.RegistryConfig{cfg}, baseOpts(t), testLog())
	require.NoError(t, err)
	assert.EqualValues(t, 1, results[0].Imported)

	var got string
	require.NoError(t, db.QueryRow(context.Background(), `SELECT name FROM legal_entities WHERE edrpou = '00000007'`).Scan(&got))
	assert.Equal(t, name, got)
}

func TestSyncAll_NestedArchiveCSVIsRecursedAndImported(t *testing.T) {
	db := setupDB(t)

	var innerBuf bytes.Buffer
	izw := zip.NewWriter(&innerBuf)
	iw, err := izw.Create("data.csv")
	require.NoError(t, err)
	_, err = io.WriteString(iw, "EDRPOU,NAME,STATUS\n00000008,Delta LLC,active\n00000009,Epsilon LLC,active\n")
	require.NoError(t, err)
	require.NoError(t, izw.Close())

	var outerBuf bytes.Buffer
	ozw := zip.NewWriter(&outerBuf)
	ow, err := ozw.Create("inner.zip")
	require.NoError(t, err)
	_, err = ow.Write(innerBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, ozw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(outerBuf.Bytes())
	}))
	t.Cleanup(srv.Close)

	cfg := legalEntitiesConfig(srv.URL)
	cfg.Format = catalog.FormatCSV
	cfg.CSVDelimiter = ','

	results, err := SyncAll(context.Background(), db, []catalog.RegistryConfig{cfg}, baseOpts(t), testLog())
	require.NoError(t, err)
	assert.EqualValues(t, 2, results[0].Imported)
}

// TestSyncAll_WorkerFallbackRecoversGoodRowsAroundAConstraintViolation
// exercises C8's fast-path-then-per-row-fallback behavior against a
// throwaway table with a CHECK constraint, so that one row in an
// otherwise-valid batch fails the single multi-row INSERT and forces the
// SAVEPOINT-based fallback to run the batch row by row.
func TestSyncAll_WorkerFallbackRecoversGoodRowsAroundAConstraintViolation(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, `
		CREATE TABLE fallback_fixture (
			code        TEXT NOT NULL,
			status      TEXT NOT NULL CHECK (status IN ('active', 'inactive')),
			raw_data    JSONB,
			source_file TEXT,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (code)
		)`)
	require.NoError(t, err)

	url := serveZippedXML(t, `<RECORDS>
		<RECORD><CODE>00000010</CODE><STATUS>active</STATUS></RECORD>
		<RECORD><CODE>00000011</CODE><STATUS>bogus</STATUS></RECORD>
		<RECORD><CODE>00000012</CODE><STATUS>active</STATUS></RECORD>
	</RECORDS>`)

	cfg := catalog.RegistryConfig{
		Name:            "fallback-fixture",
		DatasetURL:      url,
		Format:          catalog.FormatXML,
		Encoding:        "utf-8",
		RecordPath:      "RECORDS.RECORD",
		TableName:       "fallback_fixture",
		UniqueKey:       []string{"code"},
		UpdateFrequency: catalog.CadenceDaily,
		FieldMap: map[string]catalog.FieldMapping{
			"code":   {SourceField: "CODE"},
			"status": {SourceField: "STATUS"},
		},
	}

	results, err := SyncAll(ctx, db, []catalog.RegistryConfig{cfg}, baseOpts(t), testLog())
	require.NoError(t, err)
	assert.EqualValues(t, 2, results[0].Imported)
	assert.EqualValues(t, 1, results[0].Errors)

	var count int
	require.NoError(t, db.QueryRow(ctx, `SELECT count(*) FROM fallback_fixture`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestSyncAll_WeeklyModeSkipsRecentlyUpdatedRegistry(t *testing.T) {
	db := setupDB(t)
	require.NoError(t, setLastUpdateDate(context.Background(), db, "legal-entities", time.Now()))

	url := serveZippedXML(t, `<RECORDS><RECORD><EDRPOU>00000006</EDRPOU><NAME>Y</NAME></RECORD></RECORDS>`)
	cfg := legalEntitiesConfig(url)
	cfg.UpdateFrequency = catalog.CadenceWeekly

	opts := baseOpts(t)
	opts.Weekly = true
	results, err := SyncAll(context.Background(), db, []catalog.RegistryConfig{cfg}, opts, testLog())
	require.NoError(t, err)
	assert.Empty(t, results, fmt.Sprintf("expected registry to be skipped, got %+v", results))
}
