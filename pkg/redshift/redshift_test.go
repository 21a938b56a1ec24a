package redshift

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/compress"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/ds"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/syncerr"
	"github.com/PrecisionNutrition/postgres-to-redshift/pkg/typemap"
)

// recorder collects every statement sent to the warehouse, in order.
type recorder struct {
	statements []string
	// failOn fails the first statement starting with the key.
	failOn map[string]error
}

func (r *recorder) exec(sql string) (pgconn.CommandTag, error) {
	r.statements = append(r.statements, sql)
	for prefix, err := range r.failOn {
		if strings.HasPrefix(sql, prefix) {
			return nil, err
		}
	}
	return pgconn.CommandTag("OK"), nil
}

type fakeConn struct {
	*recorder
	tx       *fakeTx
	beginErr error
}

func (c *fakeConn) Begin(context.Context) (pgx.Tx, error) {
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	c.statements = append(c.statements, "BEGIN")
	return c.tx, nil
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...interface{}) (pgconn.CommandTag, error) {
	return c.exec(sql)
}

type fakeTx struct {
	pgx.Tx
	*recorder
	exists    bool
	committed bool
	rolled    bool
	commitErr error
}

func (tx *fakeTx) Exec(_ context.Context, sql string, _ ...interface{}) (pgconn.CommandTag, error) {
	return tx.exec(sql)
}

func (tx *fakeTx) QueryRow(_ context.Context, _ string, _ ...interface{}) pgx.Row {
	return existsRow{exists: tx.exists}
}

func (tx *fakeTx) Commit(context.Context) error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	tx.statements = append(tx.statements, "COMMIT")
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if tx.committed {
		return pgx.ErrTxClosed
	}
	tx.rolled = true
	tx.statements = append(tx.statements, "ROLLBACK")
	return nil
}

type existsRow struct{ exists bool }

func (r existsRow) Scan(dest ...interface{}) error {
	*(dest[0].(*bool)) = r.exists
	return nil
}

type fakeLocator struct{}

func (fakeLocator) PrefixURI(table ds.Table, ext string) string {
	return "s3://exports/" + ds.ObjectPrefix("export", table.TargetName, ext)
}

var users = ds.Table{
	Name:       "users",
	TargetName: "users",
	Columns: []ds.Column{
		{Name: "id", DataType: "integer"},
		{Name: "email", DataType: "character varying"},
	},
}

func newFake(exists bool) (*fakeConn, *fakeTx) {
	rec := &recorder{failOn: map[string]error{}}
	tx := &fakeTx{recorder: rec, exists: exists}
	return &fakeConn{recorder: rec, tx: tx}, tx
}

func newImporter(conn Conn) *Importer {
	return New(conn, fakeLocator{}, Options{
		Region:          "us-west-2",
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
		Codec:           compress.Gzip,
		Ext:             "psv.gz",
	}, zap.NewNop())
}

const wantCopy = `COPY "public"."users" ("id", "email") FROM 's3://exports/export/users.psv.gz' ` +
	`CREDENTIALS 'aws_access_key_id=AKID;aws_secret_access_key=SECRET' GZIP ` +
	`TRUNCATECOLUMNS ESCAPE DELIMITER AS '|' REGION 'us-west-2'`

func TestImportSwapsExistingTable(t *testing.T) {
	conn, tx := newFake(true)
	require.NoError(t, newImporter(conn).Import(context.Background(), users))

	assert.Equal(t, []string{
		`DROP TABLE IF EXISTS "public"."users_updating"`,
		"BEGIN",
		`ALTER TABLE "public"."users" RENAME TO "users_updating"`,
		`CREATE TABLE "public"."users" ("id" INTEGER, "email" VARCHAR(65535))`,
		wantCopy,
		`DROP TABLE "public"."users_updating"`,
		"COMMIT",
	}, conn.statements)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolled)
}

func TestImportSkipsRenameForNewTable(t *testing.T) {
	conn, tx := newFake(false)
	require.NoError(t, newImporter(conn).Import(context.Background(), users))

	assert.Equal(t, []string{
		`DROP TABLE IF EXISTS "public"."users_updating"`,
		"BEGIN",
		`CREATE TABLE "public"."users" ("id" INTEGER, "email" VARCHAR(65535))`,
		wantCopy,
		"COMMIT",
	}, conn.statements)
	assert.True(t, tx.committed)
}

func TestImportRollsBackOnCopyFailure(t *testing.T) {
	conn, tx := newFake(true)
	conn.failOn["COPY"] = errors.New("S3ServiceException: Access Denied")

	err := newImporter(conn).Import(context.Background(), users)
	var importErr *syncerr.ImportError
	require.ErrorAs(t, err, &importErr)
	assert.Equal(t, "users", importErr.Table)
	assert.Equal(t, StepCopy, importErr.Step)
	assert.True(t, tx.rolled)
	assert.False(t, tx.committed)
	assert.Equal(t, "ROLLBACK", conn.statements[len(conn.statements)-1])
	assert.NotContains(t, conn.statements, `DROP TABLE "public"."users_updating"`)
}

func TestImportCommitFailure(t *testing.T) {
	conn, tx := newFake(false)
	tx.commitErr = errors.New("serializable isolation violation")

	err := newImporter(conn).Import(context.Background(), users)
	var importErr *syncerr.ImportError
	require.ErrorAs(t, err, &importErr)
	assert.Equal(t, StepCommit, importErr.Step)
	assert.True(t, tx.rolled)
}

func TestImportIgnoresCancellation(t *testing.T) {
	conn, tx := newFake(false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, newImporter(conn).Import(ctx, users))
	assert.True(t, tx.committed)
}

func TestImportUnsupportedTypeSendsNothing(t *testing.T) {
	conn, _ := newFake(true)
	table := users
	table.Columns = append([]ds.Column{}, users.Columns...)
	table.Columns = append(table.Columns, ds.Column{Name: "shape", DataType: "polygon"})

	err := newImporter(conn).Import(context.Background(), table)
	var unsupported *typemap.UnsupportedTypeError
	require.ErrorAs(t, err, &unsupported)
	assert.Empty(t, conn.statements)
}

func TestImportBeginFailure(t *testing.T) {
	conn, _ := newFake(true)
	conn.beginErr = errors.New("connection reset")
	err := newImporter(conn).Import(context.Background(), users)
	var importErr *syncerr.ImportError
	require.ErrorAs(t, err, &importErr)
	assert.Equal(t, StepBegin, importErr.Step)
}

func TestEnsureTable(t *testing.T) {
	conn, _ := newFake(false)
	require.NoError(t, newImporter(conn).EnsureTable(context.Background(), users))
	assert.Equal(t, []string{
		`CREATE TABLE IF NOT EXISTS "public"."users" ("id" INTEGER, "email" VARCHAR(65535))`,
	}, conn.statements)
}

func TestCopySQL(t *testing.T) {
	conn, _ := newFake(false)
	imp := newImporter(conn)
	assert.Equal(t, wantCopy, imp.CopySQL(users, false))
	assert.NotContains(t, imp.CopySQL(users, true), "SECRET")

	imp = New(conn, fakeLocator{}, Options{
		IAMRole: "arn:aws:iam::123456789012:role/redshift-load",
		Codec:   compress.Bzip2,
		Ext:     "psv.bz2",
	}, zap.NewNop())
	assert.Equal(t,
		`COPY "public"."users" ("id", "email") FROM 's3://exports/export/users.psv.bz2' `+
			`IAM_ROLE 'arn:aws:iam::123456789012:role/redshift-load' BZIP2 `+
			`TRUNCATECOLUMNS ESCAPE DELIMITER AS '|' REGION 'us-west-2'`,
		imp.CopySQL(users, false))
}

func TestRunScript(t *testing.T) {
	conn, _ := newFake(false)
	imp := newImporter(conn)

	ran, err := imp.RunScript(context.Background(), filepath.Join(t.TempDir(), "post.sql"))
	require.NoError(t, err)
	assert.False(t, ran)

	path := filepath.Join(t.TempDir(), "post.sql")
	require.NoError(t, os.WriteFile(path, []byte("GRANT SELECT ON ALL TABLES IN SCHEMA public TO reporting;"), 0o600))
	ran, err = imp.RunScript(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"GRANT SELECT ON ALL TABLES IN SCHEMA public TO reporting;"}, conn.statements)
}
