package recording

import (
	"database/sql"
	"fmt"
	"os"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// A SQLiteRecorder writes operations into a SQLite database. Writes
// are buffered and flushed in batches inside one transaction; a final
// flush is registered with atexit.
type SQLiteRecorder struct {
	*sql.DB
	statement *sql.Stmt

	dbName     string
	opsToWrite []Op
	batchSize  int
}

// NewSQLiteRecorder creates a SQLiteRecorder writing to the file
// path.sqlite3. If path is empty, a unique name is generated.
func NewSQLiteRecorder(path string) *SQLiteRecorder {
	r := &SQLiteRecorder{
		dbName:    path,
		batchSize: 100000,
	}

	r.init()

	atexit.Register(func() { r.Flush() })

	return r
}

// NewSQLiteRecorderWithDB creates a SQLiteRecorder on an existing
// database connection.
func NewSQLiteRecorderWithDB(db *sql.DB) *SQLiteRecorder {
	r := &SQLiteRecorder{
		DB:        db,
		batchSize: 100000,
	}

	r.createTable()
	r.prepareStatement()

	atexit.Register(func() { r.Flush() })

	return r
}

func (r *SQLiteRecorder) init() {
	if r.dbName == "" {
		r.dbName = "membox_ops_" + xid.New().String()
	}

	filename := r.dbName + ".sqlite3"

	_, err := os.Stat(filename)
	if err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(err)
	}
	r.DB = db

	r.createTable()
	r.prepareStatement()
}

func (r *SQLiteRecorder) createTable() {
	r.mustExecute(`
		CREATE TABLE ops (
			id TEXT,
			kind TEXT,
			root INTEGER,
			vaddr INTEGER,
			size INTEGER,
			result INTEGER
		);
	`)
}

func (r *SQLiteRecorder) prepareStatement() {
	stmt, err := r.Prepare(`
		INSERT INTO ops (id, kind, root, vaddr, size, result)
		VALUES (?, ?, ?, ?, ?, ?);
	`)
	if err != nil {
		panic(err)
	}
	r.statement = stmt
}

// Record buffers one operation for writing.
func (r *SQLiteRecorder) Record(op Op) {
	if op.ID == "" {
		op.ID = xid.New().String()
	}

	r.opsToWrite = append(r.opsToWrite, op)
	if len(r.opsToWrite) >= r.batchSize {
		r.Flush()
	}
}

// Flush writes all buffered operations to the database.
func (r *SQLiteRecorder) Flush() {
	if len(r.opsToWrite) == 0 {
		return
	}

	r.mustExecute("BEGIN TRANSACTION")
	defer r.mustExecute("COMMIT TRANSACTION")

	for _, op := range r.opsToWrite {
		_, err := r.statement.Exec(
			op.ID,
			op.Kind,
			int64(op.Root),
			int64(op.VAddr),
			int64(op.Size),
			int64(op.Result),
		)
		if err != nil {
			panic(err)
		}
	}

	r.opsToWrite = nil
}

func (r *SQLiteRecorder) mustExecute(query string) sql.Result {
	res, err := r.Exec(query)
	if err != nil {
		panic(query + " failed: " + err.Error())
	}
	return res
}
