// Package postgres provides a tree backend stored in one PostgreSQL table.
//
// Every entity is a row referencing its parent row. Ids are random UUIDs that
// survive rename and move; copies get new ids. Path lookup, search, copy and
// move run as single queries or transactions instead of walking the tree
// level by level.
//
// Info returns the metadata loaded with the handle, refreshed by mutations
// made through that handle.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gobeaver/treefs"
	"github.com/gobeaver/treefs/internal/logging"
	"github.com/gobeaver/treefs/internal/metrics"
)

const backend = "postgres"

// DefaultTable is used when no table name is given.
const DefaultTable = "treefs_files"

// PostgreSQL error codes
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// store is the state shared by all handles of one backend instance.
type store struct {
	pool   *pgxpool.Pool
	owned  bool
	table  string // sanitized identifier
	hub    *treefs.EventHub
	log    zerolog.Logger
	rootID string
}

// row is the metadata of one entity.
type row struct {
	id       string
	name     string
	dir      bool
	size     int64
	mimeType string
	created  time.Time
	modified time.Time
}

// File is a leaf of a postgres tree.
type File struct {
	s     *store
	id    string
	dir   bool
	outer treefs.File

	mu  sync.RWMutex
	row row
}

// Directory is a directory of a postgres tree.
type Directory struct {
	File
}

// Open connects to the database at url and returns the root of the tree kept
// in table. The pool is closed by Close.
func Open(ctx context.Context, url, table string) (*Directory, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	root, err := New(ctx, pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	root.s.owned = true
	return root, nil
}

// New returns the root of the tree kept in table, creating the table and the
// root row when missing. The caller keeps ownership of pool.
func New(ctx context.Context, pool *pgxpool.Pool, table string) (*Directory, error) {
	if table == "" {
		table = DefaultTable
	}
	s := &store{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
		hub:   treefs.NewEventHub(),
		log:   logging.Get("treefs.postgres"),
	}
	if err := s.migrate(ctx, table); err != nil {
		return nil, err
	}

	root, err := s.ensureRoot(ctx)
	if err != nil {
		return nil, err
	}
	s.rootID = root.id
	s.log.Debug().Str("table", table).Str("root", root.id).Msg("tree opened")
	return s.handle(root).(*Directory), nil
}

// Close releases the connection pool if it was opened by Open.
func (d *Directory) Close() {
	if d.s.owned {
		d.s.pool.Close()
	}
}

func (s *store) migrate(ctx context.Context, table string) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id        text PRIMARY KEY,
	parent_id text REFERENCES %[1]s (id) ON DELETE CASCADE,
	name      text NOT NULL,
	is_dir    boolean NOT NULL,
	data      bytea,
	mime_type text NOT NULL DEFAULT '',
	created   timestamptz NOT NULL DEFAULT now(),
	modified  timestamptz NOT NULL DEFAULT now(),
	UNIQUE (parent_id, name)
)`, s.table),
		// one root per table
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s ((parent_id IS NULL)) WHERE parent_id IS NULL`,
			pgx.Identifier{table + "_root"}.Sanitize(), s.table),
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *store) ensureRoot(ctx context.Context) (row, error) {
	insert := fmt.Sprintf(`INSERT INTO %s (id, parent_id, name, is_dir, mime_type)
		VALUES ($1, NULL, '', true, $2) ON CONFLICT DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, insert, uuid.NewString(), treefs.DirectoryMimeType); err != nil {
		return row{}, fmt.Errorf("create root: %w", err)
	}

	r, err := s.scanOne(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE parent_id IS NULL`, columns, s.table))
	if err != nil {
		return row{}, fmt.Errorf("load root: %w", err)
	}
	return r, nil
}

// columns selected for every row
const columns = "id, name, is_dir, coalesce(octet_length(data), 0), mime_type, created, modified"

func scanRow(rows pgx.Row) (row, error) {
	var r row
	err := rows.Scan(&r.id, &r.name, &r.dir, &r.size, &r.mimeType, &r.created, &r.modified)
	return r, err
}

func (s *store) scanOne(ctx context.Context, query string, args ...any) (row, error) {
	return scanRow(s.pool.QueryRow(ctx, query, args...))
}

func (s *store) scanAll(ctx context.Context, query string, args ...any) ([]row, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *store) handle(r row) treefs.File {
	if r.dir {
		d := &Directory{File{s: s, id: r.id, dir: true, row: r}}
		d.outer = d
		return d
	}
	f := &File{s: s, id: r.id, row: r}
	f.outer = f
	return f
}

// lineage returns the ids of id and its ancestors, id first.
func (s *store) lineage(ctx context.Context, id string) ([]string, error) {
	query := fmt.Sprintf(`
WITH RECURSIVE up (id, parent_id, depth) AS (
	SELECT id, parent_id, 0 FROM %[1]s WHERE id = $1
	UNION ALL
	SELECT t.id, t.parent_id, up.depth + 1 FROM %[1]s t JOIN up ON t.id = up.parent_id
)
SELECT id FROM up ORDER BY depth`, s.table)

	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// notify dispatches a change on every id and its ancestors.
func (s *store) notify(ctx context.Context, ids ...string) {
	// the mutation already happened; report it even if ctx ended meanwhile
	ctx = context.WithoutCancel(ctx)

	var keys []string
	for _, id := range ids {
		lineage, err := s.lineage(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("failed to resolve ancestors for change event")
			keys = append(keys, id)
			continue
		}
		keys = append(keys, lineage...)
	}
	s.hub.Dispatch(keys...)
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordOperation(backend, op, *err, time.Since(start))
}

// classify maps database errors onto the tree sentinels where the cause is
// certain.
func classify(op, name string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return treefs.NewPathError(op, name, treefs.ErrDetached)
	case errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation:
		return treefs.NewPathError(op, name, treefs.ErrExist)
	case errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation:
		return treefs.NewPathError(op, name, treefs.ErrDetached)
	default:
		return treefs.NewPathError(op, name, err)
	}
}

// ============================================================================
// File
// ============================================================================

func (f *File) ID() string { return f.id }

func (f *File) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.row.name
}

func (f *File) Kind() treefs.Kind {
	if f.dir {
		return treefs.KindDirectory
	}
	return treefs.KindFile
}

func (f *File) Info() treefs.FileInfo {
	f.mu.RLock()
	r := f.row
	f.mu.RUnlock()

	if r.dir {
		info := treefs.DirectoryInfo(r.id, r.name)
		info.Created = r.created
		info.LastModified = r.modified
		return info
	}
	return treefs.FileInfo{
		ID:           r.id,
		Name:         r.name,
		Size:         r.size,
		MimeType:     r.mimeType,
		Created:      r.created,
		LastModified: r.modified,
	}
}

func (f *File) Read(ctx context.Context) (data []byte, err error) {
	if f.dir {
		return treefs.ListingJSON(ctx, f.outer.(*Directory))
	}
	defer observe("read", time.Now(), &err)

	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, f.s.table)
	if err := f.s.pool.QueryRow(ctx, query, f.id).Scan(&data); err != nil {
		return nil, classify("read", f.Name(), err)
	}
	return data, nil
}

func (f *File) Write(ctx context.Context, data []byte) (stored []byte, err error) {
	if f.dir {
		return nil, treefs.NewPathError("write", f.Name(), treefs.ErrNotSupported)
	}
	defer observe("write", time.Now(), &err)

	if data == nil {
		data = []byte{}
	}
	query := fmt.Sprintf(`UPDATE %s SET data = $2, modified = now() WHERE id = $1 RETURNING modified`, f.s.table)
	var modified time.Time
	if err := f.s.pool.QueryRow(ctx, query, f.id, data).Scan(&modified); err != nil {
		return nil, classify("write", f.Name(), err)
	}

	f.mu.Lock()
	f.row.size = int64(len(data))
	f.row.modified = modified
	f.mu.Unlock()

	f.s.notify(ctx, f.id)
	return data, nil
}

func (f *File) Rename(ctx context.Context, newName string) (err error) {
	if err := treefs.ValidateName(newName); err != nil {
		return treefs.NewPathError("rename", newName, err)
	}
	if f.id == f.s.rootID {
		return treefs.NewPathError("rename", "/", treefs.ErrNotSupported)
	}
	defer observe("rename", time.Now(), &err)

	query := fmt.Sprintf(`UPDATE %s SET name = $2 WHERE id = $1 RETURNING id`, f.s.table)
	var id string
	if err := f.s.pool.QueryRow(ctx, query, f.id, newName).Scan(&id); err != nil {
		return classify("rename", newName, err)
	}

	f.mu.Lock()
	f.row.name = newName
	f.mu.Unlock()

	f.s.notify(ctx, f.id)
	return nil
}

// Delete removes the row; the rows below a directory go with it.
func (f *File) Delete(ctx context.Context) (err error) {
	if f.id == f.s.rootID {
		return treefs.NewPathError("delete", "/", treefs.ErrNotSupported)
	}
	defer observe("delete", time.Now(), &err)

	// resolved first, the rows are gone afterwards
	lineage, err := f.s.lineage(ctx, f.id)
	if err != nil {
		return classify("delete", f.Name(), err)
	}
	if len(lineage) == 0 {
		return treefs.NewPathError("delete", f.Name(), treefs.ErrDetached)
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, f.s.table)
	tag, err := f.s.pool.Exec(ctx, query, f.id)
	if err != nil {
		return classify("delete", f.Name(), err)
	}
	if tag.RowsAffected() == 0 {
		return treefs.NewPathError("delete", f.Name(), treefs.ErrDetached)
	}

	f.s.hub.Dispatch(lineage...)
	return nil
}

// Copy duplicates the subtree inside one transaction when target belongs to
// the same tree, and falls back to treefs.CopyTo otherwise.
func (f *File) Copy(ctx context.Context, target treefs.Directory) (copied treefs.File, err error) {
	dst, ok := f.sameStore(target)
	if !ok {
		return treefs.CopyTo(ctx, f.outer, target)
	}
	if f.id == f.s.rootID {
		return nil, treefs.NewPathError("copy", "/", treefs.ErrNotSupported)
	}
	defer observe("copy", time.Now(), &err)

	var top row
	err = pgx.BeginFunc(ctx, f.s.pool, func(tx pgx.Tx) error {
		var err error
		top, err = f.s.copySubtree(ctx, tx, f.id, dst.id)
		return err
	})
	if err != nil {
		return nil, classify("copy", f.Name(), err)
	}

	f.s.notify(ctx, dst.id)
	return f.s.handle(top), nil
}

// copySubtree inserts a copy of the subtree below src into dst. The subtree
// is read completely before the first insert, so copying a directory into its
// own subtree ends.
func (s *store) copySubtree(ctx context.Context, tx pgx.Tx, src, dst string) (row, error) {
	query := fmt.Sprintf(`
WITH RECURSIVE down (id, parent_id, depth) AS (
	SELECT id, parent_id, 0 FROM %[1]s WHERE id = $1
	UNION ALL
	SELECT t.id, t.parent_id, down.depth + 1 FROM %[1]s t JOIN down ON t.parent_id = down.id
)
SELECT down.id, down.parent_id FROM down ORDER BY depth`, s.table)

	rows, err := tx.Query(ctx, query, src)
	if err != nil {
		return row{}, err
	}
	type link struct{ id, parent string }
	links, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (link, error) {
		var l link
		var parent *string
		err := r.Scan(&l.id, &parent)
		if parent != nil {
			l.parent = *parent
		}
		return l, err
	})
	if err != nil {
		return row{}, err
	}
	if len(links) == 0 {
		return row{}, pgx.ErrNoRows
	}

	newIDs := make(map[string]string, len(links))
	insert := fmt.Sprintf(`INSERT INTO %s (id, parent_id, name, is_dir, data, mime_type)
		SELECT $1, $2, name, is_dir, data, mime_type FROM %[1]s WHERE id = $3`, s.table)
	for i, l := range links {
		parent := dst
		if i > 0 {
			parent = newIDs[l.parent]
		}
		newIDs[l.id] = uuid.NewString()
		if _, err := tx.Exec(ctx, insert, newIDs[l.id], parent, l.id); err != nil {
			return row{}, err
		}
	}

	top := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns, s.table)
	return scanRow(tx.QueryRow(ctx, top, newIDs[src]))
}

// Move re-parents the row when target belongs to the same tree; the id is
// kept. Other targets fall back to treefs.MoveTo.
func (f *File) Move(ctx context.Context, target treefs.Directory) (moved treefs.File, err error) {
	dst, ok := f.sameStore(target)
	if !ok {
		return treefs.MoveTo(ctx, f.outer, target)
	}
	if f.id == f.s.rootID {
		return nil, treefs.NewPathError("move", "/", treefs.ErrNotSupported)
	}
	defer observe("move", time.Now(), &err)

	// the target must not lie below the moved entity
	targetLineage, err := f.s.lineage(ctx, dst.id)
	if err != nil {
		return nil, classify("move", f.Name(), err)
	}
	for _, id := range targetLineage {
		if id == f.id {
			return nil, treefs.NewPathError("move", f.Name(), treefs.ErrNotSupported)
		}
	}
	oldLineage, err := f.s.lineage(ctx, f.id)
	if err != nil {
		return nil, classify("move", f.Name(), err)
	}
	if len(oldLineage) < 2 {
		return nil, treefs.NewPathError("move", f.Name(), treefs.ErrDetached)
	}
	if oldLineage[1] == dst.id {
		return f.outer, nil
	}

	query := fmt.Sprintf(`UPDATE %s SET parent_id = $2, modified = now() WHERE id = $1 RETURNING id`, f.s.table)
	var id string
	if err := f.s.pool.QueryRow(ctx, query, f.id, dst.id).Scan(&id); err != nil {
		return nil, classify("move", f.Name(), err)
	}

	f.s.hub.Dispatch(oldLineage[1:]...)
	f.s.notify(ctx, f.id)
	return f.outer, nil
}

func (f *File) AddOnChangeListener(l *treefs.Listener) {
	f.s.hub.Add(f.id, f.outer, l)
}

func (f *File) RemoveOnChangeListener(l *treefs.Listener) {
	f.s.hub.Remove(f.id, l)
}

// digests the database computes itself
var sqlDigests = map[treefs.ChecksumAlgorithm]string{
	treefs.ChecksumMD5:    "md5(data)",
	treefs.ChecksumSHA256: "encode(sha256(data), 'hex')",
	treefs.ChecksumSHA512: "encode(sha512(data), 'hex')",
}

// Checksum hashes inside the database for md5, sha256 and sha512 and reads
// the content for everything else.
func (f *File) Checksum(ctx context.Context, algorithm treefs.ChecksumAlgorithm) (string, error) {
	if f.dir {
		return "", treefs.NewPathError("checksum", f.Name(), treefs.ErrIsDir)
	}
	expr, ok := sqlDigests[algorithm]
	if !ok {
		data, err := f.Read(ctx)
		if err != nil {
			return "", err
		}
		return treefs.CalculateChecksum(bytes.NewReader(data), algorithm)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, expr, f.s.table)
	var sum *string
	if err := f.s.pool.QueryRow(ctx, query, f.id).Scan(&sum); err != nil {
		return "", classify("checksum", f.Name(), err)
	}
	if sum == nil {
		// NULL content hashes like empty content
		return treefs.CalculateChecksum(strings.NewReader(""), algorithm)
	}
	return *sum, nil
}

// sameStore returns target as a directory of this tree. Wrapped targets are
// not unwrapped so that their layers see the operation.
func (f *File) sameStore(target treefs.Directory) (*Directory, bool) {
	d, ok := target.(*Directory)
	if !ok || d.s != f.s {
		return nil, false
	}
	return d, true
}

// ============================================================================
// Directory
// ============================================================================

// Children lists the children sorted by name.
func (d *Directory) Children(ctx context.Context) (children []treefs.File, err error) {
	defer observe("children", time.Now(), &err)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE parent_id = $1 ORDER BY name COLLATE "C"`, columns, d.s.table)
	rows, err := d.s.scanAll(ctx, query, d.id)
	if err != nil {
		return nil, classify("children", d.Name(), err)
	}
	if len(rows) == 0 {
		if err := d.exists(ctx, "children"); err != nil {
			return nil, err
		}
	}

	children = make([]treefs.File, 0, len(rows))
	for _, r := range rows {
		children = append(children, d.s.handle(r))
	}
	return children, nil
}

func (d *Directory) exists(ctx context.Context, op string) error {
	var found bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, d.s.table)
	if err := d.s.pool.QueryRow(ctx, query, d.id).Scan(&found); err != nil {
		return classify(op, d.Name(), err)
	}
	if !found {
		return treefs.NewPathError(op, d.Name(), treefs.ErrDetached)
	}
	return nil
}

func (d *Directory) AddFile(ctx context.Context, data []byte, name, mimeType string) (treefs.File, error) {
	if mimeType == "" {
		mimeType = treefs.GuessMimeType(name, data)
	}
	if data == nil {
		data = []byte{}
	}
	return d.add(ctx, "addFile", name, false, data, mimeType)
}

func (d *Directory) AddDirectory(ctx context.Context, name string) (treefs.Directory, error) {
	f, err := d.add(ctx, "addDirectory", name, true, nil, treefs.DirectoryMimeType)
	if err != nil {
		return nil, err
	}
	return f.(*Directory), nil
}

func (d *Directory) add(ctx context.Context, op, name string, dir bool, data []byte, mimeType string) (f treefs.File, err error) {
	if err := treefs.ValidateName(name); err != nil {
		return nil, treefs.NewPathError(op, name, err)
	}
	defer observe(op, time.Now(), &err)

	query := fmt.Sprintf(`INSERT INTO %s (id, parent_id, name, is_dir, data, mime_type)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING %s`, d.s.table, columns)
	r, err := d.s.scanOne(ctx, query, uuid.NewString(), d.id, name, dir, data, mimeType)
	if err != nil {
		return nil, classify(op, name, err)
	}

	d.s.notify(ctx, d.id)
	return d.s.handle(r), nil
}

// Search matches names of all descendants, loaded in one query, in path
// order.
func (d *Directory) Search(ctx context.Context, query string) (found []treefs.File, err error) {
	defer observe("search", time.Now(), &err)

	sql := fmt.Sprintf(`
WITH RECURSIVE down (id, path) AS (
	SELECT id, ARRAY[]::text[] FROM %[1]s WHERE id = $1
	UNION ALL
	SELECT t.id, down.path || t.name FROM %[1]s t JOIN down ON t.parent_id = down.id
)
SELECT %[2]s FROM down JOIN %[1]s USING (id) WHERE cardinality(down.path) > 0 ORDER BY down.path COLLATE "C"`,
		d.s.table, columns)
	rows, err := d.s.scanAll(ctx, sql, d.id)
	if err != nil {
		return nil, classify("search", d.Name(), err)
	}

	m := treefs.NameMatcher(query)
	for _, r := range rows {
		f := d.s.handle(r)
		if m.Match(f) {
			found = append(found, f)
		}
	}
	return found, nil
}

// GetFile follows path in one recursive query. It fails exactly where
// treefs.WalkPath would.
func (d *Directory) GetFile(ctx context.Context, path []string) (f treefs.File, err error) {
	if len(path) == 0 {
		return d.outer, nil
	}
	defer observe("getFile", time.Now(), &err)

	query := fmt.Sprintf(`
WITH RECURSIVE walk (id, dir, depth) AS (
	SELECT id, is_dir, 0 FROM %[1]s WHERE id = $1
	UNION ALL
	SELECT t.id, t.is_dir, walk.depth + 1
	FROM walk JOIN %[1]s t ON t.parent_id = walk.id AND t.name = ($2::text[])[walk.depth + 1]
	WHERE walk.dir AND walk.depth < cardinality($2::text[])
)
SELECT walk.depth, %[2]s FROM walk JOIN %[1]s USING (id) ORDER BY walk.depth DESC LIMIT 1`,
		d.s.table, columns)

	var depth int
	var r row
	err = d.s.pool.QueryRow(ctx, query, d.id, path).
		Scan(&depth, &r.id, &r.name, &r.dir, &r.size, &r.mimeType, &r.created, &r.modified)
	if err != nil {
		return nil, classify("getFile", d.Name(), err)
	}
	if depth < len(path) {
		return nil, treefs.NewPathError("getFile", treefs.JoinPath(path[:depth+1]), treefs.ErrNotExist)
	}
	return d.s.handle(r), nil
}

var (
	_ treefs.Directory   = (*Directory)(nil)
	_ treefs.File        = (*File)(nil)
	_ treefs.CanChecksum = (*File)(nil)
)
