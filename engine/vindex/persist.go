package vindex

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/vcetai/vcet-assist/engine/domain"
)

// Artifact names inside the store directory.
const (
	IndexFile    = "index.bin"
	MetadataFile = "metadata.db"
)

const formatVersion uint32 = 2

var magic = [4]byte{'V', 'C', 'I', 'X'}

// writeIndexFile serializes vectors and IVF lists to path via a temp file
// and rename. Chunk metadata lives in the companion SQLite file.
func writeIndexFile(path string, ix *Index) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	crc := crc32.NewIEEE()
	bw := bufio.NewWriter(io.MultiWriter(tmp, crc))
	le := binary.LittleEndian
	write := func(v any) {
		if err == nil {
			err = binary.Write(bw, le, v)
		}
	}

	write(magic)
	write(formatVersion)
	write(uint32(len(ix.model)))
	write([]byte(ix.model))
	write(uint32(len(ix.build)))
	write([]byte(ix.build))
	write(uint32(ix.dim))
	write(uint32(ix.Len()))
	write(uint32(ix.nprobe))
	write(ix.vectors)
	write(uint32(len(ix.lists)))
	write(ix.centroids)
	for _, l := range ix.lists {
		write(uint32(len(l)))
		write(l)
	}
	if err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = binary.Write(tmp, le, crc.Sum32()); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readIndexFile parses index.bin. The returned index has chunk slots sized
// to ntotal but no chunk metadata yet.
func readIndexFile(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < len(magic)+4 {
		return nil, fmt.Errorf("%w: %s truncated", domain.ErrCorruptStore, IndexFile)
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, fmt.Errorf("%w: %s checksum mismatch", domain.ErrCorruptStore, IndexFile)
	}

	r := bytes.NewReader(body)
	le := binary.LittleEndian
	read := func(v any) {
		if err == nil {
			err = binary.Read(r, le, v)
		}
	}
	// count guards allocations against lengths that overrun the file.
	count := func(n uint64, width int) int {
		if err == nil && n > uint64(r.Len())/uint64(width) {
			err = fmt.Errorf("length %d overruns file", n)
		}
		if err != nil {
			return 0
		}
		return int(n)
	}

	var (
		m                        [4]byte
		version, modelLen        uint32
		buildLen                 uint32
		dim, ntotal, nprobe, nls uint32
	)
	read(&m)
	read(&version)
	if err == nil && (m != magic || version != formatVersion) {
		return nil, fmt.Errorf("%w: %s has unknown format", domain.ErrCorruptStore, IndexFile)
	}
	read(&modelLen)
	model := make([]byte, count(uint64(modelLen), 1))
	read(model)
	read(&buildLen)
	build := make([]byte, count(uint64(buildLen), 1))
	read(build)
	read(&dim)
	read(&ntotal)
	read(&nprobe)

	ix := &Index{model: string(model), build: string(build), dim: int(dim), nprobe: int(nprobe)}
	ix.vectors = make([]float32, count(uint64(dim)*uint64(ntotal), 4))
	read(ix.vectors)
	read(&nls)
	if nls > 0 {
		ix.centroids = make([]float32, count(uint64(nls)*uint64(dim), 4))
		read(ix.centroids)
		ix.lists = make([][]int32, count(uint64(nls), 4))
		for i := range ix.lists {
			var n uint32
			read(&n)
			ix.lists[i] = make([]int32, count(uint64(n), 4))
			read(ix.lists[i])
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrCorruptStore, IndexFile, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %s has %d trailing bytes", domain.ErrCorruptStore, IndexFile, r.Len())
	}
	for _, l := range ix.lists {
		for _, id := range l {
			if id < 0 || uint32(id) >= ntotal {
				return nil, fmt.Errorf("%w: %s list references chunk %d of %d", domain.ErrCorruptStore, IndexFile, id, ntotal)
			}
		}
	}
	ix.chunks = make([]domain.Chunk, ntotal)
	return ix, nil
}

const metadataSchema = `
CREATE TABLE meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE chunks (
	position    INTEGER PRIMARY KEY,
	id          TEXT NOT NULL,
	doc_id      TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	source      TEXT NOT NULL,
	page        INTEGER NOT NULL,
	text        TEXT NOT NULL
);`

// writeMetadata stores chunk metadata in insertion order to a fresh SQLite
// database and renames it over path.
func writeMetadata(ctx context.Context, path string, ix *Index) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	db, err := sql.Open("sqlite", tmpName)
	if err != nil {
		return err
	}
	if err = insertMetadata(ctx, db, ix); err != nil {
		db.Close()
		return err
	}
	if err = db.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func insertMetadata(ctx context.Context, db *sql.DB, ix *Index) error {
	if _, err := db.ExecContext(ctx, metadataSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('model', ?), ('build', ?), ('ntotal', ?)`,
		ix.model, ix.build, strconv.Itoa(ix.Len())); err != nil {
		return fmt.Errorf("insert meta: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (position, id, doc_id, chunk_index, source, page, text) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, c := range ix.chunks {
		if _, err := stmt.ExecContext(ctx, i, c.ID, c.DocID, c.Index, c.Source, c.Page, c.Text); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// readMetadata fills ix.chunks from the SQLite table, checking the build,
// model and row count against the index header.
func readMetadata(ctx context.Context, path string, ix *Index) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	var model string
	err = db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'model'`).Scan(&model)
	if err != nil {
		return fmt.Errorf("%w: %s: read model: %w", domain.ErrCorruptStore, MetadataFile, err)
	}
	if model != ix.model {
		return fmt.Errorf("%w: %s built with model %q, index with %q", domain.ErrCorruptStore, MetadataFile, model, ix.model)
	}

	var build string
	err = db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'build'`).Scan(&build)
	if err != nil {
		return fmt.Errorf("%w: %s: read build: %w", domain.ErrCorruptStore, MetadataFile, err)
	}
	if build != ix.build {
		return fmt.Errorf("%w: %s is from build %s, %s from build %s",
			domain.ErrCorruptStore, MetadataFile, build, IndexFile, ix.build)
	}

	var rows int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&rows); err != nil {
		return fmt.Errorf("%w: %s: count: %w", domain.ErrCorruptStore, MetadataFile, err)
	}
	if rows != ix.Len() {
		return fmt.Errorf("%w: %s has %d rows, index has %d vectors", domain.ErrCorruptStore, MetadataFile, rows, ix.Len())
	}

	rs, err := db.QueryContext(ctx,
		`SELECT position, id, doc_id, chunk_index, source, page, text FROM chunks ORDER BY position`)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrCorruptStore, MetadataFile, err)
	}
	defer rs.Close()

	next := 0
	for rs.Next() {
		var (
			pos int
			c   domain.Chunk
		)
		if err := rs.Scan(&pos, &c.ID, &c.DocID, &c.Index, &c.Source, &c.Page, &c.Text); err != nil {
			return fmt.Errorf("%w: %s: %w", domain.ErrCorruptStore, MetadataFile, err)
		}
		if pos != next {
			return fmt.Errorf("%w: %s: position %d out of sequence", domain.ErrCorruptStore, MetadataFile, pos)
		}
		ix.chunks[pos] = c
		next++
	}
	if err := rs.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrCorruptStore, MetadataFile, err)
	}
	return nil
}

// artifactsExist reports whether both store files are present.
func artifactsExist(dir string) (bool, error) {
	for _, name := range []string{IndexFile, MetadataFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}
