package index

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/vaultd/internal/observability"
	"github.com/harun/vaultd/internal/tracing"
	"github.com/harun/vaultd/pkg/vaultfs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func init() {
	sqlite_vec.Auto()
}

// ErrOutsideVault is returned for paths that do not belong to the index's vault.
var ErrOutsideVault = errors.New("path outside vault")

// Status summarizes an index.
type Status struct {
	Vault        string     `json:"vault"`
	TotalFiles   int        `json:"total_files"`
	TotalChunks  int        `json:"total_chunks"`
	Vectors      bool       `json:"vectors"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
}

// SyncStats reports what a full sync changed.
type SyncStats struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Pruned  int `json:"pruned"`
	Failed  int `json:"failed"`
}

// Options configures an Index.
type Options struct {
	Vault     string
	DBPath    string
	FS        vaultfs.Filesystem
	Logger    zerolog.Logger
	Embedder  EmbeddingProvider // optional
	ChunkSize int
}

// Index is the search index of one vault.
type Index struct {
	db        *sql.DB
	vault     string
	fs        vaultfs.Filesystem
	logger    zerolog.Logger
	embedder  EmbeddingProvider
	chunkSize int
	// fts is false when the sqlite3 driver was built without the
	// sqlite_fts5 tag; keyword search then scans chunks with LIKE.
	fts bool

	mu           sync.Mutex
	lastSyncTime *time.Time
}

// DBPathFor returns the database file used for vault inside dir.
func DBPathFor(dir, vault string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(vault)))
	return filepath.Join(dir, hex.EncodeToString(sum[:8])+".db")
}

// Open opens or creates the index database of a vault.
func Open(opts Options) (*Index, error) {
	observability.EnsureRegistered()

	if opts.Vault == "" {
		return nil, errors.New("vault path is required")
	}
	if opts.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if opts.FS == nil {
		return nil, errors.New("filesystem is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	ix := &Index{
		db:        db,
		vault:     filepath.Clean(opts.Vault),
		fs:        opts.FS,
		logger:    opts.Logger.With().Str("component", "index").Str("vault", opts.Vault).Logger(),
		embedder:  opts.Embedder,
		chunkSize: opts.ChunkSize,
	}

	if err := ix.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return ix, nil
}

func (ix *Index) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_files_hash ON files(content_hash);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			file_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			heading TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := ix.db.Exec(schema); err != nil {
		return err
	}

	ftsSchema := `
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);
	`
	if _, err := ix.db.Exec(ftsSchema); err != nil {
		if !isMissingFTS5(err) {
			return fmt.Errorf("failed to create full-text table: %w", err)
		}
		ix.logger.Warn().Msg("SQLite built without FTS5 (build with -tags sqlite_fts5), keyword search falls back to LIKE")
	} else {
		ix.fts = true
	}

	if ix.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, ix.embedder.Dimension())
		if _, err := ix.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// Vault returns the indexed directory.
func (ix *Index) Vault() string {
	return ix.vault
}

// relPath maps an absolute path inside the vault to its stored key.
func (ix *Index) relPath(path string) (string, error) {
	clean := filepath.Clean(path)
	if !vaultfs.Within(ix.vault, clean) {
		return "", fmt.Errorf("%w: %s", ErrOutsideVault, path)
	}
	rel, err := filepath.Rel(ix.vault, clean)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func isMissingFTS5(err error) bool {
	return strings.Contains(err.Error(), "no such module: fts5")
}

func isMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}

// IndexFile (re)indexes one file. It reports false when the file was skipped
// because it is not markdown or its content hash did not change. A missing
// file is removed from the index.
func (ix *Index) IndexFile(ctx context.Context, path string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "vaultd.index", "index.file", attribute.String("path", path))
	defer span.End()

	rel, err := ix.relPath(path)
	if err != nil {
		return false, err
	}
	if !isMarkdown(rel) {
		return false, nil
	}

	content, err := ix.fs.ReadFile(path)
	if err != nil {
		if vaultfs.IsNotExist(err) {
			return false, ix.RemoveFile(ctx, path)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	indexed, err := ix.indexContent(ctx, rel, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	return indexed, nil
}

func (ix *Index) indexContent(ctx context.Context, rel, content string) (bool, error) {
	hash := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(hash[:])

	var existingHash string
	err := ix.db.QueryRowContext(ctx, "SELECT content_hash FROM files WHERE path = ?", rel).Scan(&existingHash)
	if err == nil && existingHash == contentHash {
		return false, nil
	}

	chunks := chunkContent(content, ix.chunkSize)
	vectors := ix.embedChunks(ctx, chunks)

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := ix.deleteFilesTx(ctx, tx, "path = ?", rel); err != nil {
		return false, err
	}

	result, err := tx.ExecContext(ctx,
		"INSERT INTO files (path, content_hash, indexed_at, size_bytes) VALUES (?, ?, ?, ?)",
		rel, contentHash, time.Now().Unix(), len(content),
	)
	if err != nil {
		return false, err
	}
	fileID, err := result.LastInsertId()
	if err != nil {
		return false, err
	}

	for i, c := range chunks {
		chunkID := fmt.Sprintf("%s#%d", rel, i)

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunks (id, file_id, content, start_offset, end_offset, heading) VALUES (?, ?, ?, ?, ?, ?)",
			chunkID, fileID, c.content, c.startOffset, c.endOffset, c.heading,
		); err != nil {
			return false, err
		}
		if ix.fts {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)",
				chunkID, c.content,
			); err != nil {
				return false, err
			}
		}
		if blob := vectors[i]; blob != nil {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO embeddings (chunk_id, embedding) VALUES (?, ?)",
				chunkID, blob,
			); err != nil {
				return false, fmt.Errorf("failed to store embedding: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	ix.logger.Debug().Str("path", rel).Int("chunks", len(chunks)).Msg("File indexed")
	return true, nil
}

// embedChunks returns one serialized vector per chunk, nil where unavailable.
// Embedding failures degrade to keyword-only search for the affected chunks.
func (ix *Index) embedChunks(ctx context.Context, chunks []chunk) [][]byte {
	vectors := make([][]byte, len(chunks))
	if ix.embedder == nil || len(chunks) == 0 {
		return vectors
	}

	hashes := make([]string, len(chunks))
	var missing []int
	for i, c := range chunks {
		sum := sha256.Sum256([]byte(c.content))
		hashes[i] = hex.EncodeToString(sum[:])

		var blob []byte
		err := ix.db.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE content_hash = ?", hashes[i]).Scan(&blob)
		if err == nil {
			vectors[i] = blob
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return vectors
	}

	texts := make([]string, len(missing))
	for j, i := range missing {
		texts[j] = chunks[i].content
	}
	embeddings, err := ix.embedder.GenerateEmbeddings(ctx, texts)
	if err != nil {
		ix.logger.Warn().Err(err).Int("chunks", len(texts)).Msg("Failed to generate embeddings")
		return vectors
	}

	for j, i := range missing {
		blob, err := sqlite_vec.SerializeFloat32(embeddings[j])
		if err != nil {
			ix.logger.Warn().Err(err).Msg("Failed to serialize embedding")
			continue
		}
		vectors[i] = blob
		if _, err := ix.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, created_at) VALUES (?, ?, ?)",
			hashes[i], blob, time.Now().Unix(),
		); err != nil {
			ix.logger.Warn().Err(err).Msg("Failed to cache embedding")
		}
	}
	return vectors
}

// deleteFilesTx removes files matching where together with their chunks.
func (ix *Index) deleteFilesTx(ctx context.Context, tx *sql.Tx, where string, args ...interface{}) (err error) {
	chunkFilter := "file_id IN (SELECT id FROM files WHERE " + where + ")"
	idFilter := "chunk_id IN (SELECT id FROM chunks WHERE " + chunkFilter + ")"

	if ix.fts {
		if _, err = tx.ExecContext(ctx, "DELETE FROM chunks_fts WHERE "+idFilter, args...); err != nil {
			return err
		}
	}
	if ix.embedder != nil {
		if _, err = tx.ExecContext(ctx, "DELETE FROM embeddings WHERE "+idFilter, args...); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM chunks WHERE "+chunkFilter, args...); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "DELETE FROM files WHERE "+where, args...)
	return err
}

// RemoveFile drops path, or every file beneath it when path is a directory.
func (ix *Index) RemoveFile(ctx context.Context, path string) error {
	rel, err := ix.relPath(path)
	if err != nil {
		return err
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if rel == "." {
		err = ix.deleteFilesTx(ctx, tx, "1 = 1")
	} else {
		err = ix.deleteFilesTx(ctx, tx, "path = ? OR path LIKE ? ESCAPE '\\'", rel, escapeLike(rel)+"/%")
	}
	if err != nil {
		return fmt.Errorf("failed to remove %s from index: %w", rel, err)
	}
	return tx.Commit()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Sync walks the vault, indexes changed markdown files and prunes files that
// no longer exist.
func (ix *Index) Sync(ctx context.Context) (SyncStats, error) {
	ctx, span := tracing.StartSpan(ctx, "vaultd.index", "index.sync")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, ix.logger)

	var stats SyncStats
	start := time.Now()

	present := make(map[string]bool)
	var files []string
	err := ix.fs.Walk(ix.vault, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != ix.vault && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isMarkdown(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stats, fmt.Errorf("failed to walk vault: %w", err)
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rel, _ := ix.relPath(path)
		present[rel] = true

		indexed, err := ix.IndexFile(ctx, path)
		switch {
		case err != nil:
			stats.Failed++
			logger.Warn().Err(err).Str("file", rel).Msg("Failed to index file")
		case indexed:
			stats.Indexed++
		default:
			stats.Skipped++
		}
	}

	pruned, err := ix.prune(ctx, present)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune deleted files")
		span.RecordError(err)
	}
	stats.Pruned = pruned

	now := time.Now()
	ix.mu.Lock()
	ix.lastSyncTime = &now
	ix.mu.Unlock()

	status := ix.Status()
	observability.SetIndexedFiles(ix.vault, status.TotalFiles)

	logger.Info().
		Int("files_indexed", stats.Indexed).
		Int("files_skipped", stats.Skipped).
		Int("files_pruned", stats.Pruned).
		Int("files_failed", stats.Failed).
		Dur("duration", time.Since(start)).
		Msg("Sync completed")

	return stats, nil
}

func (ix *Index) prune(ctx context.Context, present map[string]bool) (int, error) {
	rows, err := ix.db.QueryContext(ctx, "SELECT path FROM files")
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, err
		}
		if !present[path] {
			stale = append(stale, path)
		}
	}
	rows.Close()

	for _, rel := range stale {
		tx, err := ix.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		if err := ix.deleteFilesTx(ctx, tx, "path = ?", rel); err != nil {
			tx.Rollback()
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Status returns file and chunk counts.
func (ix *Index) Status() Status {
	status := Status{Vault: ix.vault, Vectors: ix.embedder != nil}

	ix.mu.Lock()
	status.LastSyncTime = ix.lastSyncTime
	ix.mu.Unlock()

	ix.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&status.TotalFiles)
	ix.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&status.TotalChunks)
	return status
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}
