// Package index maintains one SQLite search index per vault.
//
// Each vault gets its own database under the configured index directory.
// Markdown files are split into overlapping chunks stored in an FTS5 table;
// when an embedding provider is configured the chunks are also embedded into
// a sqlite-vec table and searches blend keyword and vector scores.
//
// Editors never call the index directly. They hold a Dispatcher, which turns
// IndexFile calls into fire-and-forget jobs on the vault's command queue lane.
//
// FTS5 is only compiled into github.com/mattn/go-sqlite3 with the sqlite_fts5
// build tag (see the Makefile). Without it the index still works and keyword
// search scans chunks with LIKE instead of ranking with bm25.
package index
