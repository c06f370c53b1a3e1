package index

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/vaultd/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultLimit   = 20
	candidateLimit = 200
	vectorWeight   = 0.7
	keywordWeight  = 0.3
)

// Result is one matching chunk.
type Result struct {
	Path         string   `json:"path"`
	Heading      string   `json:"heading,omitempty"`
	Content      string   `json:"content"`
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

type scored struct {
	chunkID string
	score   float64
}

// Search runs a keyword search, blended with vector similarity when
// embeddings are enabled. Result paths are absolute.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	ctx, span := tracing.StartSpan(ctx, "vaultd.index", "index.search", attribute.String("query", query))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, ix.logger)

	if strings.TrimSpace(query) == "" {
		return []Result{}, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	var vectorResults, keywordResults []scored
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	if ix.embedder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vectorResults, vectorErr = ix.vectorSearch(ctx, query, candidateLimit)
		}()
	}
	keywordResults, keywordErr = ix.keywordSearch(ctx, query, candidateLimit)
	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed")
		if ix.embedder == nil || vectorErr != nil {
			span.RecordError(keywordErr)
			span.SetStatus(codes.Error, keywordErr.Error())
			return nil, fmt.Errorf("search failed: %w", keywordErr)
		}
	}

	results := ix.mergeResults(ctx, vectorResults, keywordResults, limit)
	logger.Debug().Str("query", query).Int("results", len(results)).Msg("Search completed")
	return results, nil
}

func queryTerms(query string) []string {
	return strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
}

// ftsQuery turns free text into an FTS5 query of quoted terms so user input
// never hits the FTS5 query syntax.
func ftsQuery(query string) string {
	fields := queryTerms(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " ")
}

func (ix *Index) keywordSearch(ctx context.Context, query string, limit int) ([]scored, error) {
	if !ix.fts {
		return ix.likeSearch(ctx, query, limit)
	}

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := ix.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []scored
	for rows.Next() {
		var s scored
		if err := rows.Scan(&s.chunkID, &s.score); err != nil {
			return nil, err
		}
		// bm25 is negative; larger magnitude is better.
		s.score = -s.score
		results = append(results, s)
	}
	return results, rows.Err()
}

// likeSearch requires every term to appear in the chunk and scores by the
// number of occurrences.
func (ix *Index) likeSearch(ctx context.Context, query string, limit int) ([]scored, error) {
	terms := queryTerms(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	where := make([]string, 0, len(terms))
	args := make([]interface{}, 0, len(terms)+1)
	for _, term := range terms {
		where = append(where, `LOWER(content) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscaper.Replace(term)+"%")
	}
	args = append(args, limit)

	rows, err := ix.db.QueryContext(ctx,
		"SELECT id, content FROM chunks WHERE "+strings.Join(where, " AND ")+" LIMIT ?", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []scored
	for rows.Next() {
		var s scored
		var content string
		if err := rows.Scan(&s.chunkID, &content); err != nil {
			return nil, err
		}
		lower := strings.ToLower(content)
		for _, term := range terms {
			s.score += float64(strings.Count(lower, term))
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func (ix *Index) vectorSearch(ctx context.Context, query string, limit int) ([]scored, error) {
	embeddings, err := ix.embedder.GenerateEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(embeddings[0])
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query embedding: %w", err)
	}

	rows, err := ix.db.QueryContext(ctx, `
		SELECT chunk_id, distance
		FROM embeddings
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, blob, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []scored
	for rows.Next() {
		var s scored
		var distance float64
		if err := rows.Scan(&s.chunkID, &distance); err != nil {
			return nil, err
		}
		// cosine distance in [0, 2] mapped to similarity in [0, 1]
		s.score = 1 - distance/2
		results = append(results, s)
	}
	return results, rows.Err()
}

func (ix *Index) mergeResults(ctx context.Context, vectorResults, keywordResults []scored, limit int) []Result {
	vectorMap := make(map[string]float64, len(vectorResults))
	keywordMap := make(map[string]float64, len(keywordResults))

	var maxKeyword float64
	for _, r := range vectorResults {
		vectorMap[r.chunkID] = r.score
	}
	for _, r := range keywordResults {
		keywordMap[r.chunkID] = r.score
		if r.score > maxKeyword {
			maxKeyword = r.score
		}
	}

	vw, kw := vectorWeight, keywordWeight
	if ix.embedder == nil || len(vectorResults) == 0 {
		vw, kw = 0, 1
	}

	type candidate struct {
		chunkID      string
		score        float64
		vectorScore  *float64
		keywordScore *float64
	}

	ids := make(map[string]struct{}, len(vectorMap)+len(keywordMap))
	for id := range vectorMap {
		ids[id] = struct{}{}
	}
	for id := range keywordMap {
		ids[id] = struct{}{}
	}

	candidates := make([]candidate, 0, len(ids))
	for id := range ids {
		c := candidate{chunkID: id}
		if v, ok := vectorMap[id]; ok {
			c.vectorScore = &v
			c.score += v * vw
		}
		if k, ok := keywordMap[id]; ok {
			norm := 1.0
			if maxKeyword > 0 {
				norm = k / maxKeyword
			}
			c.keywordScore = &norm
			c.score += norm * kw
		}
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].chunkID < candidates[j].chunkID
		}
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		var content, rel string
		var heading *string
		err := ix.db.QueryRowContext(ctx, `
			SELECT c.content, c.heading, f.path
			FROM chunks c
			JOIN files f ON c.file_id = f.id
			WHERE c.id = ?
		`, c.chunkID).Scan(&content, &heading, &rel)
		if err != nil {
			ix.logger.Warn().Err(err).Str("chunkID", c.chunkID).Msg("Failed to fetch chunk details")
			continue
		}

		r := Result{
			Path:         filepath.Join(ix.vault, filepath.FromSlash(rel)),
			Content:      content,
			Score:        c.score,
			VectorScore:  c.vectorScore,
			KeywordScore: c.keywordScore,
		}
		if heading != nil {
			r.Heading = *heading
		}
		results = append(results, r)
	}
	return results
}
