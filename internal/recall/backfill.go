package recall

import (
	"context"
	"fmt"
	"strings"
)

type missingEmbeddingRow struct {
	ID      int64
	Content string
}

// Backfill embeds rows stored without a vector, in id order, batchSize rows
// per request. Rows that already carry a vector are never touched. It returns
// how many rows were updated.
func (s *Store) Backfill(ctx context.Context, batchSize int) (int, error) {
	if s.embedder == nil {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultEmbeddingBatchSize
	}

	updated := 0
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return updated, err
		}

		rows, err := s.missingEmbeddings(ctx, afterID, batchSize)
		if err != nil {
			return updated, err
		}
		if len(rows) == 0 {
			return updated, nil
		}
		afterID = rows[len(rows)-1].ID

		texts := make([]string, len(rows))
		for i, row := range rows {
			texts[i] = row.Content
		}
		embedCtx, cancel := s.withTimeout(ctx)
		vectors, err := s.embedder.EmbedBatch(embedCtx, texts)
		cancel()
		if err != nil {
			return updated, fmt.Errorf("backfill embeddings: embed batch: %w", err)
		}
		if len(vectors) != len(rows) {
			return updated, fmt.Errorf("backfill embeddings: embed batch count mismatch: got %d want %d", len(vectors), len(rows))
		}

		for i, row := range rows {
			if err := s.updateEmbedding(ctx, row.ID, vectors[i]); err != nil {
				return updated, fmt.Errorf("backfill embeddings: update id=%d: %w", row.ID, err)
			}
			updated++
		}
		if len(rows) < batchSize {
			return updated, nil
		}
	}
}

func (s *Store) updateEmbedding(ctx context.Context, id int64, vector []float32) error {
	blob, err := EncodeVector(vector)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		UPDATE recollections
		SET embedding = ?, embedding_model = ?, embedding_dim = ?
		WHERE id = ?
	`, blob, s.embeddingModel, len(vector), id)
	return err
}

func (s *Store) missingEmbeddings(ctx context.Context, afterID int64, limit int) ([]missingEmbeddingRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content
		FROM recollections
		WHERE id > ?
		  AND TRIM(content) != ''
		  AND (embedding IS NULL OR embedding_dim = 0)
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query missing embeddings: %w", err)
	}
	defer rows.Close()

	result := make([]missingEmbeddingRow, 0, limit)
	for rows.Next() {
		var row missingEmbeddingRow
		if err := rows.Scan(&row.ID, &row.Content); err != nil {
			return nil, fmt.Errorf("scan missing embeddings row: %w", err)
		}
		row.Content = strings.TrimSpace(row.Content)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate missing embeddings rows: %w", err)
	}
	return result, nil
}
