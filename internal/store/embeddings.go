package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
)

// UpsertEmbedding inserts or replaces a vector on its (source_type,
// source_id, model) key and stamps the owning entity's embedded_at.
func (s *Store) UpsertEmbedding(e Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := Now()
	_, err = tx.Exec(`INSERT INTO embeddings
		(entity_id, source_type, source_id, text_hash, vector, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_type, source_id, model) DO UPDATE SET
			entity_id = excluded.entity_id,
			text_hash = excluded.text_hash,
			vector = excluded.vector,
			dimensions = excluded.dimensions,
			created_at = excluded.created_at`,
		e.EntityID, e.SourceType, e.SourceID, e.TextHash, e.Vector, e.Model, e.Dimensions, now)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}

	if _, err := tx.Exec(`UPDATE entities SET embedded_at = ? WHERE id = ?`, now, e.EntityID); err != nil {
		return fmt.Errorf("upsert embedding: stamp entity: %w", err)
	}
	return tx.Commit()
}

// GetEmbeddingsForEntity returns all vectors stored for an entity.
func (s *Store) GetEmbeddingsForEntity(entityID int64) ([]Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, entity_id, source_type, source_id, text_hash,
		vector, model, dimensions, created_at FROM embeddings WHERE entity_id = ?`, entityID)
	if err != nil {
		return nil, fmt.Errorf("get embeddings: %w", err)
	}
	defer rows.Close()
	return collectEmbeddings(rows)
}

// ListAllEmbeddings returns every stored vector, for in-process similarity
// scans.
func (s *Store) ListAllEmbeddings() ([]Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, entity_id, source_type, source_id, text_hash,
		vector, model, dimensions, created_at FROM embeddings`)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()
	return collectEmbeddings(rows)
}

// DeleteEmbeddingsForEntity drops all vectors for an entity and clears its
// embedded_at so the indexer picks it up again.
func (s *Store) DeleteEmbeddingsForEntity(entityID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM embeddings WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	if _, err := tx.Exec(`UPDATE entities SET embedded_at = NULL WHERE id = ?`, entityID); err != nil {
		return fmt.Errorf("delete embeddings: clear stamp: %w", err)
	}
	return tx.Commit()
}

// ListUnembeddedEntities returns up to limit entities with no embedding
// stamp, oldest first. Feeds the periodic embedding indexer.
func (s *Store) ListUnembeddedEntities(limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+entityColumns+` FROM entities
		WHERE embedded_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unembedded: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

func collectEmbeddings(rows *sql.Rows) ([]Embedding, error) {
	var embs []Embedding
	for rows.Next() {
		var e Embedding
		if err := rows.Scan(&e.ID, &e.EntityID, &e.SourceType, &e.SourceID, &e.TextHash,
			&e.Vector, &e.Model, &e.Dimensions, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		embs = append(embs, e)
	}
	return embs, rows.Err()
}

// EncodeVector packs a float32 vector into little-endian bytes for BLOB
// storage.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector unpacks a BLOB written by EncodeVector.
func DecodeVector(data []byte) []float32 {
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
