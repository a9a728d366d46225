package store

import (
	"fmt"
	"sort"
	"unicode"
)

// Reciprocal rank fusion constants. FTS contributes 1/(60+rank) weighted at
// 0.4; semantic similarity contributes its cosine score weighted at 0.6.
const (
	rrfK           = 60
	ftsWeight      = 0.4
	semanticWeight = 0.6
)

// SearchEntities ranks entities matching query. Queries that survive
// validateFtsQuery go through the FTS index (bm25 rank order); anything with
// FTS metacharacters goes straight to the LIKE fallback, so no exception
// handling around MATCH needed.
func (s *Store) SearchEntities(query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	if !validateFtsQuery(query) {
		return s.searchLike(query, limit)
	}

	hits, err := s.searchFTS(query, limit)
	if err != nil {
		// MATCH can still reject syntax the validator let through;
		// degrade to LIKE rather than failing the search.
		return s.searchLike(query, limit)
	}
	return hits, nil
}

func (s *Store) searchFTS(query string, limit int) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT e.id, e.name, e.entity_type, e.category, e.embedded_at,
			e.created_at, e.updated_at, 1.0 / (1.0 + abs(entities_fts.rank)) AS score
		FROM entities_fts JOIN entities e ON e.id = entities_fts.rowid
		WHERE entities_fts MATCH ?
		ORDER BY entities_fts.rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var embeddedAt *string
		if err := rows.Scan(&h.Entity.ID, &h.Entity.Name, &h.Entity.Type, &h.Entity.Category,
			&embeddedAt, &h.Entity.CreatedAt, &h.Entity.UpdatedAt, &h.Score); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		h.Entity.EmbeddedAt = embeddedAt
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// searchLike is the fallback for queries FTS cannot take: substring match
// over name and category, newest update first.
func (s *Store) searchLike(query string, limit int) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pattern := "%" + query + "%"
	rows, err := s.db.Query(`SELECT `+entityColumns+` FROM entities
		WHERE name LIKE ? OR category LIKE ?
		ORDER BY updated_at DESC LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("like search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, SearchHit{Entity: *e})
	}
	return hits, rows.Err()
}

// HybridSearch merges the FTS ranking for query with pre-computed semantic
// similarity scores using reciprocal rank fusion. Entities present in only
// one list contribute from that side alone. With no semantic input the
// result degenerates to FTS order.
func (s *Store) HybridSearch(query string, semantic []SemanticHit, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}

	// Pull more FTS candidates than the final limit so fusion has
	// something to reorder.
	ftsHits, err := s.SearchEntities(query, limit*4)
	if err != nil {
		return nil, err
	}

	scores := make(map[int64]float64)
	for rank, h := range ftsHits {
		scores[h.Entity.ID] = ftsWeight * (1.0 / float64(rrfK+rank+1))
	}
	for _, sh := range semantic {
		scores[sh.EntityID] += semanticWeight * sh.Score
	}

	entities := make(map[int64]Entity, len(ftsHits))
	for _, h := range ftsHits {
		entities[h.Entity.ID] = h.Entity
	}
	// Semantic-only entities still need their rows.
	for _, sh := range semantic {
		if _, ok := entities[sh.EntityID]; ok {
			continue
		}
		e, err := s.GetEntity(sh.EntityID)
		if err != nil {
			continue // deleted since the caller scored it
		}
		entities[sh.EntityID] = *e
	}

	merged := make([]SearchHit, 0, len(scores))
	for id, score := range scores {
		e, ok := entities[id]
		if !ok {
			continue
		}
		merged = append(merged, SearchHit{Entity: e, Score: score})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Entity.ID < merged[j].Entity.ID
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// validateFtsQuery reports whether query is safe to hand to FTS5 MATCH
// untouched: letters, digits, spaces and underscores only. Everything else
// (quotes, stars, colons, hyphens are all FTS5 operators or near-operators)
// routes to the LIKE fallback.
func validateFtsQuery(query string) bool {
	if query == "" {
		return false
	}
	for _, r := range query {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '_' {
			continue
		}
		return false
	}
	return true
}
