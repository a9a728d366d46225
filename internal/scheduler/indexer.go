package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/daymon/internal/store"
)

const (
	indexInterval  = 5 * time.Minute
	indexBatchSize = 10
)

// Embedder computes a semantic vector for a piece of text. The embedding
// engine itself lives outside the sidecar; a nil Embedder disables indexing.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// indexPass embeds up to indexBatchSize entities that have no vector yet.
// Every failure is logged and skipped; the next pass retries.
func (s *Service) indexPass(ctx context.Context) {
	if s.embedder == nil {
		return
	}

	entities, err := s.store.ListUnembeddedEntities(indexBatchSize)
	if err != nil {
		slog.Warn("indexer: read failed", "error", err)
		return
	}
	if len(entities) == 0 {
		return
	}

	indexed := 0
	for _, ent := range entities {
		text := ent.Name
		if ent.Category != "" {
			text += " " + ent.Category
		}
		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			slog.Warn("indexer: embed failed", "entity_id", ent.ID, "error", err)
			continue
		}
		hash := sha256.Sum256([]byte(text))
		err = s.store.UpsertEmbedding(store.Embedding{
			EntityID:   ent.ID,
			SourceType: "entity",
			SourceID:   ent.ID,
			TextHash:   hex.EncodeToString(hash[:]),
			Vector:     store.EncodeVector(vec),
			Model:      s.embedder.Model(),
			Dimensions: len(vec),
		})
		if err != nil {
			slog.Warn("indexer: upsert failed", "entity_id", ent.ID, "error", err)
			continue
		}
		indexed++
	}
	slog.Info("indexer: pass complete", "indexed", indexed, "candidates", len(entities))
}
