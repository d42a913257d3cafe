package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"groundchat/pkg/domain"
	"groundchat/pkg/store"
)

// ChunkModel is the pgvector-backed chunk row.
type ChunkModel struct {
	ID         string           `gorm:"primaryKey"`
	UploadID   string           `gorm:"not null;index"`
	Source     string           `gorm:"not null"`
	ChunkIndex int              `gorm:"not null"`
	Content    string           `gorm:"type:text;not null"`
	Metadata   datatypes.JSON   `gorm:"type:jsonb"`
	Embedding  *pgvector.Vector `gorm:"type:vector"`
	CreatedAt  time.Time        `gorm:"not null"`
}

func (ChunkModel) TableName() string { return "document_chunks" }

type chunkHit struct {
	ChunkModel
	Distance float64
}

// PgvectorIndex stores chunks in Postgres using the vector extension and
// ranks them by cosine distance.
type PgvectorIndex struct {
	db  *gorm.DB
	dim int
}

// NewPgvectorIndex migrates the chunk table on db. dim fixes the embedding
// column width.
func NewPgvectorIndex(db *gorm.DB, dim int) (*PgvectorIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive", domain.ErrInvalidConfiguration)
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&ChunkModel{}); err != nil {
			return fmt.Errorf("auto migrate chunks: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf("ALTER TABLE document_chunks ALTER COLUMN embedding TYPE vector(%d)", dim)).Error; err != nil {
			return fmt.Errorf("alter chunk embedding type: %w", err)
		}
		return nil
	}
	if err := store.WithMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &PgvectorIndex{db: db, dim: dim}, nil
}

func (p *PgvectorIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]ChunkModel, 0, len(records))
	now := time.Now().UTC()
	for _, r := range records {
		if len(r.Vector) != p.dim {
			return fmt.Errorf("record %s: embedding dimension %d, expected %d", r.ID, len(r.Vector), p.dim)
		}
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("record %s: encode metadata: %w", r.ID, err)
		}
		idx, _ := strconv.Atoi(r.Metadata[domain.MetaChunkIndex])
		vec := pgvector.NewVector(r.Vector)
		models = append(models, ChunkModel{
			ID:         r.ID,
			UploadID:   r.Metadata[domain.MetaUploadID],
			Source:     r.Metadata[domain.MetaSource],
			ChunkIndex: idx,
			Content:    r.Text,
			Metadata:   datatypes.JSON(meta),
			Embedding:  &vec,
			CreatedAt:  now,
		})
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(&models, 200).Error
	})
}

func (p *PgvectorIndex) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return []Match{}, nil
	}
	if len(vector) != p.dim {
		return nil, fmt.Errorf("query embedding dimension %d, expected %d", len(vector), p.dim)
	}
	vec := pgvector.NewVector(vector)
	var hits []chunkHit
	if err := p.db.WithContext(ctx).Model(&ChunkModel{}).
		Select("*, embedding <=> ? AS distance", vec).
		Where("embedding IS NOT NULL").
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(topK).
		Find(&hits).Error; err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		meta := map[string]string{}
		if len(h.Metadata) > 0 {
			if err := json.Unmarshal(h.Metadata, &meta); err != nil {
				return nil, fmt.Errorf("chunk %s: decode metadata: %w", h.ID, err)
			}
		}
		var v []float32
		if h.Embedding != nil {
			v = h.Embedding.Slice()
		}
		matches = append(matches, Match{
			Record: Record{ID: h.ID, Vector: v, Text: h.Content, Metadata: meta},
			Score:  float32(1 - h.Distance),
		})
	}
	return matches, nil
}

func (p *PgvectorIndex) DeleteByMetadata(ctx context.Context, key, value string) (int, error) {
	q := p.db.WithContext(ctx)
	if key == domain.MetaUploadID {
		q = q.Where("upload_id = ?", value)
	} else {
		q = q.Where(datatypes.JSONQuery("metadata").Equals(value, key))
	}
	res := q.Delete(&ChunkModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}
