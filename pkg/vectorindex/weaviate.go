package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"groundchat/pkg/domain"
)

const (
	DefaultWeaviateClass = "ChatDocument"

	propContent = "content"
	propChunkID = "chunk_id"
)

// Properties every chunk object carries. Other metadata keys are dropped.
var weaviateMetaProps = []string{domain.MetaSource, domain.MetaUploadID, domain.MetaChunkIndex}

type WeaviateConfig struct {
	Scheme    string
	Host      string
	APIKey    string
	ClassName string
}

// WeaviateIndex stores chunks as objects of a single class with
// caller-supplied vectors.
type WeaviateIndex struct {
	client    *weaviate.Client
	className string
}

// NewWeaviateIndex connects and creates the class when it does not exist.
func NewWeaviateIndex(ctx context.Context, cfg WeaviateConfig) (*WeaviateIndex, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("%w: weaviate host required", domain.ErrInvalidConfiguration)
	}
	wcfg := weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme}
	if wcfg.Scheme == "" {
		wcfg.Scheme = "http"
	}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	idx := &WeaviateIndex{client: client, className: cfg.ClassName}
	if idx.className == "" {
		idx.className = DefaultWeaviateClass
	}
	if err := idx.ensureClass(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (w *WeaviateIndex) ensureClass(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(w.className).Do(ctx)
	if err != nil {
		return fmt.Errorf("check weaviate class: %w", err)
	}
	if exists {
		return nil
	}
	props := []*models.Property{
		{Name: propContent, DataType: []string{"text"}},
		{Name: propChunkID, DataType: []string{"text"}},
	}
	for _, name := range weaviateMetaProps {
		props = append(props, &models.Property{Name: name, DataType: []string{"text"}})
	}
	class := &models.Class{
		Class:      w.className,
		Vectorizer: "none",
		Properties: props,
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create weaviate class: %w", err)
	}
	return nil
}

// ObjectID maps a chunk id to the stable UUID Weaviate requires.
func ObjectID(chunkID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String())
}

func (w *WeaviateIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	objects := make([]*models.Object, 0, len(records))
	for _, r := range records {
		props := map[string]any{
			propContent: r.Text,
			propChunkID: r.ID,
		}
		for _, name := range weaviateMetaProps {
			props[name] = r.Metadata[name]
		}
		objects = append(objects, &models.Object{
			Class:      w.className,
			ID:         ObjectID(r.ID),
			Properties: props,
			Vector:     r.Vector,
		})
	}
	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate batch: %w", err)
	}
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			return fmt.Errorf("weaviate batch object %s: %s", item.ID, item.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func (w *WeaviateIndex) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return []Match{}, nil
	}
	fields := []graphql.Field{{Name: propContent}, {Name: propChunkID}}
	for _, name := range weaviateMetaProps {
		fields = append(fields, graphql.Field{Name: name})
	}
	fields = append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}})

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	result, err := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search: %s", result.Errors[0].Message)
	}
	raw, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal weaviate response: %w", err)
	}
	return decodeWeaviateHits(raw, w.className)
}

type weaviateHit struct {
	Content    string `json:"content"`
	ChunkID    string `json:"chunk_id"`
	Source     string `json:"source"`
	UploadID   string `json:"upload_id"`
	ChunkIndex string `json:"chunk_index"`
	Additional struct {
		Distance float32 `json:"distance"`
	} `json:"_additional"`
}

func decodeWeaviateHits(raw []byte, className string) ([]Match, error) {
	var typed struct {
		Get map[string][]weaviateHit `json:"Get"`
	}
	if err := json.Unmarshal(raw, &typed); err != nil {
		return nil, fmt.Errorf("unmarshal weaviate response: %w", err)
	}
	hits := typed.Get[className]
	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		matches = append(matches, Match{
			Record: Record{
				ID:   h.ChunkID,
				Text: h.Content,
				Metadata: map[string]string{
					domain.MetaSource:     h.Source,
					domain.MetaUploadID:   h.UploadID,
					domain.MetaChunkIndex: h.ChunkIndex,
				},
			},
			Score: 1 - h.Additional.Distance,
		})
	}
	return matches, nil
}

func (w *WeaviateIndex) DeleteByMetadata(ctx context.Context, key, value string) (int, error) {
	where := filters.Where().
		WithPath([]string{key}).
		WithOperator(filters.Equal).
		WithValueText(value)
	resp, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(w.className).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate delete: %w", err)
	}
	if resp == nil || resp.Results == nil {
		return 0, nil
	}
	return int(resp.Results.Successful), nil
}
