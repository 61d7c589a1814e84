package vectormemory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadRecordField holds the full JSON-encoded MemoryRecord (minus its
// embedding, which Qdrant stores as the point's vector) in the point
// payload, alongside payloadIDField for the original non-UUID id —
// the same pattern internal/persistence/databases uses for Qdrant point
// ids, since Qdrant only accepts UUIDs or integers as point ids.
const (
	payloadIDField     = "_original_id"
	payloadRecordField = "_record"
)

// QdrantStore is an alternate Store backend for deployments that have
// outgrown FileStore's brute-force scan and already run Qdrant for
// other vector workloads.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore connects to dsn (e.g. "http://localhost:6334") and
// ensures collection exists with the given vector dimension, using
// cosine distance to match Search's own cosine ranking.
func NewQdrantStore(dsn, collection string, dimension int) (*QdrantStore, error) {
	if collection == "" {
		return nil, fmt.Errorf("vectormemory: qdrant collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectormemory: parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("vectormemory: invalid qdrant port: %w", err)
	}

	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}

	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vectormemory: create qdrant client: %w", err)
	}

	qs := &QdrantStore{client: client, collection: collection}
	if err := qs.ensureCollection(context.Background(), dimension); err != nil {
		client.Close()
		return nil, err
	}
	return qs, nil
}

func (q *QdrantStore) ensureCollection(ctx context.Context, dimension int) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("vectormemory: check qdrant collection: %w", err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("vectormemory: create qdrant collection: %w", err)
	}
	return nil
}

func pointIDFor(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (q *QdrantStore) Upsert(ctx context.Context, rec MemoryRecord) error {
	embedding := rec.Embedding
	rec.Embedding = nil // stored as the point vector, not duplicated in payload
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vectormemory: marshal record: %w", err)
	}

	uuidStr := pointIDFor(rec.ID)
	payload := map[string]any{payloadRecordField: string(recJSON)}
	if uuidStr != rec.ID {
		payload[payloadIDField] = rec.ID
	}

	vec := make([]float32, len(embedding))
	copy(vec, embedding)

	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("vectormemory: qdrant upsert: %w", err)
	}
	return nil
}

func (q *QdrantStore) Get(ctx context.Context, id string) (MemoryRecord, bool, error) {
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(pointIDFor(id))},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return MemoryRecord{}, false, fmt.Errorf("vectormemory: qdrant get: %w", err)
	}
	if len(points) == 0 {
		return MemoryRecord{}, false, nil
	}
	rec, err := decodePoint(points[0].Payload, points[0].Vectors)
	if err != nil {
		return MemoryRecord{}, false, err
	}
	return rec, true, nil
}

func (q *QdrantStore) All(ctx context.Context) ([]MemoryRecord, error) {
	var out []MemoryRecord
	var offset *qdrant.PointId
	for {
		resp, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return nil, fmt.Errorf("vectormemory: qdrant scroll: %w", err)
		}
		if len(resp) == 0 {
			break
		}
		for _, pt := range resp {
			rec, err := decodePoint(pt.Payload, pt.Vectors)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		offset = resp[len(resp)-1].Id
		if len(resp) < 1 {
			break
		}
	}
	return out, nil
}

func (q *QdrantStore) Delete(ctx context.Context, id string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointIDFor(id))),
	})
	if err != nil {
		return fmt.Errorf("vectormemory: qdrant delete: %w", err)
	}
	return nil
}

func (q *QdrantStore) Close() error {
	return q.client.Close()
}

func decodePoint(payload map[string]*qdrant.Value, vectors *qdrant.VectorsOutput) (MemoryRecord, error) {
	raw, ok := payload[payloadRecordField]
	if !ok {
		return MemoryRecord{}, fmt.Errorf("vectormemory: qdrant point missing %s payload field", payloadRecordField)
	}
	var rec MemoryRecord
	if err := json.Unmarshal([]byte(raw.GetStringValue()), &rec); err != nil {
		return MemoryRecord{}, fmt.Errorf("vectormemory: decode record payload: %w", err)
	}
	if id, ok := payload[payloadIDField]; ok {
		rec.ID = id.GetStringValue()
	}
	if vectors != nil && vectors.GetVector() != nil {
		rec.Embedding = vectors.GetVector().GetData()
	}
	return rec, nil
}
