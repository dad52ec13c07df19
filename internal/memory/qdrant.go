package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

const (
	payloadContent = "content"
	payloadID      = "record_id"

	defaultMaxMessageSize = 16 * 1024 * 1024
)

// idNamespace derives stable point UUIDs from record ids.
var idNamespace = uuid.MustParse("6f1c4a52-8b0e-4a8e-9d57-3f0c2f3d8a11")

// QdrantOptions configures a QdrantStore.
type QdrantOptions struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	VectorSize uint64
}

// QdrantStore is a Store backed by a Qdrant server.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	embed      EmbeddingFunc
	logger     *logging.Logger
}

// NewQdrantStore connects to Qdrant and creates the collection if missing.
func NewQdrantStore(ctx context.Context, opts QdrantOptions, embed EmbeddingFunc, logger *logging.Logger) (*QdrantStore, error) {
	if embed == nil {
		return nil, fmt.Errorf("embedding function is required")
	}
	if opts.Collection == "" || opts.VectorSize == 0 {
		return nil, fmt.Errorf("collection name and vector size are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if !opts.UseTLS {
		logger.Warn(ctx, "qdrant gRPC using plaintext", zap.String("host", opts.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(defaultMaxMessageSize),
				grpc.MaxCallSendMsgSize(defaultMaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	s := &QdrantStore{client: client, collection: opts.Collection, embed: embed, logger: logger}
	if err := s.ensureCollection(ctx, opts.VectorSize); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, size uint64) error {
	_, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); !ok || st.Code() != grpccodes.NotFound {
		return wrapQdrant("collection_info", err)
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     size,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return wrapQdrant("create_collection", err)
	}
	s.logger.Info(ctx, "qdrant collection created", zap.String("collection", s.collection), zap.Uint64("vector_size", size))
	return nil
}

// Add embeds and upserts records.
func (s *QdrantStore) Add(ctx context.Context, records []Record) error {
	ctx, span := tracer.Start(ctx, "memory.qdrant.add")
	defer span.End()
	span.SetAttributes(attribute.Int("records", len(records)))

	if len(records) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		if r.ID == "" || r.Content == "" {
			return fmt.Errorf("record requires id and content")
		}
		vec, err := s.embed(ctx, r.Content)
		if err != nil {
			return fmt.Errorf("embedding record %s: %w", r.ID, err)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(r.ID)),
			Vectors: qdrant.NewVectors(vec...),
			Payload: toPayload(r),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return wrapQdrant("upsert", err)
	}
	return nil
}

// Search returns up to k records most similar to query.
func (s *QdrantStore) Search(ctx context.Context, query string, k int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "memory.qdrant.search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 || query == "" {
		return nil, nil
	}
	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, wrapQdrant("query", err)
	}
	out := make([]Record, 0, len(points))
	for _, p := range points {
		r := fromPayload(p.GetPayload())
		r.Score = p.GetScore()
		out = append(out, r)
	}
	return out, nil
}

// Count returns the number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, wrapQdrant("count", err)
	}
	return int(n), nil
}

// Close releases the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func pointID(recordID string) string {
	if _, err := uuid.Parse(recordID); err == nil {
		return recordID
	}
	return uuid.NewSHA1(idNamespace, []byte(recordID)).String()
}

func toPayload(r Record) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(r.Metadata)+2)
	for k, v := range r.Metadata {
		payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}
	payload[payloadContent] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: r.Content}}
	payload[payloadID] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: r.ID}}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) Record {
	r := Record{Metadata: make(map[string]string, len(payload))}
	for k, v := range payload {
		var s string
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			s = kind.StringValue
		case *qdrant.Value_IntegerValue:
			s = fmt.Sprint(kind.IntegerValue)
		case *qdrant.Value_DoubleValue:
			s = fmt.Sprint(kind.DoubleValue)
		case *qdrant.Value_BoolValue:
			s = fmt.Sprint(kind.BoolValue)
		default:
			continue
		}
		switch k {
		case payloadContent:
			r.Content = s
		case payloadID:
			r.ID = s
		default:
			r.Metadata[k] = s
		}
	}
	return r
}

// wrapQdrant marks transport-level failures as transient so the run engine
// records them as retryable.
func wrapQdrant(op string, err error) error {
	if isTransient(err) {
		return orchestrator.Unavailable("qdrant", op, err)
	}
	return fmt.Errorf("qdrant %s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	}
	return false
}
