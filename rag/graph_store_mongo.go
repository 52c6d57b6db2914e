package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/deeprag/internal/tlsutil"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// =============================================================================
// 🍃 MongoGraphStore
// =============================================================================

// relationDoc relations 集合文档，_id 为三元组键
type relationDoc struct {
	ID        string `bson:"_id"`
	SubjectID string `bson:"subject_id"`
	Predicate string `bson:"predicate"`
	ObjectID  string `bson:"object_id"`
}

// MongoGraphStore 实体与关系分别存放在 entities / relations 集合。
// 合并只增不删，因此 Save 以 upsert 方式写入。
type MongoGraphStore struct {
	client    *mongo.Client
	entities  *mongo.Collection
	relations *mongo.Collection
	logger    *zap.Logger
}

// MongoOption 调整 MongoDB 客户端选项
type MongoOption func(*options.ClientOptions)

// WithMongoTLS 使用加固的 TLS 配置连接
func WithMongoTLS() MongoOption {
	return func(o *options.ClientOptions) {
		o.SetTLSConfig(tlsutil.DefaultTLSConfig())
	}
}

// NewMongoGraphStore 连接 MongoDB 并校验连通性
func NewMongoGraphStore(ctx context.Context, uri, database string, logger *zap.Logger, opts ...MongoOption) (*MongoGraphStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clientOpts := options.Client().ApplyURI(uri).SetConnectTimeout(10 * time.Second)
	for _, opt := range opts {
		opt(clientOpts)
	}
	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoGraphStore{
		client:    client,
		entities:  db.Collection("entities"),
		relations: db.Collection("relations"),
		logger:    logger.With(zap.String("component", "mongo_graph_store")),
	}
	s.logger.Info("mongo graph store connected", zap.String("database", database))
	return s, nil
}

func (s *MongoGraphStore) Load(ctx context.Context) (*KnowledgeGraph, error) {
	var entities []Entity
	cur, err := s.entities.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("find entities: %w", err)
	}
	if err := cur.All(ctx, &entities); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}

	var docs []relationDoc
	cur, err = s.relations.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("find relations: %w", err)
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode relations: %w", err)
	}
	relations := make([]Relation, len(docs))
	for i, d := range docs {
		relations[i] = Relation{SubjectID: d.SubjectID, Predicate: d.Predicate, ObjectID: d.ObjectID}
	}
	return GraphFromParts(entities, relations), nil
}

func (s *MongoGraphStore) Save(ctx context.Context, g *KnowledgeGraph) error {
	entities := g.Entities()
	if len(entities) > 0 {
		models := make([]mongo.WriteModel, len(entities))
		for i, e := range entities {
			models[i] = mongo.NewReplaceOneModel().
				SetFilter(bson.D{{Key: "_id", Value: e.ID}}).
				SetReplacement(e).
				SetUpsert(true)
		}
		if _, err := s.entities.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
			return fmt.Errorf("upsert entities: %w", err)
		}
	}

	relations := g.Relations()
	if len(relations) > 0 {
		models := make([]mongo.WriteModel, len(relations))
		for i, r := range relations {
			doc := relationDoc{ID: r.key(), SubjectID: r.SubjectID, Predicate: r.Predicate, ObjectID: r.ObjectID}
			models[i] = mongo.NewReplaceOneModel().
				SetFilter(bson.D{{Key: "_id", Value: doc.ID}}).
				SetReplacement(doc).
				SetUpsert(true)
		}
		if _, err := s.relations.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
			return fmt.Errorf("upsert relations: %w", err)
		}
	}

	s.logger.Info("knowledge graph saved",
		zap.Int("entities", len(entities)),
		zap.Int("relations", len(relations)))
	return nil
}

func (s *MongoGraphStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
