package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/annel0/blockcore/internal/world"
)

// MongoConfig настройки подключения к MongoDB
type MongoConfig struct {
	URI        string `yaml:"uri" env:"URI"`               // e.g. mongodb://localhost:27017
	Database   string `yaml:"database" env:"DATABASE"`     // e.g. blockcore
	Collection string `yaml:"collection" env:"COLLECTION"` // e.g. chunks
}

// MongoLoader хранит чанки документами {x, z, data, updated_at}
type MongoLoader struct {
	client     *mongo.Client
	collection *mongo.Collection
	codec      *Codec
}

type chunkDoc struct {
	X         int32     `bson:"x"`
	Z         int32     `bson:"z"`
	Data      []byte    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// OpenMongo подключается к MongoDB и создаёт индекс по координатам
func OpenMongo(ctx context.Context, cfg MongoConfig, codec *Codec) (*MongoLoader, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "blockcore"
	}
	if cfg.Collection == "" {
		cfg.Collection = "chunks"
	}
	if codec == nil {
		codec = MustCodec()
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	idx := mongo.IndexModel{
		Keys:    bson.D{{Key: "x", Value: 1}, {Key: "z", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("coord_unique"),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ошибка создания индекса: %w", err)
	}

	return &MongoLoader{client: client, collection: coll, codec: codec}, nil
}

// LoadChunk реализует world.ChunkLoader
func (m *MongoLoader) LoadChunk(ctx context.Context, coord world.ChunkCoord) (*world.Chunk, error) {
	var doc chunkDoc
	err := m.collection.FindOne(ctx, bson.M{"x": coord.X, "z": coord.Z}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения чанка: %w", err)
	}
	return m.codec.Decode(doc.Data)
}

// SaveChunk реализует world.ChunkLoader
func (m *MongoLoader) SaveChunk(ctx context.Context, c *world.Chunk) error {
	data, err := m.codec.Encode(c)
	if err != nil {
		return err
	}
	coord := c.Coord()
	doc := chunkDoc{X: coord.X, Z: coord.Z, Data: data, UpdatedAt: time.Now().UTC()}
	_, err = m.collection.ReplaceOne(ctx,
		bson.M{"x": coord.X, "z": coord.Z}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("ошибка сохранения чанка: %w", err)
	}
	return nil
}

// Coords перечисляет сохранённые чанки
func (m *MongoLoader) Coords(ctx context.Context) ([]world.ChunkCoord, error) {
	cur, err := m.collection.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"x": 1, "z": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []world.ChunkCoord
	for cur.Next(ctx) {
		var doc chunkDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, world.ChunkCoord{X: doc.X, Z: doc.Z})
	}
	return out, cur.Err()
}

// Close отключается от MongoDB
func (m *MongoLoader) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoLoader) SupportsParallelLoading() bool { return true }
func (m *MongoLoader) SupportsParallelSaving() bool  { return true }
