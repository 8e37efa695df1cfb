package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/cellgrid/internal/geom"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig - параметры подключения к MongoDB
type MongoConfig struct {
	URI        string // mongodb://localhost:27017
	Database   string
	Collection string
}

// MongoPositionRepo реализует PositionRepo на MongoDB: один документ на игрока, _id = player_id
type MongoPositionRepo struct {
	client     *mongo.Client
	collection *mongo.Collection
	ctxTimeout time.Duration
}

type positionDoc struct {
	PlayerID  string    `bson:"_id"`
	X         float64   `bson:"x"`
	Y         float64   `bson:"y"`
	Z         float64   `bson:"z"`
	QX        float64   `bson:"qx"`
	QY        float64   `bson:"qy"`
	QZ        float64   `bson:"qz"`
	QW        float64   `bson:"qw"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func docOf(playerID string, pos PlayerPosition, now time.Time) positionDoc {
	l, q := pos.Location, pos.Facing
	return positionDoc{
		PlayerID:  playerID,
		X:         l.X,
		Y:         l.Y,
		Z:         l.Z,
		QX:        q.X,
		QY:        q.Y,
		QZ:        q.Z,
		QW:        q.W,
		UpdatedAt: now,
	}
}

func (d positionDoc) position() PlayerPosition {
	return PlayerPosition{
		Location:  geom.Location{X: d.X, Y: d.Y, Z: d.Z},
		Facing:    geom.Rotation{X: d.QX, Y: d.QY, Z: d.QZ, W: d.QW},
		UpdatedAt: d.UpdatedAt,
	}
}

// NewMongoPositionRepo подключается к MongoDB, проверяет соединение и создаёт индексы
func NewMongoPositionRepo(ctx context.Context, cfg MongoConfig) (*MongoPositionRepo, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "cellgrid"
	}
	if cfg.Collection == "" {
		cfg.Collection = "player_positions"
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MongoDB: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("не удалось проверить соединение с MongoDB: %w", err)
	}

	repo := &MongoPositionRepo{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		ctxTimeout: 5 * time.Second,
	}
	if err := repo.ensureIndexes(cctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return repo, nil
}

func (r *MongoPositionRepo) ensureIndexes(ctx context.Context) error {
	idx := mongo.IndexModel{
		Keys:    bson.D{{Key: "updated_at", Value: 1}},
		Options: options.Index().SetName("updated_at_idx"),
	}
	if _, err := r.collection.Indexes().CreateOne(ctx, idx); err != nil {
		return fmt.Errorf("ошибка создания индекса player_positions: %w", err)
	}
	return nil
}

func (r *MongoPositionRepo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.ctxTimeout)
}

// Save сохраняет позицию (replace с upsert)
func (r *MongoPositionRepo) Save(ctx context.Context, playerID string, pos PlayerPosition) error {
	if err := validatePosition(playerID, pos); err != nil {
		return err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	doc := docOf(playerID, pos, time.Now().UTC())
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": playerID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("ошибка сохранения позиции игрока %s: %w", playerID, err)
	}
	return nil
}

// Load загружает позицию игрока
func (r *MongoPositionRepo) Load(ctx context.Context, playerID string) (PlayerPosition, bool, error) {
	if playerID == "" {
		return PlayerPosition{}, false, ErrInvalidPlayerID
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var doc positionDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": playerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PlayerPosition{}, false, nil
	}
	if err != nil {
		return PlayerPosition{}, false, fmt.Errorf("ошибка загрузки позиции игрока %s: %w", playerID, err)
	}
	return doc.position(), true, nil
}

// Delete удаляет сохранённую позицию игрока
func (r *MongoPositionRepo) Delete(ctx context.Context, playerID string) error {
	if playerID == "" {
		return ErrInvalidPlayerID
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": playerID})
	if err != nil {
		return fmt.Errorf("ошибка удаления позиции игрока %s: %w", playerID, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, playerID)
	}
	return nil
}

// BatchSave сохраняет позиции одним BulkWrite. Проверка всех позиций выполняется до записи.
func (r *MongoPositionRepo) BatchSave(ctx context.Context, positions map[string]PlayerPosition) error {
	if len(positions) == 0 {
		return nil
	}
	for id, pos := range positions {
		if err := validatePosition(id, pos); err != nil {
			return err
		}
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(positions))
	for id, pos := range positions {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": id}).
			SetReplacement(docOf(id, pos, now)).
			SetUpsert(true))
	}
	if _, err := r.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("ошибка пакетного сохранения %d позиций: %w", len(models), err)
	}
	return nil
}

// Close закрывает соединение
func (r *MongoPositionRepo) Close() error {
	if r.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.ctxTimeout)
	defer cancel()
	return r.client.Disconnect(ctx)
}
