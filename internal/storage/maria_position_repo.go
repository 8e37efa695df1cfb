package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/annel0/cellgrid/internal/geom"
	_ "github.com/go-sql-driver/mysql"
)

// MariaPositionRepo реализует PositionRepo для MariaDB/MySQL.
// Использует таблицу player_positions.
type MariaPositionRepo struct {
	db *sql.DB
}

const upsertPositionQuery = `
	INSERT INTO player_positions (player_id, x, y, z, qx, qy, qz, qw)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		x = VALUES(x), y = VALUES(y), z = VALUES(z),
		qx = VALUES(qx), qy = VALUES(qy), qz = VALUES(qz), qw = VALUES(qw),
		updated_at = CURRENT_TIMESTAMP
`

// NewMariaPositionRepo подключается к базе (user:pass@tcp(host:port)/dbname?parseTime=true)
// и создаёт таблицу, если её нет.
func NewMariaPositionRepo(dsn string) (*MariaPositionRepo, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err)
	}

	repo := &MariaPositionRepo{db: db}
	if err := repo.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать таблицу: %w", err)
	}
	return repo, nil
}

func (r *MariaPositionRepo) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS player_positions (
			player_id  VARCHAR(64) PRIMARY KEY,
			x          DOUBLE      NOT NULL,
			y          DOUBLE      NOT NULL,
			z          DOUBLE      NOT NULL,
			qx         DOUBLE      NOT NULL DEFAULT 0,
			qy         DOUBLE      NOT NULL DEFAULT 0,
			qz         DOUBLE      NOT NULL DEFAULT 0,
			qw         DOUBLE      NOT NULL DEFAULT 1,
			updated_at TIMESTAMP   DEFAULT CURRENT_TIMESTAMP
			           ON UPDATE   CURRENT_TIMESTAMP,
			INDEX idx_updated_at (updated_at)
		) ENGINE=InnoDB
	`
	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("ошибка создания таблицы player_positions: %w", err)
	}
	return nil
}

func positionArgs(playerID string, pos PlayerPosition) []interface{} {
	l, q := pos.Location, pos.Facing
	return []interface{}{playerID, l.X, l.Y, l.Z, q.X, q.Y, q.Z, q.W}
}

// Save сохраняет позицию (INSERT ... ON DUPLICATE KEY UPDATE)
func (r *MariaPositionRepo) Save(ctx context.Context, playerID string, pos PlayerPosition) error {
	if err := validatePosition(playerID, pos); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, upsertPositionQuery, positionArgs(playerID, pos)...); err != nil {
		return fmt.Errorf("ошибка сохранения позиции игрока %s: %w", playerID, err)
	}
	return nil
}

// Load загружает позицию игрока
func (r *MariaPositionRepo) Load(ctx context.Context, playerID string) (PlayerPosition, bool, error) {
	if playerID == "" {
		return PlayerPosition{}, false, ErrInvalidPlayerID
	}

	query := `SELECT x, y, z, qx, qy, qz, qw, updated_at FROM player_positions WHERE player_id = ?`

	var (
		pos PlayerPosition
		l   geom.Location
		q   geom.Rotation
	)
	err := r.db.QueryRowContext(ctx, query, playerID).
		Scan(&l.X, &l.Y, &l.Z, &q.X, &q.Y, &q.Z, &q.W, &pos.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PlayerPosition{}, false, nil
	}
	if err != nil {
		return PlayerPosition{}, false, fmt.Errorf("ошибка загрузки позиции игрока %s: %w", playerID, err)
	}

	pos.Location = l
	pos.Facing = q
	return pos, true, nil
}

// Delete удаляет сохраненную позицию игрока
func (r *MariaPositionRepo) Delete(ctx context.Context, playerID string) error {
	if playerID == "" {
		return ErrInvalidPlayerID
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM player_positions WHERE player_id = ?`, playerID)
	if err != nil {
		return fmt.Errorf("ошибка удаления позиции игрока %s: %w", playerID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения количества затронутых строк: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, playerID)
	}
	return nil
}

// BatchSave сохраняет позиции в одной транзакции
func (r *MariaPositionRepo) BatchSave(ctx context.Context, positions map[string]PlayerPosition) error {
	if len(positions) == 0 {
		return nil
	}
	for id, pos := range positions {
		if err := validatePosition(id, pos); err != nil {
			return err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertPositionQuery)
	if err != nil {
		return fmt.Errorf("ошибка подготовки запроса: %w", err)
	}
	defer stmt.Close()

	for id, pos := range positions {
		if _, err := stmt.ExecContext(ctx, positionArgs(id, pos)...); err != nil {
			return fmt.Errorf("ошибка сохранения позиции игрока %s в batch: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// Close закрывает соединение с базой данных
func (r *MariaPositionRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
