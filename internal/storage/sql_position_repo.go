package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/blockcore/internal/world"
)

// SQLPositionRepo хранит позиции в таблице player_positions (SQLite или MariaDB/MySQL)
type SQLPositionRepo struct {
	db      *sql.DB
	dialect Dialect
	upsert  string
}

// NewSQLitePositionRepo открывает файл SQLite с позициями
func NewSQLitePositionRepo(path string) (*SQLPositionRepo, error) {
	db, err := openSQLiteDB(path)
	if err != nil {
		return nil, err
	}
	return newSQLPositionRepo(db, DialectSQLite)
}

// NewMySQLPositionRepo подключается к MariaDB/MySQL.
// Автоматически создает таблицу, если она не существует.
func NewMySQLPositionRepo(dsn string) (*SQLPositionRepo, error) {
	db, err := openMySQLDB(dsn)
	if err != nil {
		return nil, err
	}
	return newSQLPositionRepo(db, DialectMySQL)
}

func newSQLPositionRepo(db *sql.DB, dialect Dialect) (*SQLPositionRepo, error) {
	r := &SQLPositionRepo{db: db, dialect: dialect}

	var schema string
	switch dialect {
	case DialectSQLite:
		schema = `CREATE TABLE IF NOT EXISTS player_positions (
			player_id  TEXT    PRIMARY KEY,
			x          REAL    NOT NULL,
			y          REAL    NOT NULL,
			z          REAL    NOT NULL,
			yaw        REAL    NOT NULL,
			pitch      REAL    NOT NULL,
			updated_at INTEGER NOT NULL
		)`
		r.upsert = `INSERT INTO player_positions (player_id, x, y, z, yaw, pitch, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(player_id) DO UPDATE SET x = excluded.x, y = excluded.y, z = excluded.z,
				yaw = excluded.yaw, pitch = excluded.pitch, updated_at = excluded.updated_at`
	case DialectMySQL:
		schema = `CREATE TABLE IF NOT EXISTS player_positions (
			player_id  CHAR(36) PRIMARY KEY,
			x          DOUBLE   NOT NULL,
			y          DOUBLE   NOT NULL,
			z          DOUBLE   NOT NULL,
			yaw        FLOAT    NOT NULL,
			pitch      FLOAT    NOT NULL,
			updated_at BIGINT   NOT NULL,
			INDEX idx_updated_at (updated_at)
		) ENGINE=InnoDB`
		r.upsert = `INSERT INTO player_positions (player_id, x, y, z, yaw, pitch, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE x = VALUES(x), y = VALUES(y), z = VALUES(z),
				yaw = VALUES(yaw), pitch = VALUES(pitch), updated_at = VALUES(updated_at)`
	default:
		db.Close()
		return nil, fmt.Errorf("неизвестный диалект SQL: %s", dialect)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка создания таблицы player_positions: %w", err)
	}
	return r, nil
}

// Save сохраняет позицию игрока
func (r *SQLPositionRepo) Save(ctx context.Context, id uuid.UUID, pos world.Position) error {
	if err := validatePosition(id, pos); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, r.upsert, id.String(), pos.X, pos.Y, pos.Z, pos.Yaw, pos.Pitch, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("ошибка сохранения позиции игрока %s: %w", id, err)
	}
	return nil
}

// Load загружает позицию игрока
func (r *SQLPositionRepo) Load(ctx context.Context, id uuid.UUID) (world.Position, bool, error) {
	var pos world.Position
	err := r.db.QueryRowContext(ctx,
		`SELECT x, y, z, yaw, pitch FROM player_positions WHERE player_id = ?`, id.String(),
	).Scan(&pos.X, &pos.Y, &pos.Z, &pos.Yaw, &pos.Pitch)
	if errors.Is(err, sql.ErrNoRows) {
		// Позиция не найдена - первый вход игрока
		return world.Position{}, false, nil
	}
	if err != nil {
		return world.Position{}, false, fmt.Errorf("ошибка загрузки позиции игрока %s: %w", id, err)
	}
	return pos, true, nil
}

// Delete удаляет сохраненную позицию игрока
func (r *SQLPositionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM player_positions WHERE player_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("ошибка удаления позиции игрока %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения количества затронутых строк: %w", err)
	}
	if n == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// BatchSave сохраняет позиции нескольких игроков в одной транзакции
func (r *SQLPositionRepo) BatchSave(ctx context.Context, positions map[uuid.UUID]world.Position) error {
	if len(positions) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback() // Откат в случае ошибки

	stmt, err := tx.PrepareContext(ctx, r.upsert)
	if err != nil {
		return fmt.Errorf("ошибка подготовки запроса: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for id, pos := range positions {
		if err := validatePosition(id, pos); err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, id.String(), pos.X, pos.Y, pos.Z, pos.Yaw, pos.Pitch, now); err != nil {
			return fmt.Errorf("ошибка сохранения позиции игрока %s в batch: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// Close закрывает соединение с базой данных
func (r *SQLPositionRepo) Close() error {
	return r.db.Close()
}
