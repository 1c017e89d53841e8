package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/annel0/blockcore/internal/world"
)

// Dialect диалект SQL хранилища
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// SQLLoader хранит чанки в таблице chunks(x, z, data, updated_at)
type SQLLoader struct {
	db      *sql.DB
	dialect Dialect
	codec   *Codec
	upsert  string
}

// OpenSQLite открывает файл SQLite, создавая каталог и схему
func OpenSQLite(path string, codec *Codec) (*SQLLoader, error) {
	db, err := openSQLiteDB(path)
	if err != nil {
		return nil, err
	}
	return newSQLLoader(db, DialectSQLite, codec)
}

// OpenMySQL подключается к MySQL/MariaDB по DSN (user:pass@tcp(host:port)/dbname)
func OpenMySQL(dsn string, codec *Codec) (*SQLLoader, error) {
	db, err := openMySQLDB(dsn)
	if err != nil {
		return nil, err
	}
	return newSQLLoader(db, DialectMySQL, codec)
}

func openSQLiteDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("не задан путь к базе SQLite")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть SQLite: %w", err)
	}
	// SQLite допускает одного писателя
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("ошибка настройки SQLite: %w", err)
		}
	}
	return db, nil
}

func openMySQLDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err)
	}
	return db, nil
}

func newSQLLoader(db *sql.DB, dialect Dialect, codec *Codec) (*SQLLoader, error) {
	if codec == nil {
		codec = MustCodec()
	}
	l := &SQLLoader{db: db, dialect: dialect, codec: codec}

	var schema string
	switch dialect {
	case DialectSQLite:
		schema = `CREATE TABLE IF NOT EXISTS chunks (
			x          INTEGER NOT NULL,
			z          INTEGER NOT NULL,
			data       BLOB    NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (x, z)
		)`
		l.upsert = `INSERT INTO chunks (x, z, data, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(x, z) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	case DialectMySQL:
		schema = `CREATE TABLE IF NOT EXISTS chunks (
			x          INT        NOT NULL,
			z          INT        NOT NULL,
			data       MEDIUMBLOB NOT NULL,
			updated_at BIGINT     NOT NULL,
			PRIMARY KEY (x, z)
		) ENGINE=InnoDB`
		l.upsert = `INSERT INTO chunks (x, z, data, updated_at) VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)`
	default:
		db.Close()
		return nil, fmt.Errorf("неизвестный диалект SQL: %s", dialect)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка создания таблицы chunks: %w", err)
	}
	return l, nil
}

// LoadChunk реализует world.ChunkLoader
func (l *SQLLoader) LoadChunk(ctx context.Context, coord world.ChunkCoord) (*world.Chunk, error) {
	var data []byte
	err := l.db.QueryRowContext(ctx,
		`SELECT data FROM chunks WHERE x = ? AND z = ?`, coord.X, coord.Z).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения чанка: %w", err)
	}
	return l.codec.Decode(data)
}

// SaveChunk реализует world.ChunkLoader
func (l *SQLLoader) SaveChunk(ctx context.Context, c *world.Chunk) error {
	data, err := l.codec.Encode(c)
	if err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, l.upsert, c.Coord().X, c.Coord().Z, data, time.Now().Unix()); err != nil {
		return fmt.Errorf("ошибка сохранения чанка: %w", err)
	}
	return nil
}

// Coords перечисляет сохранённые чанки
func (l *SQLLoader) Coords(ctx context.Context) ([]world.ChunkCoord, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT x, z FROM chunks ORDER BY x, z`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []world.ChunkCoord
	for rows.Next() {
		var c world.ChunkCoord
		if err := rows.Scan(&c.X, &c.Z); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Dialect возвращает диалект
func (l *SQLLoader) Dialect() Dialect {
	return l.dialect
}

// Close закрывает соединение
func (l *SQLLoader) Close() error {
	return l.db.Close()
}

func (l *SQLLoader) SupportsParallelLoading() bool { return true }

// SupportsParallelSaving ложно для SQLite: запись идёт через одно соединение
func (l *SQLLoader) SupportsParallelSaving() bool { return l.dialect != DialectSQLite }
