package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"notifyd/internal/notification"
	"notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) putKV(ctx context.Context, key string, value json.RawMessage) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated=excluded.updated`,
		key, string(value), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) getKV(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrClosed
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(value), true, nil
}

func (s *sqliteStore) deleteKV(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) appendNotification(ctx context.Context, n notification.Notification) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, title, body, url, topic, ts, source, is_new)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, body=excluded.body, url=excluded.url,
		   topic=excluded.topic, ts=excluded.ts, source=excluded.source`,
		n.ID, n.Title, n.Body, nullStr(n.URL), nullStr(n.Topic), n.Timestamp, string(n.Source), boolInt(n.IsNew),
	)
	if err != nil {
		return err
	}
	// Evict beyond the cap, oldest first.
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id NOT IN
		   (SELECT id FROM notifications ORDER BY ts DESC LIMIT ?)`,
		HistoryCap,
	)
	return err
}

func (s *sqliteStore) notifications(ctx context.Context, limit int) ([]notification.Notification, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > HistoryCap {
		limit = HistoryCap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, body, COALESCE(url,''), COALESCE(topic,''), ts, COALESCE(source,''), is_new
		 FROM notifications ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notification.Notification
	for rows.Next() {
		var (
			n     notification.Notification
			src   string
			isNew int
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.URL, &n.Topic, &n.Timestamp, &src, &isNew); err != nil {
			return nil, err
		}
		n.Source = notification.Source(src)
		n.IsNew = isNew != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) markAllViewed(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_new = 0 WHERE is_new != 0`)
	return err
}

func (s *sqliteStore) clearHistory(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM notifications`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
