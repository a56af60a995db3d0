package readmodel

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "plugin-runtime/internal/errors"
)

// MySQLStore 把读模型写入 installed_plugins 表。
// 表结构由 internal/storage/mysql 的迁移创建。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已打开的连接池创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

const selectColumns = `plugin_id, name, version, status, install_type, pid, last_error, installed_at, updated_at`

// Get 查询单个插件记录。
func (s *MySQLStore) Get(ctx context.Context, pluginID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM installed_plugins WHERE plugin_id = ?`, pluginID)
	rec, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询插件记录失败")
	}
	return rec, nil
}

// List 返回全部记录。
func (s *MySQLStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM installed_plugins ORDER BY plugin_id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询插件列表失败")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析插件记录失败")
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历插件记录失败")
	}
	return out, nil
}

// Upsert 插入或整行覆盖记录。
func (s *MySQLStore) Upsert(ctx context.Context, rec Record) error {
	if rec.PluginID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "插件 ID 不能为空")
	}
	const stmt = `INSERT INTO installed_plugins
        (plugin_id, name, version, status, install_type, pid, last_error, installed_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE name = VALUES(name), version = VALUES(version), status = VALUES(status),
        install_type = VALUES(install_type), pid = VALUES(pid), last_error = VALUES(last_error),
        installed_at = VALUES(installed_at), updated_at = VALUES(updated_at)`

	_, err := s.db.ExecContext(ctx, stmt,
		rec.PluginID,
		rec.Name,
		rec.Version,
		rec.Status,
		rec.InstallType,
		rec.PID,
		rec.LastError,
		unixOrZero(rec.InstalledAt),
		unixOrZero(rec.UpdatedAt),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入插件记录失败")
	}
	return nil
}

// Delete 删除记录，不存在时不报错。
func (s *MySQLStore) Delete(ctx context.Context, pluginID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM installed_plugins WHERE plugin_id = ?`, pluginID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除插件记录失败")
	}
	return nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec         Record
		lastError   sql.NullString
		installedAt int64
		updatedAt   int64
	)
	if err := row.Scan(
		&rec.PluginID,
		&rec.Name,
		&rec.Version,
		&rec.Status,
		&rec.InstallType,
		&rec.PID,
		&lastError,
		&installedAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	rec.LastError = lastError.String
	rec.InstalledAt = fromUnix(installedAt)
	rec.UpdatedAt = fromUnix(updatedAt)
	return &rec, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
