package mysql

import (
	"bufio"
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"plugin-runtime/deploy/migrations"
	xerrors "plugin-runtime/internal/errors"
)

const createSchemaTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    checksum CHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
)`

// step 是一个待执行的迁移文件。
type step struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// Migrate 执行内置迁移。
func Migrate(ctx context.Context, db *sql.DB) error {
	return migrateFS(ctx, db, migrations.Files)
}

// migrateFS 按版本顺序执行 fsys 根目录下的 .sql 文件，每个文件一个事务。
// 已执行文件的内容发生变化时直接报错，不做任何修改。
func migrateFS(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	if _, err := db.ExecContext(ctx, createSchemaTable); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	steps, err := readSteps(fsys)
	if err != nil {
		return err
	}
	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return err
	}
	for _, s := range steps {
		sum, done := applied[s.version]
		if done {
			if sum != s.checksum {
				return xerrors.New(xerrors.CodeStorageFailure, "已执行的迁移文件被修改",
					xerrors.WithMetadata("migration", s.name))
			}
			continue
		}
		if err := s.apply(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		out[version] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return out, nil
}

func (s step) apply(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	fail := func(err error, message string) error {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message, xerrors.WithMetadata("migration", s.name))
	}
	for _, stmt := range s.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fail(err, "执行迁移 "+s.name+" 失败")
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		s.version, s.name, s.checksum, time.Now().Unix()); err != nil {
		return fail(err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败", xerrors.WithMetadata("migration", s.name))
	}
	return nil
}

func readSteps(fsys fs.FS) ([]step, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}
	var steps []step
	seen := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败", xerrors.WithMetadata("migration", name))
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version := versionOf(name)
		if prev, dup := seen[version]; dup {
			return nil, xerrors.New(xerrors.CodeStorageFailure, "迁移版本重复",
				xerrors.WithMetadata("migration", name), xerrors.WithMetadata("previous", prev))
		}
		seen[version] = name
		sum := sha256.Sum256(content)
		steps = append(steps, step{version: version, name: name, checksum: hex.EncodeToString(sum[:]), statements: statements})
	}
	slices.SortFunc(steps, func(a, b step) int { return cmp.Compare(a.version, b.version) })
	return steps, nil
}

// splitStatements 按分号切分语句，忽略空语句与整行的 -- 注释。
func splitStatements(content string) []string {
	var b strings.Builder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// versionOf 取文件名中第一个下划线或点号之前的部分。
func versionOf(name string) string {
	if i := strings.IndexAny(name, "_."); i > 0 {
		return name[:i]
	}
	return name
}
