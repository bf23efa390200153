// Package storage 提供笔记与对话的 SQLite 持久化存储
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/yukin371/quill/internal/core"
)

const (
	labelDateNote     = "dateNote"
	labelCalendarRoot = "calendarRoot"
	snippetRadius     = 40
)

// SQLiteStore SQLite 持久化存储实现，实现 core.NoteStore
type SQLiteStore struct {
	db        *sql.DB
	encryptor Encryptor
	now       func() time.Time
}

// Option configures a store.
type Option func(*SQLiteStore)

// WithEncryptor enables reading and writing protected notes.
func WithEncryptor(e Encryptor) Option {
	return func(s *SQLiteStore) { s.encryptor = e }
}

// NewSQLiteStore 创建 SQLite 存储，数据库文件位于 dataDir/quill.db
func NewSQLiteStore(dataDir string, opts ...Option) (*SQLiteStore, error) {
	// 确保数据目录存在
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return Open(filepath.Join(dataDir, "quill.db"), opts...)
}

// Open opens a database at dsn; ":memory:" gives a private in-memory store.
func Open(dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	db.SetMaxOpenConns(1) // SQLite 不支持并发写入，内存库也必须共享同一连接
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema 初始化数据库表结构并创建根笔记
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	PRAGMA foreign_keys = ON;

	-- 笔记表
	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'text',
		content TEXT NOT NULL DEFAULT '',
		is_protected INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- 分支表：一个笔记可以有多个父笔记
	CREATE TABLE IF NOT EXISTS branches (
		id TEXT PRIMARY KEY,
		note_id TEXT NOT NULL,
		parent_id TEXT NOT NULL,
		prefix TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL,
		UNIQUE (note_id, parent_id),
		FOREIGN KEY (note_id) REFERENCES notes(id) ON DELETE CASCADE,
		FOREIGN KEY (parent_id) REFERENCES notes(id) ON DELETE CASCADE
	);

	-- 属性表
	CREATE TABLE IF NOT EXISTS attributes (
		note_id TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (note_id, type, name),
		FOREIGN KEY (note_id) REFERENCES notes(id) ON DELETE CASCADE
	);

	-- 对话消息表
	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		name TEXT,
		timestamp INTEGER NOT NULL
	);

	-- 索引
	CREATE INDEX IF NOT EXISTS idx_branches_parent_id ON branches(parent_id);
	CREATE INDEX IF NOT EXISTS idx_attributes_name ON attributes(name, value);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_chat_id ON chat_messages(chat_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notes (id, title, type, content, created_at, updated_at) VALUES (?, 'root', 'book', '', ?, ?)`,
		core.RootNoteID, now, now)
	return err
}

// DB exposes the handle for health checks.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrStorageClosed
	}
	return s.db.PingContext(ctx)
}

// GetNote 加载笔记
func (s *SQLiteStore) GetNote(ctx context.Context, noteID string) (*core.Note, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, type, content, is_protected, created_at, updated_at FROM notes WHERE id = ?`, noteID)
	note, err := s.scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrNoteNotFound, noteID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load note: %w", err)
	}
	return note, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanNote(row scanner) (*core.Note, error) {
	var (
		n                    core.Note
		protected            bool
		createdAt, updatedAt int64
	)
	if err := row.Scan(&n.ID, &n.Title, &n.Type, &n.Content, &protected, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	n.DateCreated = time.UnixMilli(createdAt)
	n.DateUpdated = time.UnixMilli(updatedAt)
	if protected {
		if s.encryptor == nil {
			return nil, ErrProtectedNote
		}
		plain, err := s.encryptor.DecryptFromString(n.Content)
		if err != nil {
			return nil, fmt.Errorf("decrypt note %s: %w", n.ID, err)
		}
		n.Content = string(plain)
	}
	return &n, nil
}

// CreateNote 创建笔记并把它放在父笔记下
func (s *SQLiteStore) CreateNote(ctx context.Context, nn core.NewNote) (*core.Note, *core.Branch, error) {
	if strings.TrimSpace(nn.Title) == "" {
		return nil, nil, fmt.Errorf("%w: empty title", ErrInvalidData)
	}
	if nn.Type == "" {
		nn.Type = core.NoteTypeText
	}
	if nn.ParentID == "" {
		nn.ParentID = core.RootNoteID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := requireNote(ctx, tx, nn.ParentID); err != nil {
		return nil, nil, err
	}

	now := s.now()
	note := &core.Note{
		ID:          newID(),
		Title:       nn.Title,
		Type:        nn.Type,
		Content:     nn.Content,
		DateCreated: now,
		DateUpdated: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO notes (id, title, type, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		note.ID, note.Title, note.Type, note.Content, now.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, nil, fmt.Errorf("failed to insert note: %w", err)
	}
	branch, err := insertBranch(ctx, tx, note.ID, nn.ParentID, "")
	if err != nil {
		return nil, nil, err
	}

	// 提交事务
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return note, branch, nil
}

// UpdateNoteContent 替换笔记内容
func (s *SQLiteStore) UpdateNoteContent(ctx context.Context, noteID, content string) error {
	var protected bool
	err := s.db.QueryRowContext(ctx, `SELECT is_protected FROM notes WHERE id = ?`, noteID).Scan(&protected)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", core.ErrNoteNotFound, noteID)
	}
	if err != nil {
		return fmt.Errorf("failed to load note: %w", err)
	}
	stored, err := s.sealContent(protected, content)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE notes SET content = ?, updated_at = ? WHERE id = ?`,
		stored, s.now().UnixMilli(), noteID); err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	return nil
}

// SetProtected encrypts or decrypts a note's content in place.
func (s *SQLiteStore) SetProtected(ctx context.Context, noteID string, protected bool) error {
	if s.encryptor == nil {
		return ErrProtectedNote
	}
	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		return err
	}
	stored, err := s.sealContent(protected, note.Content)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE notes SET content = ?, is_protected = ? WHERE id = ?`, stored, protected, noteID)
	if err != nil {
		return fmt.Errorf("failed to protect note: %w", err)
	}
	return nil
}

func (s *SQLiteStore) sealContent(protected bool, content string) (string, error) {
	if !protected {
		return content, nil
	}
	if s.encryptor == nil {
		return "", ErrProtectedNote
	}
	return s.encryptor.EncryptToString([]byte(content))
}

// SearchNotes 搜索笔记标题和内容；标题命中的权重更高。
// Every term must match the title or the content. Protected notes are
// matched by title only.
func (s *SQLiteStore) SearchNotes(ctx context.Context, query string, limit int) ([]core.SearchResult, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	var (
		where []string
		args  []any
	)
	for _, term := range terms {
		pattern := "%" + escapeLike(term) + "%"
		where = append(where, `(lower(title) LIKE ? ESCAPE '\' OR (is_protected = 0 AND lower(content) LIKE ? ESCAPE '\'))`)
		args = append(args, pattern, pattern)
	}
	sqlQuery := `SELECT id, title, content, is_protected FROM notes WHERE id <> ? AND (` +
		strings.Join(where, " AND ") + `) ORDER BY updated_at DESC`
	args = append([]any{core.RootNoteID}, args...)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search notes: %w", err)
	}
	defer rows.Close()

	var results []core.SearchResult
	for rows.Next() {
		var (
			id, title, content string
			protected          bool
		)
		if err := rows.Scan(&id, &title, &content, &protected); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		if protected {
			content = ""
		}
		lowerTitle, lowerContent := strings.ToLower(title), strings.ToLower(content)
		r := core.SearchResult{NoteID: id, Title: title}
		for _, term := range terms {
			if strings.Contains(lowerTitle, term) {
				r.Score += 2
			}
			if strings.Contains(lowerContent, term) {
				r.Score++
				if r.Snippet == "" {
					r.Snippet = snippet(content, lowerContent, term)
				}
			}
		}
		r.Score /= float64(3 * len(terms))
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notes: %w", err)
	}

	// equal scores keep recency order
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SetAttribute 设置属性，同名同类型的属性会被覆盖
func (s *SQLiteStore) SetAttribute(ctx context.Context, attr core.Attribute) error {
	if attr.Name == "" || (attr.Type != core.AttributeLabel && attr.Type != core.AttributeRelation) {
		return fmt.Errorf("%w: attribute %q of type %q", ErrInvalidData, attr.Name, attr.Type)
	}
	if err := requireNote(ctx, s.db, attr.NoteID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attributes (note_id, type, name, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (note_id, type, name) DO UPDATE SET value = excluded.value`,
		attr.NoteID, attr.Type, attr.Name, attr.Value)
	if err != nil {
		return fmt.Errorf("failed to set attribute: %w", err)
	}
	return nil
}

// GetAttributes 列出笔记的属性
func (s *SQLiteStore) GetAttributes(ctx context.Context, noteID string) ([]core.Attribute, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT note_id, type, name, value FROM attributes WHERE note_id = ? ORDER BY type, name`, noteID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attributes: %w", err)
	}
	defer rows.Close()

	var attrs []core.Attribute
	for rows.Next() {
		var a core.Attribute
		if err := rows.Scan(&a.NoteID, &a.Type, &a.Name, &a.Value); err != nil {
			return nil, fmt.Errorf("failed to scan attribute: %w", err)
		}
		attrs = append(attrs, a)
	}
	return attrs, rows.Err()
}

// CreateBranch 为已有笔记添加一个父笔记（克隆）
func (s *SQLiteStore) CreateBranch(ctx context.Context, noteID, parentID, prefix string) (*core.Branch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := requireNote(ctx, tx, noteID); err != nil {
		return nil, err
	}
	if err := requireNote(ctx, tx, parentID); err != nil {
		return nil, err
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM branches WHERE note_id = ? AND parent_id = ?`, noteID, parentID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check branch: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: %s under %s", core.ErrBranchExists, noteID, parentID)
	}
	branch, err := insertBranch(ctx, tx, noteID, parentID, prefix)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return branch, nil
}

// GetParents 列出父笔记
func (s *SQLiteStore) GetParents(ctx context.Context, noteID string) ([]core.Note, error) {
	return s.listNotes(ctx, `
		SELECT n.id, n.title, n.type, n.content, n.is_protected, n.created_at, n.updated_at
		FROM branches b JOIN notes n ON n.id = b.parent_id
		WHERE b.note_id = ? ORDER BY b.rowid`, noteID)
}

// GetChildren 列出子笔记
func (s *SQLiteStore) GetChildren(ctx context.Context, noteID string) ([]core.Note, error) {
	return s.listNotes(ctx, `
		SELECT n.id, n.title, n.type, n.content, n.is_protected, n.created_at, n.updated_at
		FROM branches b JOIN notes n ON n.id = b.note_id
		WHERE b.parent_id = ? ORDER BY b.position, b.rowid`, noteID)
}

func (s *SQLiteStore) listNotes(ctx context.Context, query string, args ...any) ([]core.Note, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	var notes []core.Note
	for rows.Next() {
		n, err := s.scanNote(rows)
		if errors.Is(err, ErrProtectedNote) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, *n)
	}
	return notes, rows.Err()
}

// GetDayNote 查找指定日期的日记笔记
func (s *SQLiteStore) GetDayNote(ctx context.Context, date time.Time) (*core.Note, error) {
	day := date.Format("2006-01-02")
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT note_id FROM attributes WHERE type = ? AND name = ? AND value = ? LIMIT 1`,
		core.AttributeLabel, labelDateNote, day).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: day note %s", core.ErrNoteNotFound, day)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find day note: %w", err)
	}
	return s.GetNote(ctx, id)
}

// CreateDayNote 返回已有的日记笔记，不存在时在日历根笔记下创建
func (s *SQLiteStore) CreateDayNote(ctx context.Context, date time.Time) (*core.Note, error) {
	if note, err := s.GetDayNote(ctx, date); err == nil {
		return note, nil
	} else if !errors.Is(err, core.ErrNoteNotFound) {
		return nil, err
	}

	calendarID, err := s.calendarRoot(ctx)
	if err != nil {
		return nil, err
	}
	note, _, err := s.CreateNote(ctx, core.NewNote{
		ParentID: calendarID,
		Title:    date.Format("2006-01-02 - Monday"),
		Type:     core.NoteTypeText,
	})
	if err != nil {
		return nil, err
	}
	if err := s.SetAttribute(ctx, core.Attribute{
		NoteID: note.ID, Type: core.AttributeLabel, Name: labelDateNote, Value: date.Format("2006-01-02"),
	}); err != nil {
		return nil, err
	}
	return note, nil
}

func (s *SQLiteStore) calendarRoot(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT note_id FROM attributes WHERE type = ? AND name = ? LIMIT 1`,
		core.AttributeLabel, labelCalendarRoot).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to find calendar root: %w", err)
	}
	note, _, err := s.CreateNote(ctx, core.NewNote{ParentID: core.RootNoteID, Title: "Journal", Type: core.NoteTypeBook})
	if err != nil {
		return "", err
	}
	if err := s.SetAttribute(ctx, core.Attribute{NoteID: note.ID, Type: core.AttributeLabel, Name: labelCalendarRoot}); err != nil {
		return "", err
	}
	return note.ID, nil
}

// Close 关闭数据库连接
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func requireNote(ctx context.Context, q querier, noteID string) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE id = ?`, noteID).Scan(&n); err != nil {
		return fmt.Errorf("failed to check note: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", core.ErrNoteNotFound, noteID)
	}
	return nil
}

func insertBranch(ctx context.Context, q querier, noteID, parentID, prefix string) (*core.Branch, error) {
	var position int
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) + 10 FROM branches WHERE parent_id = ?`, parentID).Scan(&position); err != nil {
		return nil, fmt.Errorf("failed to compute position: %w", err)
	}
	b := &core.Branch{ID: newID(), NoteID: noteID, ParentID: parentID, Prefix: prefix}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO branches (id, note_id, parent_id, prefix, position) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.NoteID, b.ParentID, b.Prefix, position); err != nil {
		return nil, fmt.Errorf("failed to insert branch: %w", err)
	}
	return b, nil
}

// newID returns a short note-style id.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet cuts a window of content around the first match of term. lower
// must be strings.ToLower(content).
func snippet(content, lower, term string) string {
	idx := strings.Index(lower, term)
	if idx < 0 || len(lower) != len(content) {
		// lowercasing changed byte offsets; fall back to the head
		return truncateRunes(content, 2*snippetRadius)
	}
	start, end := idx-snippetRadius, idx+len(term)+snippetRadius
	if start < 0 {
		start = 0
	}
	if end > len(content) {
		end = len(content)
	}
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end++
	}
	out := strings.TrimSpace(content[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(content) {
		out += "..."
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
