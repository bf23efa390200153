package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yukin371/quill/internal/core"
)

// ChatSummary describes one stored conversation.
type ChatSummary struct {
	ChatID       string    `json:"chatId"`
	MessageCount int       `json:"messageCount"`
	LastActivity time.Time `json:"lastActivity"`
}

// AppendMessages 追加对话消息
func (s *SQLiteStore) AppendMessages(ctx context.Context, chatID string, messages ...core.Message) error {
	if chatID == "" {
		return fmt.Errorf("%w: empty chat id", ErrInvalidData)
	}
	// 开启事务
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_messages (chat_id, role, content, tool_calls, tool_call_id, name, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		var toolCalls sql.NullString
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to marshal tool calls: %w", err)
			}
			toolCalls = sql.NullString{String: string(data), Valid: true}
		}
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		if _, err := stmt.ExecContext(ctx, chatID, msg.Role, msg.Content, toolCalls, msg.ToolCallID, msg.Name, ts.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	// 提交事务
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadMessages 加载对话消息，按写入顺序
func (s *SQLiteStore) LoadMessages(ctx context.Context, chatID string) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id, name, timestamp
		FROM chat_messages
		WHERE chat_id = ?
		ORDER BY id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []core.Message
	for rows.Next() {
		var (
			msg                     core.Message
			toolCalls, callID, name sql.NullString
			timestamp               int64
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls, &callID, &name, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		msg.ToolCallID = callID.String
		msg.Name = name.String
		msg.Timestamp = time.UnixMilli(timestamp)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// ListChats 列出所有对话，最近活跃的在前
func (s *SQLiteStore) ListChats(ctx context.Context) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, COUNT(*), MAX(timestamp)
		FROM chat_messages
		GROUP BY chat_id
		ORDER BY MAX(timestamp) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []ChatSummary
	for rows.Next() {
		var (
			c    ChatSummary
			last int64
		)
		if err := rows.Scan(&c.ChatID, &c.MessageCount, &last); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		c.LastActivity = time.UnixMilli(last)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// DeleteChat 删除对话
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return nil
}
