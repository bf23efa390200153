package storage

import "errors"

// Storage errors. Note lookups return core.ErrNoteNotFound so tool handlers
// can match on it without importing this package.
var (
	// ErrChatNotFound 会话未找到
	ErrChatNotFound = errors.New("chat not found")

	// ErrStorageClosed 存储已关闭
	ErrStorageClosed = errors.New("storage closed")

	// ErrProtectedNote 受保护笔记需要密钥才能读写
	ErrProtectedNote = errors.New("note is protected and no encryption key is configured")

	// ErrInvalidData 无效数据
	ErrInvalidData = errors.New("invalid data")
)
