package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"staychat/internal/config"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_rooms (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		provider_id VARCHAR(64) NOT NULL,
		last_message TEXT NULL,
		last_message_at DATETIME(6) NULL,
		user_unread_count INT UNSIGNED NOT NULL DEFAULT 0,
		provider_unread_count INT UNSIGNED NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_chat_rooms_pair (user_id, provider_id),
		KEY idx_chat_rooms_provider (provider_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		room_id BIGINT NOT NULL,
		sender_id VARCHAR(64) NOT NULL,
		sender_role ENUM('user', 'provider') NOT NULL,
		content TEXT NULL,
		image VARCHAR(2048) NULL,
		reply_to BIGINT NULL,
		seen TINYINT(1) NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		KEY idx_chat_messages_room_created (room_id, created_at, id),
		KEY idx_chat_messages_unseen (room_id, sender_role, seen),
		CONSTRAINT fk_chat_messages_room FOREIGN KEY (room_id) REFERENCES chat_rooms (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

// Init initializes database connection
func Init(ctx context.Context, cfg config.Config, log *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)

	// 接続テスト
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Database connection established", "host", cfg.DBHost, "name", cfg.DBName)
	return db, nil
}

// Migrate creates the chat tables when they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}
