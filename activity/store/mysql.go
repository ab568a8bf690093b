package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL implementation of Store[S].
//
// It lets several host processes share workflow snapshots. The DSN uses the
// go-sql-driver format:
//
//	user:password@tcp(localhost:3306)/workflows?parseTime=true
//
// Never hardcode credentials. Read the DSN from configuration or the
// environment.
type MySQLStore[S any] struct {
	sqlStore[S]
}

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflow_turns (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			turn INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			snapshot LONGTEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE KEY idx_workflow_turn (workflow_id, turn),
			INDEX idx_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			checkpoint_id VARCHAR(255) PRIMARY KEY,
			turn INT NOT NULL,
			snapshot LONGTEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	upsertTurn: `
		INSERT INTO workflow_turns (workflow_id, turn, status, snapshot)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			snapshot = VALUES(snapshot)
	`,
	upsertCheckpnt: `
		INSERT INTO workflow_checkpoints (checkpoint_id, turn, snapshot)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			turn = VALUES(turn),
			snapshot = VALUES(snapshot)
	`,
}

// NewMySQLStore connects to MySQL, verifies the connection and creates the
// required tables.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore[S]{
		sqlStore: sqlStore[S]{db: db, dialect: mysqlDialect},
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Stats returns the connection pool statistics.
func (m *MySQLStore[S]) Stats() sql.DBStats {
	return m.db.Stats()
}
