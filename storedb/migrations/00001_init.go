package migrations

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(up00001, down00001)
}

func up00001(tx *sql.Tx) error {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS download_task (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		uri_hash            TEXT      NOT NULL UNIQUE,
		uri                 TEXT      NOT NULL,
		gid                 TEXT,
		status              TEXT      NOT NULL,
		name                TEXT      NOT NULL DEFAULT '',
		total_length        INTEGER   NOT NULL DEFAULT 0,
		completed_length    INTEGER   NOT NULL DEFAULT 0,
		download_speed      INTEGER   NOT NULL DEFAULT 0,
		upload_speed        INTEGER   NOT NULL DEFAULT 0,
		peak_download_speed INTEGER   NOT NULL DEFAULT 0,
		peak_connections    INTEGER   NOT NULL DEFAULT 0,
		error               TEXT,
		error_display       TEXT,
		stored_file_id      INTEGER,
		created_at          TIMESTAMP NOT NULL,
		updated_at          TIMESTAMP NOT NULL
	);`); err != nil {
		return err
	}

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS stored_file (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		content_hash  TEXT      NOT NULL UNIQUE,
		real_path     TEXT      NOT NULL,
		size          INTEGER   NOT NULL,
		is_directory  BOOLEAN   NOT NULL,
		original_name TEXT      NOT NULL,
		ref_count     INTEGER   NOT NULL DEFAULT 0,
		created_at    TIMESTAMP NOT NULL
	);`); err != nil {
		return err
	}

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS user_task_subscription (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id      INTEGER   NOT NULL,
		task_id       INTEGER   NOT NULL REFERENCES download_task(id),
		frozen_space  INTEGER   NOT NULL DEFAULT 0,
		status        TEXT      NOT NULL,
		error_display TEXT,
		created_at    TIMESTAMP NOT NULL,
		UNIQUE(owner_id, task_id)
	);`); err != nil {
		return err
	}

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS user_file (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id       INTEGER   NOT NULL,
		stored_file_id INTEGER   NOT NULL REFERENCES stored_file(id),
		display_name   TEXT      NOT NULL,
		created_at     TIMESTAMP NOT NULL,
		UNIQUE(owner_id, stored_file_id)
	);`); err != nil {
		return err
	}

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS task_history (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id      INTEGER   NOT NULL,
		task_id       INTEGER   NOT NULL,
		uri           TEXT      NOT NULL,
		name          TEXT      NOT NULL,
		status        TEXT      NOT NULL,
		error_display TEXT,
		total_length  INTEGER   NOT NULL DEFAULT 0,
		terminated_at TIMESTAMP NOT NULL
	);`); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`CREATE INDEX IF NOT EXISTS idx_subscription_task ON user_task_subscription(task_id);`,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`CREATE INDEX IF NOT EXISTS idx_subscription_owner ON user_task_subscription(owner_id, status);`,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`CREATE INDEX IF NOT EXISTS idx_history_owner ON task_history(owner_id, terminated_at);`,
	); err != nil {
		return err
	}
	_, err := tx.Exec(
		`CREATE INDEX IF NOT EXISTS idx_userfile_owner ON user_file(owner_id);`,
	)
	return err
}

func down00001(tx *sql.Tx) error {
	for _, stmt := range []string{
		`DROP TABLE task_history;`,
		`DROP TABLE user_file;`,
		`DROP TABLE user_task_subscription;`,
		`DROP TABLE stored_file;`,
		`DROP TABLE download_task;`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
