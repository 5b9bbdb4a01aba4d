// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storedb owns the single embedded SQLite database backing the
// subscription registry (DownloadTask, UserTaskSubscription, TaskHistory)
// and the content store (StoredFile, UserFile).
package storedb

import (
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/crmmc/aria2deck/storedb/migrations" // Add migrations.

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQL driver.
	"github.com/pressly/goose"
)

// New creates, migrates, and returns a handle to the locally embedded
// SQLite database at path.
func New(path string) (*sqlx.DB, error) {
	if err := ensureFilePresent(path); err != nil {
		return nil, fmt.Errorf("ensure db file present: %s", err)
	}
	dsn := path + "?_busy_timeout=30000&_journal_mode=WAL"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %s", err)
	}
	// SQLite errors on concurrent writers across connections; a single
	// connection plus WAL mode gives us serialized writes and concurrent
	// readers without a connection-pool deadlock.
	db.SetMaxOpenConns(1)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("set dialect as sqlite3: %s", err)
	}
	if err := goose.Up(db.DB, "."); err != nil {
		return nil, fmt.Errorf("perform db migration: %s", err)
	}
	return db, nil
}

func ensureFilePresent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return fmt.Errorf("mkdir: %s", err)
	}
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0664)
	if err != nil {
		return err
	}
	return f.Close()
}
