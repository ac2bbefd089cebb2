// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"
)

const (
	getAuthRecordQuery = `SELECT auth_method, auth_data FROM deployed_databases WHERE database_id = $1`

	putAuthRecordQuery = `INSERT INTO deployed_databases (database_id, auth_method, auth_data)
VALUES ($1, $2, $3)
ON CONFLICT (database_id) DO UPDATE SET auth_method = EXCLUDED.auth_method, auth_data = EXCLUDED.auth_data`
)

// PostgresStore is a Store backed by the platform's relational metadata
// database, queried through database/sql with lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against the metadata database.
// The pool is kept small: the gateway issues one point read per session.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// GetAuthRecord implements Store.
func (s *PostgresStore) GetAuthRecord(ctx context.Context, tenantID string) (*AuthRecord, error) {
	var record AuthRecord
	err := s.db.QueryRowContext(ctx, getAuthRecordQuery, tenantID).Scan(&record.Method, &record.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying auth record for %s: %w", tenantID, err)
	}
	return &record, nil
}

// PutAuthRecord implements Store.
func (s *PostgresStore) PutAuthRecord(ctx context.Context, tenantID string, record *AuthRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid auth record for %s: %w", tenantID, err)
	}
	if _, err := s.db.ExecContext(ctx, putAuthRecordQuery, tenantID, record.Method, record.Data); err != nil {
		return fmt.Errorf("storing auth record for %s: %w", tenantID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
