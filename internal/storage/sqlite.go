// Copyright 2025 BranchFS Authors
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

package storage

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/tursodatabase/go-libsql"

	"branchfs/internal/common"
	"branchfs/internal/util"
)

// contentRow is the bun model for one content unit.
type contentRow struct {
	bun.BaseModel `bun:"table:content"`

	ID   int64  `bun:"id,pk,autoincrement"`
	Data []byte `bun:"data,notnull"`
}

// SqliteBackend persists content units as rows in a SQLite file.
// All statements retry on transient "database is locked" errors.
type SqliteBackend struct {
	db  *bun.DB
	ctx context.Context
}

// NewSqliteBackend opens (or creates) the database at path.
func NewSqliteBackend(path string) (*SqliteBackend, error) {
	sqlDB, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db := bun.NewDB(sqlDB, sqlitedialect.New())

	ctx := context.Background()
	if _, err := db.NewCreateTable().Model((*contentRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create content table: %w", err)
	}
	log.Debugf("[Storage] sqlite backend at %s", path)
	return &SqliteBackend{db: db, ctx: ctx}, nil
}

func (b *SqliteBackend) load(id ContentID) ([]byte, error) {
	return util.RetryWithResult(b.ctx, func() ([]byte, error) {
		var row contentRow
		err := b.db.NewSelect().Model(&row).Where("id = ?", int64(id)).Scan(b.ctx)
		if err == sql.ErrNoRows {
			return nil, common.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return row.Data, nil
	}, util.DatabaseRetryOptions(b.ctx)...)
}

func (b *SqliteBackend) store(id ContentID, data []byte) error {
	return util.Retry(b.ctx, func() error {
		_, err := b.db.NewUpdate().
			Model((*contentRow)(nil)).
			Set("data = ?", data).
			Where("id = ?", int64(id)).
			Exec(b.ctx)
		return err
	}, util.DatabaseRetryOptions(b.ctx)...)
}

func (b *SqliteBackend) Allocate(data []byte) (ContentID, error) {
	row := &contentRow{Data: data}
	err := util.Retry(b.ctx, func() error {
		// RETURNING is required; libsql does not support LastInsertId.
		_, err := b.db.NewInsert().Model(row).Returning("id").Exec(b.ctx)
		return err
	}, util.DatabaseRetryOptions(b.ctx)...)
	if err != nil {
		return 0, err
	}
	return ContentID(row.ID), nil
}

func (b *SqliteBackend) Read(id ContentID, offset uint64, buf []byte) (int, error) {
	data, err := b.load(id)
	if err != nil {
		return 0, err
	}
	if offset >= uint64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

func (b *SqliteBackend) Write(id ContentID, offset uint64, data []byte) (int, error) {
	existing, err := b.load(id)
	if err != nil {
		return 0, err
	}
	end := offset + uint64(len(data))
	if end > uint64(len(existing)) {
		grown := make([]byte, end)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:], data)
	if err := b.store(id, existing); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (b *SqliteBackend) Truncate(id ContentID, length uint64) error {
	existing, err := b.load(id)
	if err != nil {
		return err
	}
	if length == uint64(len(existing)) {
		return nil
	}
	resized := make([]byte, length)
	copy(resized, existing)
	return b.store(id, resized)
}

func (b *SqliteBackend) Len(id ContentID) (uint64, error) {
	size, err := util.RetryWithResult(b.ctx, func() (uint64, error) {
		var n sql.NullInt64
		err := b.db.NewRaw(`SELECT LENGTH(data) FROM content WHERE id = ?`, int64(id)).Scan(b.ctx, &n)
		if err == sql.ErrNoRows || !n.Valid {
			return 0, common.ErrNotFound
		}
		return uint64(n.Int64), err
	}, util.DatabaseRetryOptions(b.ctx)...)
	return size, err
}

func (b *SqliteBackend) CloneCoW(id ContentID) (ContentID, error) {
	data, err := b.load(id)
	if err != nil {
		return 0, err
	}
	return b.Allocate(data)
}

func (b *SqliteBackend) BytesStored() uint64 {
	var total sql.NullInt64
	if err := b.db.NewRaw(`SELECT COALESCE(SUM(LENGTH(data)), 0) FROM content`).Scan(b.ctx, &total); err != nil {
		return 0
	}
	return uint64(total.Int64)
}

func (b *SqliteBackend) Close() error {
	return b.db.Close()
}
