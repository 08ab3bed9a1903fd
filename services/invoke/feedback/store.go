// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feedback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/storage/badger"
)

const keyPrefix = "feedback/"

// BadgerStore persists records in the embedded store.
//
// Keys are "feedback/<unix nanos, zero padded>/<id>", so key order is
// timestamp order and Load returns records as they were appended.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open store. The caller keeps ownership of db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func recordKey(r Record) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", keyPrefix, r.Timestamp.UnixNano(), r.ID))
}

// Append writes one record.
func (s *BadgerStore) Append(ctx context.Context, r Record) error {
	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode feedback %s: %w", r.ID, err)
	}
	return s.db.Put(ctx, recordKey(r), val)
}

// Load reads every record in append order.
func (s *BadgerStore) Load(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.db.Scan(ctx, []byte(keyPrefix), func(key, value []byte) error {
		var r Record
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("decode feedback %s: %w", key, err)
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Count returns the number of stored records.
func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	return s.db.Count(ctx, []byte(keyPrefix))
}
