// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package calibrate

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

// paramsKey is versioned so a future Parameters shape can coexist with
// old on-disk state instead of failing to decode it.
const paramsKey = "veritas/calibration/v1/parameters"

// Store persists calibration parameters across restarts.
//
// Load returns (nil, nil) when no parameters have been saved yet.
type Store interface {
	Save(ctx context.Context, p *Parameters) error
	Load(ctx context.Context) (*Parameters, error)
	Close() error
}

// =============================================================================
// BadgerStore
// =============================================================================

// BadgerStore keeps calibration parameters in an embedded badger database.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore opens (or creates) a badger database at dir.
//
// # Inputs
//
//   - dir: Filesystem path for the database. Created if missing.
//   - logger: May be nil.
//
// # Outputs
//
//   - *BadgerStore: Nil on error.
//   - error: Non-nil when the database cannot be opened.
func NewBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening calibration store at %s: %w", dir, err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Save writes the parameters, replacing any previous version.
func (s *BadgerStore) Save(ctx context.Context, p *Parameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeParameters(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(paramsKey), data)
	})
}

// Load reads the persisted parameters. A missing key is not an error.
func (s *BadgerStore) Load(ctx context.Context) (*Parameters, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var p *Parameters
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(paramsKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, decErr := decodeParameters(val)
			if decErr != nil {
				// Corrupt or incompatible state: start fresh rather
				// than refusing to serve.
				s.logger.Warn("discarding undecodable calibration parameters",
					slog.String("error", decErr.Error()))
				return nil
			}
			p = decoded
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading calibration parameters: %w", err)
	}
	return p, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func encodeParameters(p *Parameters) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("encoding calibration parameters: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeParameters(data []byte) (*Parameters, error) {
	var p Parameters
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
