// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key layout:
//
//	chat/<chatID>       → JSON-encoded Chat (with TTL)
//	session/<sessionID> → chatID binding for AppendTurn (with TTL)
const (
	chatPrefix    = "chat/"
	sessionPrefix = "session/"
)

// Config holds configuration for the badger-backed chat store.
type Config struct {
	// Path is the directory for database files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Retention is how long chats live before expiring.
	// Default: DefaultRetention.
	Retention time.Duration

	// GCInterval is how often value log garbage collection runs.
	// Default: 5 minutes. Zero disables GC (and in-memory mode never
	// runs it).
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before GC rewrites a
	// value log file. Default: 0.5.
	GCDiscardRatio float64

	// Logger may be nil, in which case the database's internal logging
	// is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable writes, 90-day
// retention, GC every 5 minutes.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		Retention:      DefaultRetention,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns test defaults: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:  true,
		Retention: DefaultRetention,
	}
}

// badgerLogger adapts slog.Logger to the database's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Compile-time interface check.
var _ ChatStore = (*badgerStore)(nil)

// badgerStore implements ChatStore over an embedded BadgerDB.
type badgerStore struct {
	db        *badger.DB
	retention time.Duration
	log       *slog.Logger

	// sessionMu serializes AppendTurn's find-or-create per process so two
	// concurrent turns for a fresh session don't create two chats.
	sessionMu sync.Mutex

	gcStop chan struct{}
	gcDone chan struct{}
}

// Open creates a badger-backed chat store.
func Open(cfg Config) (ChatStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &badgerStore{
		db:        db,
		retention: cfg.Retention,
		log:       logger.With("component", "chat_store"),
		gcStop:    make(chan struct{}),
		gcDone:    make(chan struct{}),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		go s.runGC(cfg.GCInterval, ratio)
	} else {
		close(s.gcDone)
	}

	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *badgerStore) Close() error {
	select {
	case <-s.gcStop:
	default:
		close(s.gcStop)
	}
	<-s.gcDone
	return s.db.Close()
}

// runGC triggers value log garbage collection on a fixed interval.
// ErrNoRewrite means nothing needed collecting, not a failure.
func (s *badgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn("value log GC error", "error", err)
			}
		}
	}
}

// =============================================================================
// ChatStore Implementation
// =============================================================================

func (s *badgerStore) Create(ctx context.Context, sessionID string, messages []Message) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	now := time.Now().UTC()
	chat := Chat{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Messages:  messages,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(messages) > 0 {
		chat.Title = deriveTitle(messages[0].Content)
	} else {
		chat.Title = deriveTitle("")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := s.putChat(txn, chat); err != nil {
			return err
		}
		if sessionID != "" {
			return s.putSessionBinding(txn, sessionID, chat.ID)
		}
		return nil
	})
	if err != nil {
		return Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

func (s *badgerStore) Get(ctx context.Context, id string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	var chat Chat
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		chat, err = s.getChat(txn, id)
		return err
	})
	if err != nil {
		return Chat{}, err
	}
	return chat, nil
}

func (s *badgerStore) List(ctx context.Context) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var summaries []Summary
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(chatPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var chat Chat
				if err := json.Unmarshal(val, &chat); err != nil {
					// A corrupt record should not break listing.
					s.log.Warn("skipping undecodable chat record",
						"key", string(it.Item().Key()), "error", err)
					return nil
				}
				summaries = append(summaries, Summary{
					ID:           chat.ID,
					Title:        chat.Title,
					MessageCount: len(chat.Messages),
					CreatedAt:    chat.CreatedAt,
					UpdatedAt:    chat.UpdatedAt,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func (s *badgerStore) Append(ctx context.Context, id string, msg Message) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	var chat Chat
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		chat, err = s.getChat(txn, id)
		if err != nil {
			return err
		}
		chat.Messages = append(chat.Messages, msg)
		chat.UpdatedAt = time.Now().UTC()
		return s.putChat(txn, chat)
	})
	if err != nil {
		return Chat{}, err
	}
	return chat, nil
}

func (s *badgerStore) AppendTurn(ctx context.Context, sessionID, role, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	msg := Message{Role: role, Content: content, Timestamp: time.Now().UTC()}

	chatID, err := s.sessionChatID(sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err = s.Create(ctx, sessionID, []Message{msg})
		return err
	}

	_, err = s.Append(ctx, chatID, msg)
	if errors.Is(err, ErrNotFound) {
		// The chat expired under its session binding; start fresh.
		_, err = s.Create(ctx, sessionID, []Message{msg})
	}
	return err
}

func (s *badgerStore) UpdateTitle(ctx context.Context, id, title string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		chat, err := s.getChat(txn, id)
		if err != nil {
			return err
		}
		chat.Title = title
		chat.UpdatedAt = time.Now().UTC()
		return s.putChat(txn, chat)
	})
}

func (s *badgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(chatPrefix + id))
	})
}

// =============================================================================
// Internal Helpers
// =============================================================================

// getChat reads and decodes one chat inside a transaction.
func (s *badgerStore) getChat(txn *badger.Txn, id string) (Chat, error) {
	item, err := txn.Get([]byte(chatPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat %s: %w", id, err)
	}

	var chat Chat
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &chat)
	})
	if err != nil {
		return Chat{}, fmt.Errorf("decode chat %s: %w", id, err)
	}
	return chat, nil
}

// putChat encodes and writes one chat with a fresh retention window.
func (s *badgerStore) putChat(txn *badger.Txn, chat Chat) error {
	raw, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("encode chat %s: %w", chat.ID, err)
	}
	entry := badger.NewEntry([]byte(chatPrefix+chat.ID), raw).WithTTL(s.retention)
	return txn.SetEntry(entry)
}

// putSessionBinding records which chat a session writes into.
func (s *badgerStore) putSessionBinding(txn *badger.Txn, sessionID, chatID string) error {
	entry := badger.NewEntry([]byte(sessionPrefix+sessionID), []byte(chatID)).WithTTL(s.retention)
	return txn.SetEntry(entry)
}

// sessionChatID resolves a session's bound chat id.
func (s *badgerStore) sessionChatID(sessionID string) (string, error) {
	var chatID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionPrefix + sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			chatID = string(val)
			return nil
		})
	})
	return chatID, err
}
