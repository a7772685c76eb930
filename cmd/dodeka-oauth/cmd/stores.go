package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
	"github.com/dsav-dodeka/dodeka-oauth/storage/memory"
	"github.com/dsav-dodeka/dodeka-oauth/storage/postgres"
	"github.com/dsav-dodeka/dodeka-oauth/storage/sqlite"
	"github.com/dsav-dodeka/dodeka-oauth/storage/valkey"
)

// stores holds the transient (KV) and durable (DB) backends.
type stores struct {
	flows  storage.FlowStore
	cache  storage.KeyCache
	locks  storage.LockStore
	tokens storage.TokenStore
	users  storage.UserStore
	keys   storage.KeyStore

	closers []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

type durableStore interface {
	storage.TokenStore
	storage.UserStore
	storage.KeyStore
}

type transientStore interface {
	storage.FlowStore
	storage.KeyCache
	storage.LockStore
}

func openStores(ctx context.Context, s *settings, logger *slog.Logger, inst *instrumentation.Instrumentation) (*stores, error) {
	st := &stores{}

	// one memory store serves both sides when both are in memory
	var mem *memory.Store
	memoryStore := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
			mem.SetLogger(logger)
			mem.SetInstrumentation(inst)
			st.closers = append(st.closers, mem.Stop)
		}
		return mem
	}

	var kv transientStore
	switch s.KV.Backend {
	case backendValkey:
		vs, err := valkey.New(valkey.Config{
			Address:         s.KV.Address,
			Password:        s.KV.Password,
			DB:              s.KV.DB,
			KeyPrefix:       s.KV.KeyPrefix,
			DisableCache:    s.KV.DisableCache,
			Logger:          logger,
			Instrumentation: inst,
		})
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, vs.Close)
		kv = vs
	case backendMemory:
		logger.Warn("Using in-memory KV store: state is lost on restart and not shared between processes")
		kv = memoryStore()
	default:
		return nil, fmt.Errorf("unknown kv backend %q", s.KV.Backend)
	}

	var db durableStore
	switch s.DB.Backend {
	case backendPostgres:
		ps, err := postgres.New(ctx, postgres.Config{DSN: s.DB.DSN, Logger: logger, Instrumentation: inst})
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, ps.Close)
		db = ps
	case backendSQLite:
		ss, err := sqlite.New(ctx, sqlite.Config{Path: s.DB.Path, Logger: logger, Instrumentation: inst})
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, func() {
			if err := ss.Close(); err != nil {
				logger.Warn("Failed to close sqlite store", "error", err)
			}
		})
		db = ss
	case backendMemory:
		logger.Warn("Using in-memory database: users, keys and refresh tokens are lost on restart")
		db = memoryStore()
	default:
		st.Close()
		return nil, fmt.Errorf("unknown db backend %q", s.DB.Backend)
	}

	st.flows, st.cache, st.locks = kv, kv, kv
	st.tokens, st.users, st.keys = db, db, db
	return st, nil
}
