package cmd

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/artifact"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/config"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/db"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/kv"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/plog"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/runner"
)

// stores are the optional backends described by the service settings.
type stores struct {
	status    *kv.StatusStore
	history   *db.History
	artifacts artifact.Store

	kv kv.Store
	db *bun.DB
}

func openStores(ctx context.Context, s *config.Settings, log *plog.Logger) (*stores, error) {
	st := &stores{}

	if s.RedisAddr != "" {
		redisStore, err := kv.NewRedisStore(ctx, kv.RedisConfig{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		st.kv = redisStore
	} else {
		st.kv = kv.NewMemoryStore()
	}
	st.status = kv.NewStatusStore(st.kv, log)

	if s.DatabaseEnabled() {
		database, err := db.New(ctx, db.Config{DSN: s.DSN(), Debug: s.DBDebug})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		st.db = database
		st.history = db.NewHistory(database, log)
	}

	if s.S3Endpoint != "" {
		s3, err := newArtifactStore(s)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to initialize artifact storage: %w", err)
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to ensure bucket %s: %w", s.S3Bucket, err)
		}
		st.artifacts = s3
	}

	return st, nil
}

func newArtifactStore(s *config.Settings) (*artifact.S3Store, error) {
	return artifact.NewS3Store(artifact.S3Config{
		Endpoint:  s.S3Endpoint,
		AccessKey: s.S3AccessKey,
		SecretKey: s.S3SecretKey,
		Bucket:    s.S3Bucket,
		UseSSL:    s.S3UseSSL,
	})
}

// runnerOptions attaches the stores to a runner.
func (st *stores) runnerOptions(log *plog.Logger) []runner.Option {
	opts := []runner.Option{runner.WithObservers(st.status)}
	if st.history != nil {
		opts = append(opts, runner.WithObservers(st.history))
	}
	if st.artifacts != nil {
		opts = append(opts, runner.WithArchiver(artifact.NewArchiver(st.artifacts, log)))
	}
	return opts
}

func (st *stores) Close() {
	if st.kv != nil {
		st.kv.Close()
	}
	if st.db != nil {
		st.db.Close()
	}
}
