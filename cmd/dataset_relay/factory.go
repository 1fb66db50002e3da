package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/italolelis/dataset_relay/internal/config"
	"github.com/italolelis/dataset_relay/internal/enumerate"
	"github.com/italolelis/dataset_relay/internal/logctx"
	"github.com/italolelis/dataset_relay/internal/objectstore"
	"github.com/italolelis/dataset_relay/internal/objectstore/blobstore"
	"github.com/italolelis/dataset_relay/internal/objectstore/s3store"
	"github.com/italolelis/dataset_relay/internal/storage"
	"github.com/italolelis/dataset_relay/internal/storage/sqlite"
	"github.com/italolelis/dataset_relay/internal/storage/surreal"
	"github.com/italolelis/dataset_relay/internal/telemetry"
	"github.com/italolelis/dataset_relay/internal/transfer"
)

// This is an abstract factory for the transfer recorder.
func buildRecorder(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (storage.Recorder, error) {
	var (
		recorder storage.Recorder
		err      error
	)

	switch cfg.Recorder {
	case config.RecorderSQLite:
		recorder, err = sqlite.Open(cfg.DBPath, cfg.RecordHistory)
	case config.RecorderSurreal:
		recorder, err = surreal.Open(ctx, surreal.Config{
			URL:       cfg.SurrealDB.URL,
			Namespace: cfg.SurrealDB.Namespace,
			Database:  cfg.SurrealDB.Database,
			Username:  cfg.SurrealDB.Username,
			Password:  cfg.SurrealDB.Password,
			AuthLevel: cfg.SurrealDB.AuthLevel,
		}, cfg.RecordHistory, logctx.LoggerFromContext(ctx))
	default:
		return nil, fmt.Errorf("invalid recorder: %s", cfg.Recorder)
	}

	if err != nil {
		return nil, err
	}

	return storage.NewInstrumentedRecorder(recorder, tel), nil
}

// This is an abstract factory for the destination object store.
func buildStore(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (objectstore.Store, error) {
	var (
		store objectstore.Store
		err   error
	)

	switch cfg.StoreDriver {
	case config.StoreBlob:
		store, err = blobstore.Open(ctx, cfg.BucketURL)
	case config.StoreS3:
		store, err = s3store.New(ctx, s3Config(cfg, cfg.S3Bucket))
	default:
		return nil, fmt.Errorf("invalid store driver: %s", cfg.StoreDriver)
	}

	if err != nil {
		return nil, err
	}

	return objectstore.NewInstrumentedStore(store, tel, cfg.StoreDriver), nil
}

// openSourceBucket opens the bucket listed by the bucket source with the same driver
// as the destination store. SOURCE_BUCKET is a bucket URL for the blob driver and a
// bucket name for s3.
func openSourceBucket(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (objectstore.Store, error) {
	var (
		store objectstore.Store
		err   error
	)

	switch cfg.StoreDriver {
	case config.StoreS3:
		store, err = s3store.New(ctx, s3Config(cfg, cfg.SourceBucket))
	default:
		store, err = blobstore.Open(ctx, cfg.SourceBucket)
	}

	if err != nil {
		return nil, err
	}

	return objectstore.NewInstrumentedStore(store, tel, "source_"+cfg.StoreDriver), nil
}

func s3Config(cfg *config.Config, bucket string) s3store.Config {
	return s3store.Config{
		Bucket:       bucket,
		Region:       cfg.S3Region,
		Endpoint:     cfg.S3Endpoint,
		AccessKey:    cfg.AWSAccessKeyID,
		SecretKey:    cfg.AWSSecretAccessKey,
		SessionToken: cfg.AWSSessionToken,
	}
}

// This is an abstract factory for the work item source.
func buildEnumerator(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (enumerate.Enumerator, error) {
	switch cfg.Source {
	case config.SourceStatic:
		return &enumerate.Static{Path: cfg.Input, URLs: cfg.URLs, KeyPrefix: cfg.KeyPrefix}, nil
	case config.SourceLines:
		return &enumerate.LineFile{
			Path:      cfg.Input,
			Prefix:    cfg.LinePrefix,
			Suffix:    cfg.LineSuffix,
			KeyPrefix: cfg.KeyPrefix,
		}, nil
	case config.SourceHTML:
		links := &enumerate.HTMLLinks{
			Pages:     htmlPages(cfg),
			Format:    cfg.LinkFormat,
			KeyPrefix: cfg.KeyPrefix,
		}

		if isPageFile(cfg.Input) {
			links.PageFile = &enumerate.LineFile{
				Path:   cfg.Input,
				Prefix: cfg.LinePrefix,
				Suffix: cfg.LineSuffix,
			}
		}

		return links, nil
	case config.SourceHF:
		return &enumerate.HFTree{
			Endpoint:  cfg.HFEndpoint,
			Repo:      cfg.HFRepo,
			Revision:  cfg.HFRevision,
			Dataset:   cfg.HFDataset,
			Prefix:    cfg.HFPrefix,
			Token:     cfg.HFToken,
			KeyPrefix: cfg.KeyPrefix,
		}, nil
	case config.SourceGitHub:
		return &enumerate.GitHubSearch{
			BaseURL:        cfg.GitHubAPIURL,
			Token:          cfg.GitHubToken,
			CheckpointPath: cfg.GitHubCheckpoint,
			MinStars:       cfg.GitHubMinStars,
			MaxSize:        cfg.GitHubMaxSize,
			MaxRepos:       cfg.GitHubMaxRepos,
			KeyPrefix:      cfg.KeyPrefix,
		}, nil
	case config.SourceBucket:
		store, err := openSourceBucket(ctx, cfg, tel)
		if err != nil {
			return nil, fmt.Errorf("failed to open source bucket: %w", err)
		}

		return &closingEnumerator{
			Enumerator: &enumerate.BucketListing{
				Store:     store,
				Prefix:    cfg.SourcePrefix,
				Suffix:    cfg.SourceSuffix,
				BaseURL:   cfg.SourceBaseURL,
				KeyPrefix: cfg.KeyPrefix,
			},
			store: store,
		}, nil
	}

	return nil, fmt.Errorf("invalid source: %s", cfg.Source)
}

// htmlPages takes URLS, and INPUT when it is a page URL, as the pages to scan.
func htmlPages(cfg *config.Config) []string {
	var pages []string

	candidates := cfg.URLs
	if !isPageFile(cfg.Input) {
		candidates = append([]string{cfg.Input}, cfg.URLs...)
	}

	for _, p := range candidates {
		if p = strings.TrimSpace(p); p != "" {
			pages = append(pages, p)
		}
	}

	return pages
}

// isPageFile reports whether INPUT names a local list of item pages rather than a page URL.
func isPageFile(input string) bool {
	input = strings.TrimSpace(input)

	return input != "" && !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://")
}

// closingEnumerator releases the source bucket once the listing is done.
type closingEnumerator struct {
	enumerate.Enumerator
	store objectstore.Store
}

func (e *closingEnumerator) Enumerate(ctx context.Context) ([]*transfer.WorkItem, error) {
	defer e.store.Close()

	return e.Enumerator.Enumerate(ctx)
}
