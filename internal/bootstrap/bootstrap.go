// Package bootstrap provides dependency initialization for the conversion API.
package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	"github.com/waveforge/convert-api/internal/config"
	"github.com/waveforge/convert-api/internal/convert"
	"github.com/waveforge/convert-api/internal/job"
	"github.com/waveforge/convert-api/internal/progress"
	"github.com/waveforge/convert-api/internal/recovery"
	"github.com/waveforge/convert-api/internal/storage"
	"github.com/waveforge/convert-api/internal/transcode"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Service    *convert.Service
	Supervisor *transcode.Supervisor
	Reaper     *recovery.Reaper
}

// NewDependencies creates and initializes all dependencies for the application.
// The transcoder is probed before anything else; a missing binary fails startup.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	supervisor := transcode.NewSupervisor(cfg.TranscoderPath, logger)
	if err := supervisor.Probe(ctx); err != nil {
		return nil, fmt.Errorf("probe transcoder: %w", err)
	}

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	gateway, err := initGateway(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	jobs, channel, err := initStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	pipeline := convert.NewPipeline(gateway, jobs, channel, supervisor, nil, logger,
		convert.WithTempDir(cfg.TempDir),
	)
	svc := convert.NewService(gateway, jobs, channel, pipeline, supervisor, cfg.StorageBucket, logger)
	reaper := recovery.NewReaper(jobs, channel, supervisor, logger)

	return &Dependencies{
		Service:    svc,
		Supervisor: supervisor,
		Reaper:     reaper,
	}, nil
}

// initGateway creates the object storage backend based on configuration.
func initGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Gateway, error) {
	if !cfg.UseRealCloud {
		logger.Info("in-memory storage gateway configured")
		return storage.NewMemoryGateway(), nil
	}

	gw, err := storage.NewS3Gateway(ctx, storage.S3Config{
		Region:          cfg.StorageRegion,
		Endpoint:        cfg.StorageEndpoint,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 gateway: %w", err)
	}
	logger.Info("S3 gateway configured",
		slog.String("bucket", cfg.StorageBucket),
		slog.String("region", cfg.StorageRegion),
	)
	return gw, nil
}

// initStores creates the job store and the two-tier progress channel.
func initStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (job.Store, progress.Channel, error) {
	if !cfg.UseRealCloud {
		logger.Info("in-memory job and progress stores configured")
		channel := progress.NewTieredChannel(progress.NewMemoryStore(), progress.NewMemoryStore(), logger)
		return job.NewMemoryStore(), channel, nil
	}

	dynamoClient, err := newDynamoClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	jobs := job.NewDynamoStore(dynamoClient, cfg.JobTable)

	redisOpts := &redis.Options{
		Addr:     cfg.ProgressPrimaryAddr(),
		Password: cfg.ProgressPrimaryPassword,
	}
	if cfg.ProgressPrimaryTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	primary := progress.NewRedisStore(redis.NewClient(redisOpts))
	fallback := progress.NewDynamoStore(dynamoClient, cfg.JobTable)
	channel := progress.NewTieredChannel(primary, fallback, logger)

	logger.Info("cloud job and progress stores configured",
		slog.String("job_table", cfg.JobTable),
		slog.String("progress_primary", cfg.ProgressPrimaryAddr()),
	)
	return jobs, channel, nil
}

// newDynamoClient builds the DynamoDB client shared by the job store and the
// progress fallback tier. Storage retry policy lives in the S3 gateway; the
// job store relies on the SDK defaults.
func newDynamoClient(ctx context.Context, cfg *config.Config) (*dynamodb.Client, error) {
	configOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.StorageRegion),
	}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.StorageEndpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		})
	}
	return dynamodb.NewFromConfig(awsCfg, clientOpts...), nil
}
