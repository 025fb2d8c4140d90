// Package archive uploads finished batch reports to S3 for long-term
// retention. Uploads happen off the dispatch path via the engine's
// completion hook.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/sms-dispatch/internal/config"
	"github.com/ignite/sms-dispatch/internal/domain"
	"github.com/ignite/sms-dispatch/internal/pkg/logger"
)

// S3API is the slice of the S3 client the archiver uses; tests inject fakes.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads batch reports. A nil *Archiver is valid and ignores
// every call, which is how a deployment without S3 runs.
type Archiver struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
}

// New creates an archiver from config, loading the AWS credential chain
// with an optional shared profile. Returns nil when archiving is disabled.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	if !cfg.Enabled || cfg.S3Bucket == "" {
		return nil, nil
	}

	var awsCfg aws.Config
	var err error
	if profile := cfg.GetAWSProfile(); profile != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.AWSRegion),
			awsconfig.WithSharedConfigProfile(profile),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.AWSRegion),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
		prefix: cfg.S3Prefix,
		now:    time.Now,
	}, nil
}

// SaveReport uploads one batch aggregate as indented JSON under
// <prefix>/yyyy/mm/dd/<batch-id>.json.
func (a *Archiver) SaveReport(ctx context.Context, result *domain.BatchOperationResult) error {
	if a == nil || result == nil {
		return nil
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s.json", a.prefix, a.now().UTC().Format("2006/01/02"), result.BatchID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting report to S3: %w", err)
	}

	logger.Info("batch report archived", "batch_id", result.BatchID, "key", key)
	return nil
}

// Hook adapts the archiver to the engine's completion callback. The upload
// gets its own timeout because the hook runs detached from any request.
func (a *Archiver) Hook() func(*domain.BatchOperationResult) {
	return func(result *domain.BatchOperationResult) {
		if a == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.SaveReport(ctx, result); err != nil {
			logger.Error("archiving batch report failed", "batch_id", result.BatchID, "error", err.Error())
		}
	}
}
