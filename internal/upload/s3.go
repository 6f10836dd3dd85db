// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package upload envia arquivos XDF finalizados para um bucket S3.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-recorder/internal/config"
)

// uploadTimeout limita cada PutObject.
const uploadTimeout = 10 * time.Minute

// Uploader envia gravações finalizadas para S3. Falhas de upload são
// logadas e nunca afetam o estado da sessão.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewUploader cria um Uploader a partir do bloco upload da configuração.
// Sem credenciais estáticas, usa a cadeia default do SDK (env, profile,
// IMDS). Endpoint custom ativa path-style (MinIO).
func NewUploader(ctx context.Context, cfg config.UploadInfo, logger *slog.Logger) (*Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With("component", "uploader"),
	}, nil
}

// Upload envia um arquivo para o bucket. A key é prefix + basename.
func (u *Uploader) Upload(ctx context.Context, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("opening file for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating file for upload: %w", err)
	}

	key := u.ObjectKey(filePath)
	u.logger.Info("uploading recording", "file", filePath, "bucket", u.bucket, "key", key, "bytes", info.Size())

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	start := time.Now()
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", filePath, u.bucket, key, err)
	}

	u.logger.Info("upload complete", "key", key, "duration", time.Since(start))
	return nil
}

// ObjectKey monta a key do objeto para um path local.
func (u *Uploader) ObjectKey(filePath string) string {
	base := filepath.Base(filePath)
	prefix := strings.Trim(u.prefix, "/")
	if prefix == "" {
		return base
	}
	return path.Join(prefix, base)
}
