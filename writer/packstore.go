package writer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "ingestflow/config"
	"ingestflow/logger"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// PackStore shares captured golden packs through an S3 bucket.
type PackStore struct {
	client  s3API
	bucket  string
	prefix  string
	version string
	log     *logger.Entry
}

// PackInfo describes one stored pack.
type PackInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// NewPackStore builds the S3 client. Static credentials are used when both
// keys are configured, the default AWS chain otherwise.
func NewPackStore(ctx context.Context, cfg appconfig.PackStoreConfig, version string) (*PackStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("capture.store.bucket is required")
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newPackStore(client, cfg, version), nil
}

func newPackStore(client s3API, cfg appconfig.PackStoreConfig, version string) *PackStore {
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &PackStore{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  prefix,
		version: version,
		log: logger.GetLogger().WithComponent("pack_store").WithFields(logger.Fields{
			"bucket": cfg.Bucket,
		}),
	}
}

func (p *PackStore) key(name string) string { return p.prefix + path.Base(name) }

// Push uploads the pack at file under its base name and returns the object
// key.
func (p *PackStore) Push(ctx context.Context, file string) (string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("failed to read pack: %w", err)
	}
	sum := sha256.Sum256(data)
	key := p.key(filepath.Base(file))

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"records":            strconv.Itoa(bytes.Count(data, []byte{'\n'})),
			"sha256":             hex.EncodeToString(sum[:]),
			"ingestflow-version": p.version,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload pack to bucket %s: %w", p.bucket, err)
	}
	p.log.WithFields(logger.Fields{"key": key, "size": len(data)}).Info("pack uploaded")
	return key, nil
}

// Pull downloads pack name into dst. The checksum recorded on upload is
// verified before dst is written.
func (p *PackStore) Pull(ctx context.Context, name, dst string) error {
	key := p.key(name)
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to fetch pack %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("failed to read pack %s: %w", key, err)
	}
	if want := out.Metadata["sha256"]; want != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != want {
			return fmt.Errorf("pack %s checksum mismatch: got %s, want %s", key, got, want)
		}
	}
	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	p.log.WithFields(logger.Fields{"key": key, "dst": dst}).Debug("pack downloaded")
	return nil
}

// List returns every pack under the store prefix.
func (p *PackStore) List(ctx context.Context) ([]PackInfo, error) {
	var packs []PackInfo
	pages := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list packs: %w", err)
		}
		for _, obj := range page.Contents {
			packs = append(packs, PackInfo{
				Name:     strings.TrimPrefix(aws.ToString(obj.Key), p.prefix),
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return packs, nil
}
