package gcp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
)

// BucketService archives generated course imagery so assets survive outside
// the site media library and can be reused across publishes.
type BucketService interface {
	UploadObject(ctx context.Context, key string, data []byte, contentType string) error
	PublicURL(key string) string
}

type bucketService struct {
	log           *logger.Logger
	storageClient *storage.Client
	bucketName    string
	publicBaseURL string
}

func NewBucketService(log *logger.Logger) (BucketService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	bucketName := strings.TrimSpace(os.Getenv("ASSET_GCS_BUCKET_NAME"))
	if bucketName == "" {
		return nil, fmt.Errorf("missing env var ASSET_GCS_BUCKET_NAME")
	}

	publicBaseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("ASSET_PUBLIC_BASE_URL")), "/")
	if publicBaseURL == "" {
		publicBaseURL = "https://storage.googleapis.com"
	}

	var opts []option.ClientOption
	if creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}

	ctx := context.Background()
	stClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	serviceLog := log.With("service", "BucketService")
	serviceLog.Info("Asset archive bucket initialized", "bucket", bucketName)

	return &bucketService{
		log:           serviceLog,
		storageClient: stClient,
		bucketName:    bucketName,
		publicBaseURL: publicBaseURL,
	}, nil
}

func (bs *bucketService) UploadObject(ctx context.Context, key string, data []byte, contentType string) error {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return fmt.Errorf("object key required")
	}
	if len(data) == 0 {
		return fmt.Errorf("empty object payload")
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := bs.storageClient.Bucket(bs.bucketName).Object(key).NewWriter(ctx)
	if strings.TrimSpace(contentType) != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("bucket write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("bucket close %q: %w", key, err)
	}
	return nil
}

func (bs *bucketService) PublicURL(key string) string {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	return fmt.Sprintf("%s/%s/%s", bs.publicBaseURL, bs.bucketName, key)
}
