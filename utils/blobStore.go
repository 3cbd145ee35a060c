package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// BlobStore is the object storage used for signatures, evidence photos and actas.
type BlobStore interface {
	// Upload stores data under objectKey and returns the URL to persist on records.
	Upload(ctx context.Context, objectKey string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, objectKey string) ([]byte, error)
	AccessURL(ctx context.Context, objectKey string) (string, error)
	ObjectKeyFromURL(rawURL string) string
}

const firebaseDownloadTokenKey = "firebaseStorageDownloadTokens"

// NewBlobStoreFromEnv builds the store selected by STORAGE_PROVIDER.
func NewBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	switch provider := GetStorageProvider(); provider {
	case StorageProviderLocal:
		root := strings.TrimSpace(os.Getenv("LOCAL_STORAGE_DIR"))
		if root == "" {
			root = "./storage"
		}
		return NewLocalBlobStore(root, os.Getenv("STORAGE_ACCESS_BASE_URL")), nil
	case StorageProviderGCS, StorageProviderFirebase:
		bucket := GetStorageBucket()
		if bucket == "" {
			return nil, errors.New("GCS_BUCKET is required")
		}
		client, err := getGoogleClient(ctx)
		if err != nil {
			return nil, err
		}
		return &GCSBlobStore{
			client:     client,
			bucket:     bucket,
			firebase:   provider == StorageProviderFirebase,
			signedURLs: BoolFromEnv("GCS_SIGNED_URLS", false),
			signedTTL:  DurationFromEnv("GCS_SIGNED_URL_TTL", 7*24*time.Hour),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage provider %q", provider)
	}
}

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// FetchBlobByURL downloads the object a stored URL points to.
func FetchBlobByURL(ctx context.Context, store BlobStore, rawURL string) ([]byte, error) {
	key := store.ObjectKeyFromURL(rawURL)
	if key == "" {
		return nil, fmt.Errorf("cannot resolve object key from %q", rawURL)
	}
	return store.Download(ctx, key)
}

/* Google Cloud Storage (plain bucket or Firebase default bucket) */

type GCSBlobStore struct {
	client     *storage.Client
	bucket     string
	firebase   bool
	signedURLs bool
	signedTTL  time.Duration
}

func (s *GCSBlobStore) Upload(ctx context.Context, objectKey string, data []byte, contentType string) (string, error) {
	wc := s.client.Bucket(s.bucket).Object(objectKey).NewWriter(ctx)
	wc.ContentType = contentType
	var token string
	if s.firebase {
		token = uuid.NewString()
		wc.Metadata = map[string]string{firebaseDownloadTokenKey: token}
	}

	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("failed to upload bytes to Google Cloud Storage: %w", err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}

	if s.firebase {
		return BuildFirebaseDownloadURL(s.bucket, objectKey, token), nil
	}
	return s.AccessURL(ctx, objectKey)
}

func (s *GCSBlobStore) Download(ctx context.Context, objectKey string) ([]byte, error) {
	rc, err := s.client.Bucket(s.bucket).Object(objectKey).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", objectKey, ErrorObjectNotFound)
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *GCSBlobStore) AccessURL(ctx context.Context, objectKey string) (string, error) {
	if s.firebase {
		attrs, err := s.client.Bucket(s.bucket).Object(objectKey).Attrs(ctx)
		if err != nil {
			return "", err
		}
		token, _, _ := strings.Cut(attrs.Metadata[firebaseDownloadTokenKey], ",")
		return BuildFirebaseDownloadURL(s.bucket, objectKey, token), nil
	}
	if s.signedURLs {
		return SignDownloadURL(ctx, s.bucket, objectKey, s.signedTTL)
	}
	return BuildObjectAccessURL(objectKey), nil
}

func (s *GCSBlobStore) ObjectKeyFromURL(rawURL string) string {
	return ExtractObjectKeyFromURL(rawURL)
}

func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}

/* Local directory (development and tests) */

type LocalBlobStore struct {
	Root    string
	BaseURL string
}

func NewLocalBlobStore(root, baseURL string) *LocalBlobStore {
	return &LocalBlobStore{Root: root, BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
}

func (s *LocalBlobStore) path(objectKey string) (string, error) {
	if objectKey == "" || strings.Contains(objectKey, "..") {
		return "", fmt.Errorf("invalid object key %q", objectKey)
	}
	return filepath.Join(s.Root, filepath.FromSlash(objectKey)), nil
}

func (s *LocalBlobStore) Upload(ctx context.Context, objectKey string, data []byte, contentType string) (string, error) {
	p, err := s.path(objectKey)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	return s.AccessURL(ctx, objectKey)
}

func (s *LocalBlobStore) Download(ctx context.Context, objectKey string) ([]byte, error) {
	p, err := s.path(objectKey)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", objectKey, ErrorObjectNotFound)
	}
	return data, err
}

func (s *LocalBlobStore) AccessURL(ctx context.Context, objectKey string) (string, error) {
	if s.BaseURL == "" {
		return objectKey, nil
	}
	return s.BaseURL + "/" + objectKey, nil
}

func (s *LocalBlobStore) ObjectKeyFromURL(rawURL string) string {
	if s.BaseURL != "" && strings.HasPrefix(rawURL, s.BaseURL+"/") {
		return strings.TrimPrefix(rawURL, s.BaseURL+"/")
	}
	return ExtractObjectKeyFromURL(rawURL)
}
