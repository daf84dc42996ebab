package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// Set GCS_CREDENTIALS_JSON to provide explicit JSON (e.g. locally).
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// GCSUploader writes exports into one bucket.
type GCSUploader struct {
	Bucket string
}

func NewGCSUploader(bucket string) (*GCSUploader, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("GCS_EXPORT_BUCKET is required")
	}
	return &GCSUploader{Bucket: bucket}, nil
}

// Upload stores data under objectName and returns its gs:// location.
func (u *GCSUploader) Upload(ctx context.Context, objectName, contentType string, data []byte) (string, error) {
	client, err := getGoogleClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	wc := client.Bucket(u.Bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("failed to upload %s to Google Cloud Storage: %w", objectName, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}
	return "gs://" + u.Bucket + "/" + objectName, nil
}
