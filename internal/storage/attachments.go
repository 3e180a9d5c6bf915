package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/shinyyama/farm-market-backend/internal/config"
	"google.golang.org/api/option"
)

var ErrUnsupportedContentType = errors.New("unsupported content type")

// tokenHeader makes the uploaded object readable through the Firebase download URL.
const tokenHeader = "x-goog-meta-firebasestoragedownloadtokens"

var imageExt = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// Upload describes a one-shot direct upload the client performs itself.
type Upload struct {
	UploadURL  string            `json:"uploadUrl"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	ObjectPath string            `json:"objectPath"`
	PublicURL  string            `json:"publicUrl"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}

type AttachmentSigner interface {
	SignImageUpload(ctx context.Context, convID uint64, contentType string) (*Upload, error)
}

type GCSSigner struct {
	client *gcs.Client
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

func NewGCSSigner(ctx context.Context, cfg config.StorageConfig) (*GCSSigner, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: bucket is not set")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: new client: %w", err)
	}
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &GCSSigner{client: client, bucket: cfg.Bucket, ttl: ttl, now: time.Now}, nil
}

func (s *GCSSigner) SignImageUpload(_ context.Context, convID uint64, contentType string) (*Upload, error) {
	ext, ok := imageExt[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	objectPath := fmt.Sprintf("chat/%d/%s.%s", convID, uuid.NewString(), ext)
	token := uuid.NewString()
	expires := s.now().Add(s.ttl)

	signed, err := s.client.Bucket(s.bucket).SignedURL(objectPath, &gcs.SignedURLOptions{
		Scheme:      gcs.SigningSchemeV4,
		Method:      "PUT",
		ContentType: contentType,
		Headers:     []string{tokenHeader + ":" + token},
		Expires:     expires,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: sign url: %w", err)
	}
	return &Upload{
		UploadURL:  signed,
		Method:     "PUT",
		Headers:    map[string]string{"Content-Type": contentType, tokenHeader: token},
		ObjectPath: objectPath,
		PublicURL:  PublicURL(s.bucket, objectPath, token),
		ExpiresAt:  expires,
	}, nil
}

func (s *GCSSigner) Close() error {
	return s.client.Close()
}

// PublicURL is the Firebase download URL of an object carrying a download token.
func PublicURL(bucket, objectPath, token string) string {
	return fmt.Sprintf("https://firebasestorage.googleapis.com/v0/b/%s/o/%s?alt=media&token=%s",
		bucket, url.PathEscape(objectPath), token)
}
