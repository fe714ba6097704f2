// Package reports archives migration run results as JSON objects in an
// S3-compatible bucket (MinIO in development).
package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		return c.PutObject(ctx, in, optFns...)
	}

	presignGetObject = func(c *s3.Client, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return s3.NewPresignClient(c).PresignGetObject(ctx, in, optFns...)
	}
)

type Settings struct {
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	BaseEndpoint string
}

type S3Archive struct {
	settings Settings
	now      func() time.Time
}

func NewS3Archive(settings Settings) *S3Archive {
	return &S3Archive{settings: settings, now: time.Now}
}

// ReportKey lays reports out by day so that a bucket listing reads like a
// migration timeline.
func ReportKey(kind string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("migration-reports/%d/%02d/%02d/%s-%s.json", t.Year(), t.Month(), t.Day(), kind, uuid.New())
}

func (a *S3Archive) client(ctx context.Context) (*s3.Client, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(a.settings.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			a.settings.AccessKey,
			a.settings.SecretKey,
			"",
		)))
	if err != nil {
		return nil, err
	}

	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if a.settings.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(a.settings.BaseEndpoint)
		}
		o.UsePathStyle = true
	}), nil
}

// Archive stores report as indented JSON and returns its object key.
func (a *S3Archive) Archive(ctx context.Context, kind string, report any) (string, error) {
	body, err := json.MarshalIndent(struct {
		Kind       string    `json:"kind"`
		ArchivedAt time.Time `json:"archived_at"`
		Report     any       `json:"report"`
	}{kind, a.now().UTC(), report}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	c, err := a.client(ctx)
	if err != nil {
		return "", fmt.Errorf("s3 client: %w", err)
	}

	key := ReportKey(kind, a.now())
	_, err = putObject(c, ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.settings.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

// PresignedURL returns a short-lived download link for an archived report.
func (a *S3Archive) PresignedURL(ctx context.Context, key string) (string, error) {
	c, err := a.client(ctx)
	if err != nil {
		return "", fmt.Errorf("s3 client: %w", err)
	}

	req, err := presignGetObject(c, ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.settings.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}
