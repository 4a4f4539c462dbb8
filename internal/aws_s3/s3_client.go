package aws_s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	jsoniter "github.com/json-iterator/go"
)

type BucketClient interface {
	WriteRun(ctx context.Context, report *model.RunReport) []string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3BucketClient struct {
	client objectPutter
	cfg    *config.S3Config
	log    *slog.Logger
}

func NewS3BucketClient(cfg *config.S3Config, log *slog.Logger) *S3BucketClient {
	log.Info("connecting to s3...")
	ctx := context.Background()

	s3Config, err := awsCfg.LoadDefaultConfig(ctx,
		awsCfg.WithCredentialsProvider(crd.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, "")),
		awsCfg.WithRegion(cfg.Region),
		awsCfg.WithBaseEndpoint(cfg.AwsBaseEndpoint))
	if err != nil {
		log.Error("failed to load s3 config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// LocalStack does not support `virtual host addressing style` that uses s3 by default.
	// For test purposes use configuration with disabled 'virtual hosted bucket addressing'.
	var s3client *s3.Client
	if cfg.AwsAccessKey == "test" {
		log.Warn("test configuration for s3")
		s3client = s3.NewFromConfig(s3Config, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	} else {
		s3client = s3.NewFromConfig(s3Config)
	}
	log.Info("connected to s3")

	return &S3BucketClient{
		client: s3client,
		cfg:    cfg,
		log:    log,
	}
}

// WriteRun uploads the output files and the report of a run and returns the links of
// the uploaded objects. Failed uploads are logged and left out.
func (bc *S3BucketClient) WriteRun(ctx context.Context, report *model.RunReport) []string {
	folder := fmt.Sprintf("%s/%s/%s", bc.cfg.KeyPrefix, report.Site, report.StartedAt.UTC().Format("20060102T150405Z"))
	var links []string

	for _, path := range []string{report.CSVPath, report.JSONPath} {
		if path == "" {
			continue
		}
		body, err := os.ReadFile(path)
		if err != nil {
			bc.log.Error("failed to read output file.", slog.String("path", path), slog.String("err", err.Error()))
			continue
		}
		if link, ok := bc.put(ctx, folder+"/"+filepath.Base(path), body); ok {
			links = append(links, link)
		}
	}

	body, err := jsoniter.Marshal(report)
	if err != nil {
		bc.log.Error("marshaling failed.", slog.String("err", err.Error()))
		return links
	}
	if link, ok := bc.put(ctx, folder+"/report.json", body); ok {
		links = append(links, link)
	}
	return links
}

func (bc *S3BucketClient) put(ctx context.Context, s3Key string, body []byte) (string, bool) {
	_, err := bc.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &bc.cfg.BucketName,
		Key:    &s3Key,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		bc.log.Error("failed to save object to s3.", slog.String("key", s3Key), slog.String("err", err.Error()))
		return "", false
	}
	bc.log.Debug("object saved to s3.", slog.String("key", s3Key))

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bc.cfg.BucketName, bc.cfg.Region, s3Key), true
}
