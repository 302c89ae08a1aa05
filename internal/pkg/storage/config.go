package storage

import (
	"errors"
	"fmt"

	"github.com/blooma/blooma/internal/pkg/env"
)

// Config holds frame object-storage configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Enabled         bool
}

// LoadConfig loads object-storage configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-west-001"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Enabled:         env.GetEnv("S3_FRAMES_ENABLED", "false") == "true",
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when frame storage is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when frame storage is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when frame storage is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if frame storage is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// FrameObjectKey generates a standardized S3 object key for a rendered frame
func (c *Config) FrameObjectKey(frameUUID, fileExtension string, year, month int) string {
	// Format: frames/YYYY/MM/UUID.ext
	return fmt.Sprintf("frames/%04d/%02d/%s%s", year, month, frameUUID, fileExtension)
}

// GetAppEnv returns the current application environment
func GetAppEnv() string {
	return env.GetEnv("APP_ENV", "dev")
}

// GetBucketName returns the bucket name as configured
func (c *Config) GetBucketName() string {
	return c.BucketName
}
