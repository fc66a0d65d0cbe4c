package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/dmitrijs2005/syncstore/internal/flagx"
)

// parseFlags overlays command-line flags onto config.
//
//	-a string    HTTP listen address
//	-d string    PostgreSQL DSN
//	-s string    JWT HMAC secret
//	-y string    sync backend: kvstore, postgres, dynamodb
//	-k string    key-value backend: memory, postgres, s3
//	-w duration  journal write timeout
//	-l duration  dynamodb lease ttl
//	-n int       conflict retry attempts
//	-u string    AWS access key id
//	-p string    AWS secret access key
//	-b string    S3 bucket
//	-g string    AWS region
//	-e string    S3 base endpoint
//	-m string    DynamoDB base endpoint
//	-v string    log level
func parseFlags(config *Config, args []string) error {
	args = flagx.FilterArgs(args, []string{"a", "d", "s", "y", "k", "w", "l", "n", "u", "p", "b", "g", "e", "m", "v"})

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "HTTP listen address")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "JWT secret key")
	fs.StringVar(&config.SyncBackend, "y", config.SyncBackend, "sync backend")
	fs.StringVar(&config.KVBackend, "k", config.KVBackend, "key-value backend")
	fs.DurationVar(&config.WriteTimeout, "w", config.WriteTimeout, "journal write timeout")
	fs.DurationVar(&config.LockTTL, "l", config.LockTTL, "lease ttl")
	fs.IntVar(&config.RetryAttempts, "n", config.RetryAttempts, "conflict retry attempts")
	fs.StringVar(&config.AWSAccessKeyID, "u", config.AWSAccessKeyID, "AWS access key id")
	fs.StringVar(&config.AWSSecretAccessKey, "p", config.AWSSecretAccessKey, "AWS secret access key")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.AWSRegion, "g", config.AWSRegion, "AWS region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.DynamoBaseEndpoint, "m", config.DynamoBaseEndpoint, "DynamoDB base endpoint")
	fs.StringVar(&config.LogLevel, "v", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	return nil
}
