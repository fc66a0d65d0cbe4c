package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/syncstore/internal/flagx"
	"github.com/dmitrijs2005/syncstore/internal/timex"
)

// jsonConfig mirrors Config for unmarshalling. Durations accept "1m" style
// strings or integer nanoseconds. Absent fields leave the target untouched.
type jsonConfig struct {
	HTTPAddr    string `json:"http_addr"`
	DatabaseDSN string `json:"database_dsn"`
	SecretKey   string `json:"secret_key"`
	LogLevel    string `json:"log_level"`

	SyncBackend string `json:"sync_backend"`
	KVBackend   string `json:"kv_backend"`

	WriteTimeout  *timex.Duration `json:"write_timeout"`
	LockTTL       *timex.Duration `json:"lock_ttl"`
	RetryAttempts *int            `json:"retry_attempts"`

	AWSRegion          string `json:"aws_region"`
	AWSAccessKeyID     string `json:"aws_access_key_id"`
	AWSSecretAccessKey string `json:"aws_secret_access_key"`

	S3Bucket       string `json:"s3_bucket"`
	S3Prefix       string `json:"s3_prefix"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	DynamoBaseEndpoint string `json:"dynamodb_base_endpoint"`
	CollectionsTable   string `json:"dynamodb_collections_table"`
	ItemsTable         string `json:"dynamodb_items_table"`
	LockTable          string `json:"dynamodb_lock_table"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// parseJSON overlays the file named by -c/-config, if any, onto config.
func parseJSON(config *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var c jsonConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.SyncBackend, c.SyncBackend)
	setString(&config.KVBackend, c.KVBackend)
	if c.WriteTimeout != nil {
		config.WriteTimeout = c.WriteTimeout.Duration
	}
	if c.LockTTL != nil {
		config.LockTTL = c.LockTTL.Duration
	}
	if c.RetryAttempts != nil {
		config.RetryAttempts = *c.RetryAttempts
	}
	setString(&config.AWSRegion, c.AWSRegion)
	setString(&config.AWSAccessKeyID, c.AWSAccessKeyID)
	setString(&config.AWSSecretAccessKey, c.AWSSecretAccessKey)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Prefix, c.S3Prefix)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.DynamoBaseEndpoint, c.DynamoBaseEndpoint)
	setString(&config.CollectionsTable, c.CollectionsTable)
	setString(&config.ItemsTable, c.ItemsTable)
	setString(&config.LockTable, c.LockTable)
	return nil
}
