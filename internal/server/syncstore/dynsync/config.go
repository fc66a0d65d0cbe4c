package dynsync

import (
	"time"

	"github.com/dmitrijs2005/syncstore/internal/server/lease"
)

// MaxItemsPerWrite is the largest batch that fits into one
// TransactWriteItems call next to the collection row.
const MaxItemsPerWrite = 99

// Config holds the table names and lease settings of a Store.
type Config struct {
	// CollectionsTable has hash key "userid" and range key "collection".
	// Default: "syncstore_collections"
	CollectionsTable string

	// ItemsTable has hash key "pk" ("<userid>/<collection>") and range
	// key "id".
	// Default: "syncstore_items"
	ItemsTable string

	// LockTTL bounds how long a crashed writer can block its user.
	// Default: 5 minutes
	LockTTL time.Duration
}

// DefaultConfig returns the default table names.
func DefaultConfig() Config {
	return Config{
		CollectionsTable: "syncstore_collections",
		ItemsTable:       "syncstore_items",
		LockTTL:          lease.DefaultTTL,
	}
}

func (c *Config) validate() {
	d := DefaultConfig()
	if c.CollectionsTable == "" {
		c.CollectionsTable = d.CollectionsTable
	}
	if c.ItemsTable == "" {
		c.ItemsTable = d.ItemsTable
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
}
