package main

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ArtCache keeps scaled cover images between runs, keyed by song and size.
type ArtCache struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenArtCache opens the cache directory. An empty dir keeps everything in
// memory.
func OpenArtCache(dir string, ttl time.Duration) (*ArtCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &ArtCache{db: db, ttl: ttl}, nil
}

func (c *ArtCache) Get(key string) ([]byte, bool, error) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *ArtCache) Put(key string, data []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), data)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (c *ArtCache) Close() error {
	return c.db.Close()
}
