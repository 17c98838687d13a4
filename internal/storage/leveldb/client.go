// internal/storage/leveldb/client.go
package leveldb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/fawad-mazhar/regsync/internal/config"
)

var ErrInvalidPosition = errors.New("invalid log position")

// LogEntry is one appended chunk of a task log
type LogEntry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Client stores task logs as ordered chunks keyed by log path.
// A position names the last chunk a reader has seen.
type Client struct {
	db              *leveldb.DB
	clock           clockwork.Clock
	retention       time.Duration
	cleanupInterval time.Duration
	mutex           sync.RWMutex
	stopCleanup     chan struct{}
}

const (
	logKeyPrefix   = "log:"
	positionDigits = 20
)

func NewClient(cfg config.LevelDBConfig, clock clockwork.Clock) (*Client, error) {
	opts := &opt.Options{
		CompactionTableSize: 2 * 1024 * 1024, // 2MB
		WriteBuffer:         1 * 1024 * 1024, // 1MB
	}

	db, err := leveldb.OpenFile(cfg.Path, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open leveldb")
	}

	client := &Client{
		db:              db,
		clock:           clock,
		retention:       time.Duration(cfg.LogRetention) * time.Hour,
		cleanupInterval: 6 * time.Hour,
		stopCleanup:     make(chan struct{}),
	}

	go client.startCleanupRoutine()

	return client, nil
}

func (c *Client) Close() error {
	close(c.stopCleanup)
	return c.db.Close()
}

func logPrefix(logPath string) []byte {
	// the NUL separator keeps "/a.log" chunks apart from "/a.log.1" chunks
	return []byte(logKeyPrefix + logPath + "\x00")
}

func formatPosition(seq uint64) string {
	return fmt.Sprintf("%0*d", positionDigits, seq)
}

func validPosition(position string) bool {
	if len(position) != positionDigits {
		return false
	}
	_, err := strconv.ParseUint(position, 10, 64)
	return err == nil
}

// Append stores data as the next chunk of logPath and returns its position
func (c *Client) Append(logPath string, data []byte) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	prefix := logPrefix(logPath)

	var next uint64 = 1
	iter := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	if iter.Last() {
		last, err := strconv.ParseUint(string(iter.Key()[len(prefix):]), 10, 64)
		if err != nil {
			iter.Release()
			return "", errors.Wrapf(err, "corrupted log key for %s", logPath)
		}
		next = last + 1
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return "", errors.WithStack(err)
	}

	entry := LogEntry{
		Value:     data,
		ExpiresAt: c.clock.Now().Add(c.retention),
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal log entry")
	}

	position := formatPosition(next)
	if err := c.db.Put(append(prefix, position...), value, nil); err != nil {
		return "", errors.WithStack(err)
	}
	return position, nil
}

// Read returns the chunks of logPath written after position, or the whole
// log when position is empty, together with the position of the last chunk.
func (c *Client) Read(logPath string, after string) ([]byte, string, error) {
	if after != "" && !validPosition(after) {
		return nil, "", errors.Wrapf(ErrInvalidPosition, "%q", after)
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	prefix := logPrefix(logPath)
	iter := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	ok := iter.First()
	if after != "" {
		ok = iter.Seek(append(logPrefix(logPath), after...))
		if ok && string(iter.Key()[len(prefix):]) == after {
			ok = iter.Next()
		}
	}

	var buf bytes.Buffer
	position := after
	now := c.clock.Now()
	for ; ok; ok = iter.Next() {
		var entry LogEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, "", errors.Wrap(err, "failed to unmarshal log entry")
		}
		position = string(iter.Key()[len(prefix):])
		if now.After(entry.ExpiresAt) {
			continue
		}
		buf.Write(entry.Value)
	}
	if err := iter.Error(); err != nil {
		return nil, "", errors.WithStack(err)
	}

	return buf.Bytes(), position, nil
}

// Delete removes every chunk of logPath
func (c *Client) Delete(logPath string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	batch := new(leveldb.Batch)
	iter := c.db.NewIterator(util.BytesPrefix(logPrefix(logPath)), nil)
	for iter.Next() {
		batch.Delete(bytes.Clone(iter.Key()))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return errors.WithStack(err)
	}
	return c.db.Write(batch, nil)
}

func (c *Client) startCleanupRoutine() {
	ticker := c.clock.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// cleanup drops expired chunks
func (c *Client) cleanup() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	iter := c.db.NewIterator(util.BytesPrefix([]byte(logKeyPrefix)), nil)
	defer iter.Release()

	var keysToDelete [][]byte
	now := c.clock.Now()

	for iter.Next() {
		var entry LogEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			continue
		}

		if now.After(entry.ExpiresAt) {
			keysToDelete = append(keysToDelete, bytes.Clone(iter.Key()))
		}
	}

	for _, key := range keysToDelete {
		c.db.Delete(key, nil)
	}
}
