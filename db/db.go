package db

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v2"
	lru "github.com/hashicorp/golang-lru"

	"dagbft/config"
	"dagbft/logs"
)

// ErrNotFound 键不存在
var ErrNotFound = errors.New("not found")

// Manager 封装 BadgerDB 的管理器
type Manager struct {
	Db *badger.DB
	mu sync.RWMutex

	// DAG 区块读缓存（解码后的对象）
	blockCache *lru.Cache
	Logger     logs.Logger
	closed     bool
}

// NewManager 打开（或创建）数据库
func NewManager(cfg config.DatabaseConfig, logger logs.Logger) (*Manager, error) {
	if logger == nil {
		logger = logs.Default()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		// badger v2 不自动创建父目录，需要手动创建
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	size := cfg.BlockCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Manager{
		Db:         db,
		blockCache: cache,
		Logger:     logger,
	}, nil
}

// Close 关闭数据库，可重复调用
func (manager *Manager) Close() error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.closed {
		return nil
	}
	manager.closed = true
	return manager.Db.Close()
}

func (manager *Manager) get(key string) ([]byte, error) {
	var val []byte
	err := manager.Db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (manager *Manager) set(key string, value []byte) error {
	return manager.Db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// ForEachPrefix 按 key 正序遍历前缀下的所有记录
func (manager *Manager) ForEachPrefix(prefix string, fn func(key string, value []byte) error) error {
	return manager.Db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.Key()), val); err != nil {
				return err
			}
		}
		return nil
	})
}
