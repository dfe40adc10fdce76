package bolt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boltdb/bolt"

	istorage "partikv/interface/storage"
	"partikv/storage"
)

// boltdb 持久化后端，每个分区一个独立的数据库文件

var dataBucket = []byte("data")

func init() {
	storage.Register("bolt", Start)
}

type Backend struct {
	db   *bolt.DB
	path string
}

func Start(partitionID int, cfg *istorage.Config) (istorage.Handle, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, fmt.Errorf("bolt backend requires data dir")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.Dir, fmt.Sprintf("partition-%d.bolt", partitionID))
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{db: db, path: path}, nil
}

func (b *Backend) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(dataBucket).Get([]byte(key))
		if raw == nil {
			return istorage.ErrNotFound
		}
		// bolt 返回的切片只在事务内有效，必须拷贝
		value = make([]byte, len(raw))
		copy(value, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *Backend) Put(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Put([]byte(key), value)
	})
}

func (b *Backend) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Delete([]byte(key))
	})
}

func (b *Backend) List() ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (b *Backend) ListBucket(bucket string) ([]string, error) {
	prefix := bucket + "/"
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).ForEach(func(k, v []byte) error {
			if strings.HasPrefix(string(k), prefix) {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (b *Backend) Fold(fn istorage.FoldFunc, acc interface{}) (interface{}, error) {
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			acc = fn(string(k), value, acc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (b *Backend) IsEmpty() bool {
	empty := true
	_ = b.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(dataBucket).Cursor().First()
		empty = k == nil
		return nil
	})
	return empty
}

func (b *Backend) Drop() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(dataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(dataBucket)
		return err
	})
}

func (b *Backend) Close() error {
	return b.db.Close()
}
