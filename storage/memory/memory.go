package memory

import (
	"strings"

	"partikv/datastruct/dict"
	istorage "partikv/interface/storage"
	"partikv/storage"
)

// 基于 ConcurrentDict 的内存后端，每个分区一个实例

const dictShards = 16

func init() {
	storage.Register("memory", Start)
}

type Backend struct {
	data *dict.ConcurrentDict
}

func Start(partitionID int, cfg *istorage.Config) (istorage.Handle, error) {
	return &Backend{data: dict.MakeConcurrent(dictShards)}, nil
}

func (b *Backend) Get(key string) ([]byte, error) {
	raw, ok := b.data.Get(key)
	if !ok {
		return nil, istorage.ErrNotFound
	}
	return raw.([]byte), nil
}

func (b *Backend) Put(key string, value []byte) error {
	b.data.Put(key, value)
	return nil
}

func (b *Backend) Delete(key string) error {
	b.data.Remove(key)
	return nil
}

func (b *Backend) List() ([]string, error) {
	return b.data.Keys(), nil
}

func (b *Backend) ListBucket(bucket string) ([]string, error) {
	prefix := bucket + "/"
	var keys []string
	b.data.ForEach(func(key string, val interface{}) bool {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true
	})
	return keys, nil
}

func (b *Backend) Fold(fn istorage.FoldFunc, acc interface{}) (interface{}, error) {
	b.data.ForEach(func(key string, val interface{}) bool {
		acc = fn(key, val.([]byte), acc)
		return true
	})
	return acc, nil
}

func (b *Backend) IsEmpty() bool {
	return b.data.Len() == 0
}

func (b *Backend) Drop() error {
	b.data.Clear()
	return nil
}

func (b *Backend) Close() error {
	return nil
}
