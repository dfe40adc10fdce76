package storage

import "errors"

// 分区存储后端的能力接口，可插拔；key 形如 "bucket/key"

// NotFound 是合法结果而非故障，调用方据此区分 I/O 错误
var ErrNotFound = errors.New("key not found")

type FoldFunc func(key string, value []byte, acc interface{}) interface{}

type Handle interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	List() ([]string, error)
	// 列出指定 bucket 下的键
	ListBucket(bucket string) ([]string, error)
	// 对所有键值做一次折叠扫描，用于摘要 / 副本同步
	Fold(fn FoldFunc, acc interface{}) (interface{}, error)
	IsEmpty() bool
	// 删除本分区的全部数据
	Drop() error
	Close() error
}

type Config struct {
	Dir string
}

// 后端构造函数，按分区号启动一个独立的存储实例
type Starter func(partitionID int, cfg *Config) (Handle, error)
