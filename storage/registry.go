package storage

import (
	"fmt"
	"sync"

	istorage "partikv/interface/storage"
)

// 后端注册表，按名称选择存储实现

var (
	mu       sync.RWMutex
	backends = make(map[string]istorage.Starter)
)

func Register(name string, starter istorage.Starter) {
	mu.Lock()
	defer mu.Unlock()
	backends[name] = starter
}

func Start(name string, partitionID int, cfg *istorage.Config) (istorage.Handle, error) {
	mu.RLock()
	starter, ok := backends[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage backend: %s", name)
	}
	return starter(partitionID, cfg)
}
