package mapred

import (
	"strings"
	"sync"
)

// 进程内注册的 native map 函数表，按（module, name）引用

var (
	registryMu sync.RWMutex
	registry   = make(map[string]MapFunc)
)

func funcKey(module, name string) string {
	return strings.ToLower(module) + ":" + strings.ToLower(name)
}

func RegisterNative(module, name string, fn MapFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[funcKey(module, name)] = fn
}

func LookupNative(module, name string) (MapFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[funcKey(module, name)]
	return fn, ok
}
