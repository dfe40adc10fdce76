package dict

type Consumer func(key string, val interface{}) bool

type Dict interface {
	Get(key string) (val interface{}, exists bool)
	Put(key string, val interface{}) (result int)
	// 如果键不存在则插入键值对
	PutIfAbsent(key string, val interface{}) (result int)
	Len() int
	Remove(key string) (val interface{}, result int)
	ForEach(consumer Consumer)
	Keys() []string
	Clear()
}
