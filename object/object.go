package object

import (
	"bytes"
	"hash/fnv"
	"sort"
	"strconv"

	"partikv/vclock"
)

// 存储对象：键 + 向量时钟 + 有序的 (元数据, 值) 内容列表。
// 并发写入产生的多版本（sibling）表现为多个 content。

const MetaLastModified = "last-modified" // unix 纳秒，十进制字符串

// （bucket, key）二元组，bucket 决定副本数 / sibling 策略等属性
type BKey struct {
	Bucket string
	Key    string
}

func (k BKey) String() string {
	return k.Bucket + "/" + k.Key
}

// 键哈希，用于分区定位和偏好列表
func (k BKey) Hash() uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.String()))
	return h.Sum32()
}

type Content struct {
	Meta  map[string]string
	Value []byte
}

// 内容的最后修改时间，缺失时视为最小值（0）
func (c *Content) LastModified() int64 {
	raw, ok := c.Meta[MetaLastModified]
	if !ok {
		return 0
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

type Object struct {
	Key      BKey
	Clock    vclock.VClock
	Contents []Content
}

func New(key BKey, value []byte, meta map[string]string) *Object {
	if meta == nil {
		meta = make(map[string]string)
	}
	return &Object{
		Key:      key,
		Clock:    vclock.New(),
		Contents: []Content{{Meta: meta, Value: value}},
	}
}

func (o *Object) VectorClock() vclock.VClock {
	return o.Clock
}

func (o *Object) SetVectorClock(vc vclock.VClock) {
	o.Clock = vc
}

// 对象整体的最后修改时间，取所有 content 的最大值
func (o *Object) LastModified() int64 {
	var max int64
	for i := range o.Contents {
		if ts := o.Contents[i].LastModified(); ts > max {
			max = ts
		}
	}
	return max
}

func contentEqual(a, b *Content) bool {
	if !bytes.Equal(a.Value, b.Value) {
		return false
	}
	if len(a.Meta) != len(b.Meta) {
		return false
	}
	for k, v := range a.Meta {
		if b.Meta[k] != v {
			return false
		}
	}
	return true
}

// 定序比较：按最后修改时间升序，再按值字节序，保证合并结果与参数顺序无关
func contentLess(a, b *Content) bool {
	am, bm := a.LastModified(), b.LastModified()
	if am != bm {
		return am < bm
	}
	return bytes.Compare(a.Value, b.Value) < 0
}

// 去重合并两个 content 列表，结果定序
func mergeContents(a, b []Content) []Content {
	merged := make([]Content, 0, len(a)+len(b))
	merged = append(merged, a...)
	for i := range b {
		dup := false
		for j := range merged {
			if contentEqual(&b[i], &merged[j]) {
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, b[i])
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return contentLess(&merged[i], &merged[j])
	})
	return merged
}

// SyntacticMerge 句法合并两个同 key 对象。
// 时钟可比较时保留后代一方；时钟冲突时合并时钟并保留双方 content 作为 sibling。
// reqID 仅作为合并上下文记录，不影响结果时钟，因此 merge(a, a) == a 成立。
func SyntacticMerge(a, b *Object, reqID string) *Object {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	aDescends := a.Clock.Descends(b.Clock)
	bDescends := b.Clock.Descends(a.Clock)
	switch {
	case aDescends && bDescends:
		// 时钟相等：同一因果版本，内容去重合并
		return &Object{
			Key:      a.Key,
			Clock:    a.Clock.Copy(),
			Contents: mergeContents(a.Contents, b.Contents),
		}
	case aDescends:
		return a
	case bDescends:
		return b
	default:
		// 并发版本：时钟取并，双方 content 均保留为 sibling
		return &Object{
			Key:      a.Key,
			Clock:    a.Clock.Merge(b.Clock),
			Contents: mergeContents(a.Contents, b.Contents),
		}
	}
}

// ReconcileSiblings 在 bucket 禁止 sibling 时收敛为单一 content：
// 保留最后修改时间最大的一个；时间相同保留排位靠前的，内容列表本身定序，结果确定
func (o *Object) ReconcileSiblings() {
	if len(o.Contents) <= 1 {
		return
	}
	best := 0
	for i := 1; i < len(o.Contents); i++ {
		if o.Contents[i].LastModified() > o.Contents[best].LastModified() {
			best = i
		}
	}
	o.Contents = []Content{o.Contents[best]}
}
