package vclock

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// 向量时钟，记录每个节点的版本计数；时间戳只用于裁剪，不参与因果比较

type Entry struct {
	Counter   uint64
	Timestamp int64 // 最近一次递增的 unix 秒
}

type VClock map[string]Entry

func New() VClock {
	return make(VClock)
}

// 节点计数加一，刷新时间戳
func (vc VClock) Increment(nodeID string) {
	e := vc[nodeID]
	e.Counter++
	e.Timestamp = time.Now().Unix()
	vc[nodeID] = e
}

// vc 是否是 other 的后代（即 vc 不早于 other 的任何分量）
func (vc VClock) Descends(other VClock) bool {
	for nodeID, e := range other {
		if vc[nodeID].Counter < e.Counter {
			return false
		}
	}
	return true
}

// 两个时钟互为后代即相等，只比较计数
func (vc VClock) Equal(other VClock) bool {
	return vc.Descends(other) && other.Descends(vc)
}

func (vc VClock) Conflicts(other VClock) bool {
	return !vc.Descends(other) && !other.Descends(vc)
}

// 逐节点取最大计数，合并结果同时是两个输入的后代
func (vc VClock) Merge(other VClock) VClock {
	merged := New()
	for nodeID, e := range vc {
		merged[nodeID] = e
	}
	for nodeID, e := range other {
		cur := merged[nodeID]
		if cur.Counter < e.Counter {
			cur.Counter = e.Counter
		}
		if cur.Timestamp < e.Timestamp {
			cur.Timestamp = e.Timestamp
		}
		merged[nodeID] = cur
	}
	return merged
}

func (vc VClock) Copy() VClock {
	copied := New()
	for nodeID, e := range vc {
		copied[nodeID] = e
	}
	return copied
}

// 裁剪参数，由 bucket 属性决定
type PruneOptions struct {
	Small int           // 裁剪目标条目数
	Big   int           // 超过该条目数触发裁剪
	Young time.Duration // 比它年轻的条目不裁剪
	Old   time.Duration // 比它年老的条目触发裁剪
}

// Prune 按 bucket 策略裁掉最旧的条目。
// 触发条件：条目数超过 Big，或最旧条目早于 now-Old；
// 裁剪从最旧条目开始，直到条目数降到 Small 或剩余条目都晚于 now-Young。
// 时间戳缺失的条目视为最旧（零值时间）。
func (vc VClock) Prune(now time.Time, opts PruneOptions) VClock {
	if opts.Big <= 0 || len(vc) == 0 {
		return vc
	}
	type aged struct {
		node string
		e    Entry
	}
	entries := make([]aged, 0, len(vc))
	for nodeID, e := range vc {
		entries = append(entries, aged{nodeID, e})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].e.Timestamp != entries[j].e.Timestamp {
			return entries[i].e.Timestamp < entries[j].e.Timestamp
		}
		return entries[i].node < entries[j].node
	})

	oldCut := now.Add(-opts.Old).Unix()
	youngCut := now.Add(-opts.Young).Unix()
	if len(entries) <= opts.Big && entries[0].e.Timestamp >= oldCut {
		return vc
	}

	pruned := vc.Copy()
	for _, ent := range entries {
		if len(pruned) <= opts.Small {
			break
		}
		if ent.e.Timestamp > youngCut {
			break
		}
		delete(pruned, ent.node)
	}
	return pruned
}

// 定序字符串，用于指纹和日志
func (vc VClock) String() string {
	nodes := make([]string, 0, len(vc))
	for nodeID := range vc {
		nodes = append(nodes, nodeID)
	}
	sort.Strings(nodes)
	parts := make([]string, 0, len(nodes))
	for _, nodeID := range nodes {
		parts = append(parts, fmt.Sprintf("%s:%d", nodeID, vc[nodeID].Counter))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
