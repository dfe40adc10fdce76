package eventbus

import (
	"bytes"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"

	iring "partikv/interface/ring"
	"partikv/lib/logger"
)

// 节点级发布订阅总线。事件一次性投递：每条匹配的注册通知一次，
// 同一订阅者持有两条匹配注册就收到两次。注册列表作为环元数据的一部分
// 做版本化持久和随机 peer 推送，收敛是最终一致的。

const regsMetaKey = "eventbus/registrations"

var msgpackHandle = &codec.MsgpackHandle{}

// （sourceModule, eventName, originNode, payload）四元组，发布后不可变
type Event struct {
	Module  string
	Name    string
	Origin  string
	Payload interface{}
}

type Subscriber interface {
	ID() string
	// 投递一条匹配事件，实现方不应阻塞
	Handle(ev *Event)
	// 订阅者终止时关闭
	Done() <-chan struct{}
}

// 事件通知的吸收端，尽力而为，不阻塞调用方
type Sink interface {
	Notify(module, name string, payload interface{})
}

type registration struct {
	fingerprint uint64
	desc        string
	sub         Subscriber
	pattern     Pattern
	guards      []Guard
}

// 注册在集群元数据中的可序列化形态（活体引用不出节点）
type RegRecord struct {
	Fingerprint uint64
	Desc        string
	Node        string
	SubID       string
	Predicate   string
}

type Bus struct {
	mu       sync.RWMutex
	ringMgr  iring.Manager
	regs     map[uint64]*registration
	monitors map[string]chan struct{} // 订阅者 ID -> 监视器停止信号
	logSink  func(ev *Event)
}

func NewBus(ringMgr iring.Manager) *Bus {
	return &Bus{
		ringMgr:  ringMgr,
		regs:     make(map[uint64]*registration),
		monitors: make(map[string]chan struct{}),
		logSink: func(ev *Event) {
			logger.Debugf("event %s/%s from %s: %v", ev.Module, ev.Name, ev.Origin, ev.Payload)
		},
	}
}

// 指纹唯一标识（订阅者, 谓词）二元组
func fingerprintOf(subID string, pattern Pattern, guards []Guard) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(subID))
	_, _ = h.Write([]byte(pattern.repr()))
	_, _ = h.Write([]byte(reprGuards(guards)))
	return h.Sum64()
}

// Subscribe 注册一条谓词过滤的订阅。
// 相同指纹的注册原地替换，不产生第二条
func (b *Bus) Subscribe(sub Subscriber, desc string, pattern Pattern, guards []Guard) error {
	fp := fingerprintOf(sub.ID(), pattern, guards)

	b.mu.Lock()
	b.regs[fp] = &registration{
		fingerprint: fp,
		desc:        desc,
		sub:         sub,
		pattern:     pattern,
		guards:      guards,
	}
	b.ensureMonitorLocked(sub)
	b.mu.Unlock()

	return b.persistRegs()
}

// Unsubscribe 幂等：移除不存在的注册不算错误
func (b *Bus) Unsubscribe(sub Subscriber, pattern Pattern, guards []Guard) error {
	fp := fingerprintOf(sub.ID(), pattern, guards)

	b.mu.Lock()
	_, existed := b.regs[fp]
	delete(b.regs, fp)
	b.stopMonitorIfIdleLocked(sub.ID())
	b.mu.Unlock()

	if !existed {
		return nil
	}
	return b.persistRegs()
}

// Publish 发布一条事件：先进本地日志吸收端，再逐条匹配注册
func (b *Bus) Publish(ev *Event) {
	b.logSink(ev)

	b.mu.RLock()
	matched := make([]*registration, 0)
	for _, reg := range b.regs {
		binds, ok := reg.pattern.Match(ev)
		if !ok {
			continue
		}
		if !evalGuards(reg.guards, binds) {
			continue
		}
		matched = append(matched, reg)
	}
	b.mu.RUnlock()

	for _, reg := range matched {
		reg.sub.Handle(ev)
	}
}

// 实现 Sink：本节点即事件源
func (b *Bus) Notify(module, name string, payload interface{}) {
	b.Publish(&Event{
		Module:  module,
		Name:    name,
		Origin:  b.ringMgr.Self(),
		Payload: payload,
	})
}

// 活跃注册数，测试与自检用
func (b *Bus) RegCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.regs)
}

// ******************** liveness ********************

// 每个订阅者一个监视 goroutine；订阅者终止时清掉它的全部注册，
// 元数据变更路径与显式退订一致
func (b *Bus) ensureMonitorLocked(sub Subscriber) {
	if _, ok := b.monitors[sub.ID()]; ok {
		return
	}
	stop := make(chan struct{})
	b.monitors[sub.ID()] = stop
	go func() {
		select {
		case <-sub.Done():
			b.removeSubscriber(sub.ID())
		case <-stop:
		}
	}()
}

func (b *Bus) stopMonitorIfIdleLocked(subID string) {
	for _, reg := range b.regs {
		if reg.sub.ID() == subID {
			return
		}
	}
	if stop, ok := b.monitors[subID]; ok {
		close(stop)
		delete(b.monitors, subID)
	}
}

func (b *Bus) removeSubscriber(subID string) {
	b.mu.Lock()
	removed := 0
	for fp, reg := range b.regs {
		if reg.sub.ID() == subID {
			delete(b.regs, fp)
			removed++
		}
	}
	if stop, ok := b.monitors[subID]; ok {
		close(stop)
		delete(b.monitors, subID)
	}
	b.mu.Unlock()

	if removed > 0 {
		logger.Infof("subscriber %s down, dropped %d registrations", subID, removed)
		if err := b.persistRegs(); err != nil {
			logger.Errorf("persist registrations after subscriber death: %v", err)
		}
	}
}

// ******************** cluster metadata ********************

// 把注册列表写进环元数据：新版本 -> 本地持久化 -> 推送一个随机 peer。
// 本节点只改写自己的记录，其他节点的记录原样保留
func (b *Bus) persistRegs() error {
	self := b.ringMgr.Self()

	b.mu.RLock()
	records := make([]RegRecord, 0, len(b.regs))
	for _, reg := range b.regs {
		records = append(records, RegRecord{
			Fingerprint: reg.fingerprint,
			Desc:        reg.desc,
			Node:        self,
			SubID:       reg.sub.ID(),
			Predicate:   reg.pattern.repr() + " when " + reprGuards(reg.guards),
		})
	}
	b.mu.RUnlock()

	r := b.ringMgr.GetCurrentRing()
	if raw, ok := r.GetMetadata(regsMetaKey); ok {
		if foreign, err := decodeRecords(raw); err == nil {
			for _, rec := range foreign {
				if rec.Node != self {
					records = append(records, rec)
				}
			}
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Fingerprint < records[j].Fingerprint
	})

	data, err := encodeRecords(records)
	if err != nil {
		return err
	}
	b.ringMgr.SetCurrentRing(r.SetMetadata(regsMetaKey, data))
	if err := b.ringMgr.PersistRing(); err != nil {
		return err
	}
	b.ringMgr.Propagate()
	return nil
}

// 集群可见的注册清单（含其他节点）
func (b *Bus) ClusterRegistrations() []RegRecord {
	raw, ok := b.ringMgr.GetCurrentRing().GetMetadata(regsMetaKey)
	if !ok {
		return nil
	}
	records, err := decodeRecords(raw)
	if err != nil {
		return nil
	}
	return records
}

func encodeRecords(records []RegRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecords(data []byte) ([]RegRecord, error) {
	var records []RegRecord
	if err := codec.NewDecoder(bytes.NewReader(data), msgpackHandle).Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}
