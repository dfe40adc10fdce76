package bucket

import (
	"time"

	"partikv/datastruct/dict"
	"partikv/mapred"
	"partikv/vclock"
)

// bucket 属性：副本数、sibling 策略、link 函数、时钟裁剪界限

type Props struct {
	Name          string
	ReplicaCount  int
	AllowSiblings bool
	LinkFun       *mapred.FuncSpec // 未配置为 nil
	SmallVClock   int
	BigVClock     int
	YoungVClock   time.Duration
	OldVClock     time.Duration
}

func (p *Props) PruneOptions() vclock.PruneOptions {
	return vclock.PruneOptions{
		Small: p.SmallVClock,
		Big:   p.BigVClock,
		Young: p.YoungVClock,
		Old:   p.OldVClock,
	}
}

// 属性存储，未显式设置的 bucket 使用默认属性
type Store struct {
	defaults Props
	props    *dict.ConcurrentDict
}

func NewStore(replicaCount int) *Store {
	return &Store{
		defaults: Props{
			ReplicaCount:  replicaCount,
			AllowSiblings: false,
			SmallVClock:   10,
			BigVClock:     20,
			YoungVClock:   20 * time.Second,
			OldVClock:     86400 * time.Second,
		},
		props: dict.MakeConcurrent(16),
	}
}

func (s *Store) GetBucketProps(bucket string) *Props {
	raw, ok := s.props.Get(bucket)
	if ok {
		return raw.(*Props)
	}
	p := s.defaults
	p.Name = bucket
	return &p
}

func (s *Store) SetBucketProps(bucket string, p *Props) {
	p.Name = bucket
	if p.ReplicaCount <= 0 {
		p.ReplicaCount = s.defaults.ReplicaCount
	}
	if p.BigVClock <= 0 {
		p.SmallVClock = s.defaults.SmallVClock
		p.BigVClock = s.defaults.BigVClock
		p.YoungVClock = s.defaults.YoungVClock
		p.OldVClock = s.defaults.OldVClock
	}
	s.props.Put(bucket, p)
}
