package ring

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"

	iring "partikv/interface/ring"
	"partikv/lib/logger"
)

// 环管理器：持有当前环版本，负责本地持久化和向随机 peer 的推送。
// 不同源头的并发更新可能竞争，收敛交给对端的版本号合并。

const ringFileName = "ring.db"

var msgpackHandle = &codec.MsgpackHandle{}

// 与其他节点交互的最小接口，由网络层实现
type Peers interface {
	Ping(nodeID string) bool
	PushRing(nodeID string, data []byte) error
}

type StdManager struct {
	mu      sync.RWMutex
	self    string
	dir     string
	peers   Peers
	current iring.Ring
}

func NewManager(self string, dir string, peers Peers, initial iring.Ring) *StdManager {
	return &StdManager{
		self:    self,
		dir:     dir,
		peers:   peers,
		current: initial,
	}
}

func (m *StdManager) Self() string {
	return m.self
}

func (m *StdManager) GetCurrentRing() iring.Ring {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *StdManager) SetCurrentRing(r iring.Ring) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = r
}

func (m *StdManager) PersistRing() error {
	m.mu.RLock()
	r := m.current
	m.mu.RUnlock()

	data, err := encodeRing(r)
	if err != nil {
		return err
	}
	if m.dir == "" {
		return nil
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir, ringFileName), data, 0644)
}

// 随机挑一个 peer 推送当前环，失败只记日志：下一轮 gossip 会补偿
func (m *StdManager) Propagate() {
	m.mu.RLock()
	r := m.current
	m.mu.RUnlock()

	var candidates []string
	for _, n := range r.Members() {
		if n != m.self {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return
	}
	target := candidates[rand.Intn(len(candidates))]

	go func() {
		data, err := encodeRing(r)
		if err != nil {
			logger.Errorf("encode ring for propagate: %v", err)
			return
		}
		if err := m.peers.PushRing(target, data); err != nil {
			logger.Warnf("propagate ring to %s: %v", target, err)
		}
	}()
}

func (m *StdManager) Reachable(nodeID string) bool {
	if nodeID == m.self {
		return true
	}
	return m.peers.Ping(nodeID)
}

// 收到 peer 推送的环，版本更新则采纳并继续持久化
func (m *StdManager) ReceiveRing(data []byte) error {
	incoming, err := DecodeRing(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if incoming.Version() <= m.current.Version() {
		m.mu.Unlock()
		return nil
	}
	m.current = incoming
	m.mu.Unlock()
	return m.PersistRing()
}

func encodeRing(r iring.Ring) ([]byte, error) {
	flat, ok := r.(*Flat)
	if !ok {
		flat = &Flat{
			Ver:    r.Version(),
			Nodes:  r.Members(),
			Owners: make([]string, r.PartitionCount()),
			Meta:   make(map[string][]byte),
		}
		for i := range flat.Owners {
			flat.Owners[i] = r.OwnerOf(i)
		}
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(flat); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeRing(data []byte) (*Flat, error) {
	flat := &Flat{}
	if err := codec.NewDecoder(bytes.NewReader(data), msgpackHandle).Decode(flat); err != nil {
		return nil, err
	}
	return flat, nil
}
