package ring

import (
	"sort"

	iring "partikv/interface/ring"
)

// 平坦分区表实现：partition -> owner 直接映射。
// 一致性哈希环本身属于外部协作者，这里按 round-robin 均分分区即可满足
// 归属判定和偏好列表的语义。

type Flat struct {
	Ver    uint64
	Nodes  []string
	Owners []string // 下标即分区号
	Meta   map[string][]byte
}

func NewFlat(nodes []string, partitionCount int) *Flat {
	members := make([]string, len(nodes))
	copy(members, nodes)
	sort.Strings(members)

	owners := make([]string, partitionCount)
	for i := 0; i < partitionCount && len(members) > 0; i++ {
		owners[i] = members[i%len(members)]
	}
	return &Flat{
		Ver:    1,
		Nodes:  members,
		Owners: owners,
		Meta:   make(map[string][]byte),
	}
}

func (r *Flat) Version() uint64 {
	return r.Ver
}

func (r *Flat) Members() []string {
	return r.Nodes
}

func (r *Flat) PartitionCount() int {
	return len(r.Owners)
}

func (r *Flat) OwnerOf(partitionID int) string {
	if partitionID < 0 || partitionID >= len(r.Owners) {
		return ""
	}
	return r.Owners[partitionID]
}

// 从 keyHash 对应的分区出发，顺序收集 n 个互不相同的 owner
func (r *Flat) PreferenceList(keyHash uint32, n int) []string {
	count := len(r.Owners)
	if count == 0 {
		return nil
	}
	start := int(keyHash) % count
	seen := make(map[string]struct{})
	var prefs []string
	for i := 0; i < count && len(prefs) < n; i++ {
		owner := r.Owners[(start+i)%count]
		if owner == "" {
			continue
		}
		if _, ok := seen[owner]; ok {
			continue
		}
		seen[owner] = struct{}{}
		prefs = append(prefs, owner)
	}
	return prefs
}

func (r *Flat) GetMetadata(key string) ([]byte, bool) {
	val, ok := r.Meta[key]
	return val, ok
}

// 拷贝出新环并写入元数据，版本号加一
func (r *Flat) SetMetadata(key string, value []byte) iring.Ring {
	next := &Flat{
		Ver:    r.Ver + 1,
		Nodes:  r.Nodes,
		Owners: r.Owners,
		Meta:   make(map[string][]byte, len(r.Meta)+1),
	}
	for k, v := range r.Meta {
		next.Meta[k] = v
	}
	next.Meta[key] = value
	return next
}

// 变更分区归属，返回新版本环（拓扑决策本身在核心之外）
func (r *Flat) WithOwner(partitionID int, nodeID string) *Flat {
	next := &Flat{
		Ver:    r.Ver + 1,
		Nodes:  r.Nodes,
		Owners: make([]string, len(r.Owners)),
		Meta:   r.Meta,
	}
	copy(next.Owners, r.Owners)
	if partitionID >= 0 && partitionID < len(next.Owners) {
		next.Owners[partitionID] = nodeID
	}
	return next
}
