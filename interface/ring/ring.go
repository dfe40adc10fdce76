package ring

// 环 / 哈希服务的能力接口。环是带版本号的不可变值：
// 每次变更产生新版本，通过显式的 Persist + Propagate 步骤向集群扩散，
// 收敛是最终一致的，由外部 gossip 合并机制保证。

type Ring interface {
	Version() uint64
	Members() []string
	PartitionCount() int
	// 计算分区当前归属的节点
	OwnerOf(partitionID int) string
	// key 哈希对应的有序候选副本节点
	PreferenceList(keyHash uint32, n int) []string
	GetMetadata(key string) ([]byte, bool)
	// 返回携带新元数据的新版本环，原值不变
	SetMetadata(key string, value []byte) Ring
}

type Manager interface {
	Self() string
	GetCurrentRing() Ring
	SetCurrentRing(r Ring)
	PersistRing() error
	// 把当前环推送给一个随机 peer，最终一致
	Propagate()
	Reachable(nodeID string) bool
}
