package config

import "time"

// 节点级配置，启动时填充，运行期间视为只读
type NodeProperties struct {
	NodeID           string        `cfg:"node-id"`
	Bind             string        `cfg:"bind"`
	Dir              string        `cfg:"dir"`
	Backend          string        `cfg:"backend"`
	PartitionCount   int           `cfg:"partition-count"`
	ReplicaFactor    int           `cfg:"replica-factor"`
	HometestInterval time.Duration `cfg:"hometest-interval"`
	HandoffBackoff   time.Duration `cfg:"handoff-backoff"`
	MapCacheSize     int           `cfg:"map-cache-size"`
}

var Properties = defaultProperties()

func defaultProperties() *NodeProperties {
	return &NodeProperties{
		Backend:          "memory",
		PartitionCount:   64,
		ReplicaFactor:    3,
		HometestInterval: time.Minute,
		HandoffBackoff:   10 * time.Second,
		MapCacheSize:     256,
	}
}
