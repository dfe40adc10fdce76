package node

import (
	"fmt"
	"sync"
	"time"

	"partikv/bucket"
	"partikv/config"
	"partikv/eventbus"
	"partikv/handoff"
	iring "partikv/interface/ring"
	istorage "partikv/interface/storage"
	"partikv/lib/idgenerator"
	"partikv/lib/logger"
	"partikv/lib/timewheel"
	"partikv/mapred"
	"partikv/object"
	"partikv/partition"
	"partikv/ring"
	"partikv/storage"
	_ "partikv/storage/bolt"
	_ "partikv/storage/memory"
	"partikv/tcp"
)

// 节点装配：为本节点拥有的每个分区创建 actor，按键哈希路由请求，
// 持有事件总线、环管理器和对等传输的唯一实例。

type Node struct {
	self    string
	ringMgr *ring.StdManager
	bus     *eventbus.Bus
	props   *bucket.Store
	sender  *handoff.Sender
	sink    eventbus.Sink
	tw      *timewheel.TimeWheel
	idGen   *idgenerator.IDGenerator

	external partition.ExternalRunner

	mu     sync.RWMutex
	actors map[int]*partition.Actor
}

// members 是初始集群成员（节点 ID 即对外地址），包含本节点
func NewNode(members []string) (*Node, error) {
	props := config.Properties
	if props.NodeID == "" {
		return nil, fmt.Errorf("node-id not configured")
	}

	sender := handoff.NewSender()
	initial := ring.NewFlat(members, props.PartitionCount)
	ringMgr := ring.NewManager(props.NodeID, props.Dir, sender, initial)

	n := &Node{
		self:    props.NodeID,
		ringMgr: ringMgr,
		props:   bucket.NewStore(props.ReplicaFactor),
		sender:  sender,
		tw:      timewheel.New(time.Second, 60),
		idGen:   idgenerator.MakeIDGenerator(props.NodeID),
		actors:  make(map[int]*partition.Actor),
	}
	n.bus = eventbus.NewBus(ringMgr)
	n.sink = newMeteredSink(n.bus)
	n.tw.Start()

	// 为本节点当前拥有的每个分区创建 actor
	r := ringMgr.GetCurrentRing()
	for i := 0; i < r.PartitionCount(); i++ {
		if r.OwnerOf(i) == n.self {
			if _, err := n.ensureActor(i); err != nil {
				return nil, err
			}
		}
	}
	return n, nil
}

func (n *Node) Ring() iring.Manager {
	return n.ringMgr
}

func (n *Node) Bus() *eventbus.Bus {
	return n.bus
}

func (n *Node) Props() *bucket.Store {
	return n.props
}

// ClusterSubscriptions 返回环元数据里的集群订阅清单，供巡检
func (n *Node) ClusterSubscriptions() []eventbus.RegRecord {
	return n.bus.ClusterRegistrations()
}

// 外部执行环境运行器，未设置时 External 函数形态不可用
func (n *Node) SetExternalRunner(runner partition.ExternalRunner) {
	n.external = runner
}

// Serve 启动对等协议监听，阻塞到收到退出信号
func (n *Node) Serve() error {
	receiver := handoff.NewReceiver(n, n.ringMgr, n)
	return tcp.ListenAndServeWithSignal(&tcp.Config{
		Address: config.Properties.Bind,
	}, receiver)
}

// ******************** actor table ********************

func (n *Node) partitionOf(key object.BKey) int {
	return int(key.Hash()) % config.Properties.PartitionCount
}

func (n *Node) ensureActor(partitionID int) (*partition.Actor, error) {
	n.mu.RLock()
	a, ok := n.actors[partitionID]
	n.mu.RUnlock()
	if ok {
		return a, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if a, ok := n.actors[partitionID]; ok {
		return a, nil
	}

	props := config.Properties
	backend, err := storage.Start(props.Backend, partitionID, &istorage.Config{Dir: props.Dir})
	if err != nil {
		return nil, err
	}
	a, err = partition.NewActor(&partition.Options{
		Index:     partitionID,
		Backend:   backend,
		RingMgr:   n.ringMgr,
		Props:     n.props,
		Transport: n.sender,
		External:  n.external,
		Sink:      n.sink,
		CacheSize: props.MapCacheSize,
		Backoff:   props.HandoffBackoff,
		OnExit:    n.dropActor,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	n.actors[partitionID] = a
	n.tw.AddRecurringJob(props.HometestInterval, hometestJobKey(partitionID), a.Hometest)
	logger.Infof("partition %d actor started on %s", partitionID, n.self)
	return a, nil
}

// 所有权永久离开本节点时由 actor 回调
func (n *Node) dropActor(partitionID int) {
	n.mu.Lock()
	delete(n.actors, partitionID)
	n.mu.Unlock()
	n.tw.RemoveJob(hometestJobKey(partitionID))
}

func hometestJobKey(partitionID int) string {
	return fmt.Sprintf("hometest-%d", partitionID)
}

// ******************** client operations ********************

func (n *Node) Get(key object.BKey) (*object.Object, error) {
	a, err := n.ensureActor(n.partitionOf(key))
	if err != nil {
		return nil, err
	}
	return a.Get(key)
}

// Put 写入一个新值：基于本地现值推进时钟后交给分区 actor 合并落盘
func (n *Node) Put(key object.BKey, value []byte, meta map[string]string) partition.PutAck {
	a, err := n.ensureActor(n.partitionOf(key))
	if err != nil {
		return partition.PutAck{Err: err}
	}

	obj := object.New(key, value, meta)
	obj.Contents[0].Meta[object.MetaLastModified] = fmt.Sprintf("%d", time.Now().UnixNano())
	if stored, err := a.Get(key); err == nil {
		obj.Clock = stored.Clock.Copy()
	}
	obj.Clock.Increment(n.self)

	return a.Put(key, obj, n.nextReqID(), time.Now())
}

// PutObject 写入调用方已携带时钟的对象（副本间同步等场景）
func (n *Node) PutObject(obj *object.Object) partition.PutAck {
	a, err := n.ensureActor(n.partitionOf(obj.Key))
	if err != nil {
		return partition.PutAck{Err: err}
	}
	return a.Put(obj.Key, obj, n.nextReqID(), time.Now())
}

func (n *Node) Delete(key object.BKey) error {
	a, err := n.ensureActor(n.partitionOf(key))
	if err != nil {
		return err
	}
	return a.Delete(key)
}

func (n *Node) ListKeys(bucketName string) ([]string, error) {
	seen := make(map[string]struct{})
	var all []string
	n.mu.RLock()
	actors := make([]*partition.Actor, 0, len(n.actors))
	for _, a := range n.actors {
		actors = append(actors, a)
	}
	n.mu.RUnlock()
	for _, a := range actors {
		keys, err := a.ListKeys(bucketName)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				all = append(all, k)
			}
		}
	}
	return all, nil
}

func (n *Node) nextReqID() string {
	id, err := n.idGen.NextID()
	if err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%d", id)
}

// ******************** map dispatch ********************

// RunMap 对一个 key 执行 map 任务：按偏好列表建协调器，等待唯一的终局报告
func (n *Node) RunMap(key object.BKey, fun *mapred.FuncSpec, arg, keyData interface{}, timeout time.Duration) (interface{}, error) {
	return n.runTask(&mapred.Task{
		Key:     key,
		Fun:     fun,
		Arg:     arg,
		KeyData: keyData,
		Timeout: timeout,
	})
}

// RunLink 执行 link 改写任务：先翻译成目标 bucket 配置的 link 函数
func (n *Node) RunLink(key object.BKey, link *mapred.LinkTerm, keyData interface{}, timeout time.Duration) (interface{}, error) {
	return n.runTask(&mapred.Task{
		Key:     key,
		Link:    link,
		KeyData: keyData,
		Timeout: timeout,
	})
}

func (n *Node) runTask(task *mapred.Task) (interface{}, error) {
	if id, err := n.idGen.NextID(); err == nil {
		task.ID = id
	}
	r := n.ringMgr.GetCurrentRing()
	task.Candidates = r.PreferenceList(task.Key.Hash(), config.Properties.ReplicaFactor)

	coord := mapred.NewCoordinator(task, &nodeRunner{n: n}, func(bucketName string) *mapred.FuncSpec {
		return n.props.GetBucketProps(bucketName).LinkFun
	})
	out := <-coord.Start()
	return out.Value, out.Err
}

// mapred.Runner：本节点直达 actor，远端走对等协议
type nodeRunner struct {
	n *Node
}

func (r *nodeRunner) Dispatch(nodeID string, task *mapred.Task, replies chan<- *mapred.Reply) {
	if nodeID == r.n.self {
		r.n.ExecuteMap(task, replies)
		return
	}
	r.n.sender.DispatchMap(nodeID, task, replies)
}

// handoff.MapExecutor：远端派发来的任务路由到本地 actor
func (n *Node) ExecuteMap(task *mapred.Task, replies chan<- *mapred.Reply) {
	a, err := n.ensureActor(n.partitionOf(task.Key))
	if err != nil {
		replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: err}
		return
	}
	a.ExecuteMap(task, replies)
}

// handoff.Applier：收到的对象走与本地写一致的合并落盘路径
func (n *Node) ApplyReceived(obj *object.Object) error {
	ack := n.PutObject(obj)
	// 重复写说明对象已存在，搬迁语义上等价成功
	return ack.Err
}
