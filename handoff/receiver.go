package handoff

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"partikv/lib/logger"
	atomicbool "partikv/lib/sync/atomic"
	"partikv/lib/sync/wait"
	"partikv/mapred"
	"partikv/object"
)

const closeDrainTimeout = 10 * time.Second

// 对等协议的接收端，实现 tcp.Handler。
// 收到的对象走与本地写一致的合并落盘路径（由 Applier 保证），
// 因此补发与目标上并发新写之间按时钟合并，等价 last-write-wins。

// 由节点装配层实现：把收到的对象按本地写路径合并落盘
type Applier interface {
	ApplyReceived(obj *object.Object) error
}

// 本地执行一个 map 任务（远端派发来的）
type MapExecutor interface {
	ExecuteMap(task *mapred.Task, replies chan<- *mapred.Reply)
}

// 采纳 peer 推送的环元数据
type RingReceiver interface {
	ReceiveRing(data []byte) error
}

type Receiver struct {
	applier  Applier
	ringRecv RingReceiver
	mapExec  MapExecutor

	closing atomicbool.Boolean
	serving wait.Wait
	mu      sync.Mutex
	active  map[int]struct{} // 正在接收搬迁的分区
}

func NewReceiver(applier Applier, ringRecv RingReceiver, mapExec MapExecutor) *Receiver {
	return &Receiver{
		applier:  applier,
		ringRecv: ringRecv,
		mapExec:  mapExec,
		active:   make(map[int]struct{}),
	}
}

func (r *Receiver) Handle(ctx context.Context, conn net.Conn) {
	if r.closing.Get() {
		_ = conn.Close()
		return
	}
	r.serving.Add(1)
	defer r.serving.Done()
	pc := newPeerConn(conn)
	defer pc.Close()

	// 首帧决定本连接的用途
	first, err := pc.recv()
	if err != nil {
		if err != io.EOF {
			logger.Warnf("peer conn from %s: %v", conn.RemoteAddr(), err)
		}
		return
	}

	switch first.Kind {
	case framePing:
		_ = pc.send(&frame{Kind: frameAck, Status: statusOK})
	case frameRingPush:
		if err := r.ringRecv.ReceiveRing(first.Data); err != nil {
			_ = pc.send(&frame{Kind: frameAck, Status: statusError, Error: err.Error()})
			return
		}
		_ = pc.send(&frame{Kind: frameAck, Status: statusOK})
	case frameHello:
		r.receiveTransfer(pc, first)
	case frameReplay:
		r.receiveObjects(pc)
	case frameMapTask:
		r.serveMapTask(pc, first)
	default:
		logger.Warnf("unknown first frame kind %d from %s", first.Kind, conn.RemoteAddr())
	}
}

// 整库搬迁接收：同一分区同时只允许一路传输，重复发起回加锁
func (r *Receiver) receiveTransfer(pc *peerConn, hello *frame) {
	r.mu.Lock()
	if _, busy := r.active[hello.Partition]; busy {
		r.mu.Unlock()
		_ = pc.send(&frame{Kind: frameAck, Status: statusLocked})
		return
	}
	r.active[hello.Partition] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, hello.Partition)
		r.mu.Unlock()
	}()

	if err := pc.send(&frame{Kind: frameAck, Status: statusOK}); err != nil {
		return
	}
	logger.Infof("receiving transfer %s for partition %d", hello.Token, hello.Partition)
	r.receiveObjects(pc)
}

// 对象流落盘，结束后回终局应答
func (r *Receiver) receiveObjects(pc *peerConn) {
	applied := 0
	for {
		f, err := pc.recv()
		if err != nil {
			logger.Warnf("object stream aborted after %d objects: %v", applied, err)
			return
		}
		switch f.Kind {
		case frameObject:
			obj, err := object.Decode(f.Data)
			if err == nil {
				err = r.applier.ApplyReceived(obj)
			}
			if err != nil {
				_ = pc.send(&frame{Kind: frameAck, Status: statusError, Error: err.Error()})
				return
			}
			applied++
		case frameEnd:
			_ = pc.send(&frame{Kind: frameAck, Status: statusOK})
			logger.Infof("object stream complete, %d objects applied", applied)
			return
		default:
			_ = pc.send(&frame{Kind: frameAck, Status: statusError, Error: "unexpected frame"})
			return
		}
	}
}

// 远端派发来的 map 任务：本地执行，应答逐帧转发回去
func (r *Receiver) serveMapTask(pc *peerConn, f *frame) {
	arg, err := decodeValue(f.Arg)
	if err != nil {
		_ = pc.send(&frame{Kind: frameMapReply, ReplyKind: int(mapred.ReplyRetryErr), Error: err.Error(), Final: true})
		return
	}
	keyData, err := decodeValue(f.KeyData)
	if err != nil {
		_ = pc.send(&frame{Kind: frameMapReply, ReplyKind: int(mapred.ReplyRetryErr), Error: err.Error(), Final: true})
		return
	}

	task := &mapred.Task{
		ID:      f.TaskID,
		Key:     object.BKey{Bucket: f.Bucket, Key: f.ObjKey},
		Fun:     &mapred.FuncSpec{Kind: mapred.FuncKind(f.FunKind), Module: f.Module, Name: f.Name},
		Arg:     arg,
		KeyData: keyData,
	}

	replies := make(chan *mapred.Reply, 4)
	r.mapExec.ExecuteMap(task, replies)

	for rep := range replies {
		out := &frame{Kind: frameMapReply, ReplyKind: int(rep.Kind)}
		if rep.Err != nil {
			out.Error = rep.Err.Error()
		}
		if rep.Value != nil {
			data, err := encodeValue(rep.Value)
			if err != nil {
				out = &frame{Kind: frameMapReply, ReplyKind: int(mapred.ReplyRetryErr), Error: err.Error()}
			} else {
				out.Data = data
			}
		}
		out.Final = rep.Kind != mapred.ReplyExecuting
		if err := pc.send(out); err != nil {
			return
		}
		if out.Final {
			return
		}
	}
}

// Close 拒绝新连接并等在途交换结束，超时放弃
func (r *Receiver) Close() error {
	r.closing.Set(true)
	if r.serving.WaitWithTimeout(closeDrainTimeout) {
		logger.Warn("close timed out waiting for in-flight peer exchanges")
	}
	return nil
}
