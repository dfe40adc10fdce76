package partition

import (
	"errors"
	"time"

	istorage "partikv/interface/storage"
	"partikv/lib/logger"
	"partikv/object"
)

// 归属检查（hometest）与移交协议。
// 周期性计算本分区的当前 owner：
//   - owner 是自己：保持 Active，移交状态复位；
//   - owner 不可达：继续照常服务，下个周期重试；
//   - owner 可达且后端有数据：发起整库搬迁；传输层返回加锁错误时
//     固定退避后重试；
//   - 后端已空：丢弃本地状态、向注册表发排除信号并终止。
// 搬迁期间写请求照常服务，只记录差量写集合，完成后仅补发差量。

var ErrHandoffLocked = errors.New("handoff locked")

type TransferDone struct {
	Token string
	Err   error
}

// 移交传输的能力接口，由网络层实现。
// StartTransfer 立即返回传输句柄（token）或 ErrHandoffLocked，
// 搬迁本体在独立的并发任务中执行，结束后向 done 投递一条完成消息。
type Transport interface {
	StartTransfer(target string, partitionID int, h istorage.Handle, done chan<- TransferDone) (token string, err error)
	// 补发移交窗口内变更的对象，接收端走与本地写一致的合并落盘路径
	Replay(token string, target string, objs []*object.Object) error
}

// 搬迁窗口内记录差量写集合
func (a *Actor) markDirty(key object.BKey) {
	if a.status != transferring {
		return
	}
	a.dirty[key.String()] = struct{}{}
}

func (a *Actor) handleTick() (exit bool) {
	owner := a.ringMgr.GetCurrentRing().OwnerOf(a.idx)

	if owner == a.self {
		// 自己就是 owner，绝不发起搬迁
		a.status = notInHandoff
		a.token = ""
		a.target = ""
		return false
	}

	if !a.ringMgr.Reachable(owner) {
		// owner 不可达：继续照常服务，下个周期重试
		return false
	}

	if a.status != notInHandoff {
		return false
	}

	if a.backend.IsEmpty() {
		// 没有数据可交接，直接让位
		return a.exit("empty")
	}

	token, err := a.transport.StartTransfer(owner, a.idx, a.backend, a.xferDone)
	if err == ErrHandoffLocked {
		// 对端加锁：固定退避后重试，状态保持 NotInHandoff
		time.AfterFunc(a.backoff, a.Hometest)
		return false
	}
	if err != nil {
		logger.Warnf("partition %d start transfer to %s: %v", a.idx, owner, err)
		return false
	}

	a.status = transferring
	a.token = token
	a.target = owner
	a.dirty = make(map[string]struct{})
	a.sink.Notify(moduleName, "handoff_started", a.idx)
	logger.Infof("partition %d handoff to %s started, token %s", a.idx, owner, token)
	return false
}

func (a *Actor) handleTransferDone(done TransferDone) (exit bool) {
	if a.status != transferring || done.Token != a.token {
		return false
	}
	if done.Err != nil {
		// 搬迁失败：回到常态，下个 hometest 重新发起
		logger.Warnf("partition %d handoff failed: %v", a.idx, done.Err)
		a.status = notInHandoff
		a.token = ""
		return false
	}

	// 补发窗口内的差量写集合
	a.status = awaitingReplay
	if len(a.dirty) > 0 {
		objs := make([]*object.Object, 0, len(a.dirty))
		for flat := range a.dirty {
			raw, err := a.backend.Get(flat)
			if err != nil {
				// 窗口内被删除的 key 无需补发
				continue
			}
			obj, err := object.Decode(raw)
			if err != nil {
				logger.Errorf("partition %d decode %s for replay: %v", a.idx, flat, err)
				continue
			}
			objs = append(objs, obj)
		}
		if err := a.transport.Replay(a.token, a.target, objs); err != nil {
			logger.Warnf("partition %d replay to %s failed: %v", a.idx, a.target, err)
			a.status = notInHandoff
			a.token = ""
			return false
		}
	}

	a.sink.Notify(moduleName, "handoff_complete", a.idx)
	return a.exit("handoff complete")
}

// 丢弃本地数据、发排除信号并终止；之后若本节点重新获得角色，
// 会由节点装配层创建全新的 actor
func (a *Actor) exit(reason string) bool {
	if err := a.backend.Drop(); err != nil {
		logger.Errorf("partition %d drop backend: %v", a.idx, err)
	}
	if err := a.backend.Close(); err != nil {
		logger.Errorf("partition %d close backend: %v", a.idx, err)
	}
	a.sink.Notify(moduleName, "exclude", a.idx)
	if a.onExit != nil {
		a.onExit(a.idx)
	}
	logger.Infof("partition %d actor exiting: %s", a.idx, reason)
	return true
}
