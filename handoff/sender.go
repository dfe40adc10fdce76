package handoff

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	istorage "partikv/interface/storage"
	"partikv/lib/logger"
	"partikv/mapred"
	"partikv/object"
	"partikv/partition"
)

// 对等协议的发起端：移交搬迁、差量补发、环推送、探活、map 任务派发。
// 节点 ID 即对外地址，直接拨号。

const defaultDialTimeout = 3 * time.Second

type Sender struct {
	dialTimeout time.Duration
}

func NewSender() *Sender {
	return &Sender{dialTimeout: defaultDialTimeout}
}

func (s *Sender) dial(target string) (*peerConn, error) {
	conn, err := net.DialTimeout("tcp", target, s.dialTimeout)
	if err != nil {
		return nil, err
	}
	return newPeerConn(conn), nil
}

// ******************** partition.Transport ********************

// StartTransfer 同步握手拿到 token 或加锁错误，搬迁本体异步执行
func (s *Sender) StartTransfer(target string, partitionID int, h istorage.Handle, done chan<- partition.TransferDone) (string, error) {
	pc, err := s.dial(target)
	if err != nil {
		return "", err
	}
	token := uuid.NewString()
	if err := pc.send(&frame{Kind: frameHello, Token: token, Partition: partitionID}); err != nil {
		_ = pc.Close()
		return "", err
	}
	ack, err := pc.recv()
	if err != nil {
		_ = pc.Close()
		return "", err
	}
	if ack.Status == statusLocked {
		_ = pc.Close()
		return "", partition.ErrHandoffLocked
	}
	if ack.Status != statusOK {
		_ = pc.Close()
		return "", errors.New(ack.Error)
	}

	go s.runTransfer(pc, token, h, done)
	return token, nil
}

// 整库搬迁：折叠扫描后端，把每个对象编码成帧发往对端
func (s *Sender) runTransfer(pc *peerConn, token string, h istorage.Handle, done chan<- partition.TransferDone) {
	defer pc.Close()

	var sendErr error
	count := 0
	_, foldErr := h.Fold(func(key string, value []byte, acc interface{}) interface{} {
		if sendErr != nil {
			return acc
		}
		sendErr = pc.send(&frame{Kind: frameObject, Token: token, Key: key, Data: value})
		count++
		return acc
	}, nil)

	err := foldErr
	if err == nil {
		err = sendErr
	}
	if err == nil {
		err = pc.send(&frame{Kind: frameEnd, Token: token})
	}
	if err == nil {
		ack, rerr := pc.recv()
		switch {
		case rerr != nil:
			err = rerr
		case ack.Status != statusOK:
			err = errors.New(ack.Error)
		}
	}
	if err == nil {
		logger.Infof("transfer %s done, %d objects sent", token, count)
	}
	done <- partition.TransferDone{Token: token, Err: err}
}

// Replay 补发移交窗口内变更的对象
func (s *Sender) Replay(token string, target string, objs []*object.Object) error {
	pc, err := s.dial(target)
	if err != nil {
		return err
	}
	defer pc.Close()

	if err := pc.send(&frame{Kind: frameReplay, Token: token}); err != nil {
		return err
	}
	for _, obj := range objs {
		data, err := object.Encode(obj)
		if err != nil {
			return err
		}
		if err := pc.send(&frame{Kind: frameObject, Token: token, Key: obj.Key.String(), Data: data}); err != nil {
			return err
		}
	}
	if err := pc.send(&frame{Kind: frameEnd, Token: token}); err != nil {
		return err
	}
	ack, err := pc.recv()
	if err != nil {
		return err
	}
	if ack.Status != statusOK {
		return errors.New(ack.Error)
	}
	return nil
}

// ******************** ring.Peers ********************

func (s *Sender) Ping(nodeID string) bool {
	pc, err := s.dial(nodeID)
	if err != nil {
		return false
	}
	defer pc.Close()
	if err := pc.send(&frame{Kind: framePing}); err != nil {
		return false
	}
	ack, err := pc.recv()
	return err == nil && ack.Status == statusOK
}

func (s *Sender) PushRing(nodeID string, data []byte) error {
	pc, err := s.dial(nodeID)
	if err != nil {
		return err
	}
	defer pc.Close()
	if err := pc.send(&frame{Kind: frameRingPush, Data: data}); err != nil {
		return err
	}
	ack, err := pc.recv()
	if err != nil {
		return err
	}
	if ack.Status != statusOK {
		return errors.New(ack.Error)
	}
	return nil
}

// ******************** remote map dispatch ********************

// DispatchMap 把 map 任务发给远端节点执行并转发其应答流。
// 匿名闭包无法跨节点传输，只支持按引用的函数形态
func (s *Sender) DispatchMap(nodeID string, task *mapred.Task, replies chan<- *mapred.Reply) {
	go func() {
		if task.Fun.Kind == mapred.FuncInline {
			replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: errors.New("inline function cannot be dispatched remotely")}
			return
		}
		pc, err := s.dial(nodeID)
		if err != nil {
			replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: err}
			return
		}
		defer pc.Close()

		arg, err := encodeValue(task.Arg)
		if err == nil {
			var keyData []byte
			keyData, err = encodeValue(task.KeyData)
			if err == nil {
				err = pc.send(&frame{
					Kind:    frameMapTask,
					TaskID:  task.ID,
					Bucket:  task.Key.Bucket,
					ObjKey:  task.Key.Key,
					FunKind: int(task.Fun.Kind),
					Module:  task.Fun.Module,
					Name:    task.Fun.Name,
					Arg:     arg,
					KeyData: keyData,
				})
			}
		}
		if err != nil {
			replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: err}
			return
		}

		// 转发应答流直到终局帧
		for {
			f, err := pc.recv()
			if err != nil {
				replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: err}
				return
			}
			if f.Kind != frameMapReply {
				replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: fmt.Errorf("unexpected frame kind %d", f.Kind)}
				return
			}
			rep := &mapred.Reply{Kind: mapred.ReplyKind(f.ReplyKind)}
			if f.Error != "" {
				rep.Err = errors.New(f.Error)
			}
			if len(f.Data) > 0 {
				value, derr := decodeValue(f.Data)
				if derr != nil {
					replies <- &mapred.Reply{Kind: mapred.ReplyRetryErr, Err: derr}
					return
				}
				rep.Value = value
			}
			replies <- rep
			if f.Final {
				return
			}
		}
	}()
}
