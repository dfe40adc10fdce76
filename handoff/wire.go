package handoff

import (
	"bytes"
	"net"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// 节点间对等协议的线上格式：msgpack 帧流。
// 同一条协议承载移交搬迁、差量补发、环推送、探活和 map 任务派发。

const (
	frameHello    = iota + 1 // 发起整库搬迁
	frameObject              // 一个对象
	frameEnd                 // 对象流结束
	frameAck                 // 应答
	frameReplay              // 差量补发
	frameRingPush            // 环元数据推送
	framePing                // 探活
	frameMapTask             // map 任务派发
	frameMapReply            // map 任务应答（可多帧，终局帧 Final=true）
)

const (
	statusOK     = "ok"
	statusLocked = "locked"
	statusError  = "error"
)

type frame struct {
	Kind      int
	Token     string
	Partition int
	Key       string
	Data      []byte // 对象 / 环 / 任务的编码体
	Status    string
	Error     string

	// map 任务派发字段
	TaskID    int64
	Bucket    string
	ObjKey    string
	FunKind   int
	Module    string
	Name      string
	Arg       []byte
	KeyData   []byte
	Final     bool
	ReplyKind int // mapred.ReplyKind
}

var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	return h
}

// 任意参数值与线上字节的互转，nil 映射为空
func encodeValue(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeValue(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := codec.NewDecoder(bytes.NewReader(data), msgpackHandle).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

type peerConn struct {
	conn net.Conn
	enc  *codec.Encoder
	dec  *codec.Decoder
}

func newPeerConn(conn net.Conn) *peerConn {
	return &peerConn{
		conn: conn,
		enc:  codec.NewEncoder(conn, msgpackHandle),
		dec:  codec.NewDecoder(conn, msgpackHandle),
	}
}

func (c *peerConn) send(f *frame) error {
	return c.enc.Encode(f)
}

func (c *peerConn) recv() (*frame, error) {
	f := &frame{}
	if err := c.dec.Decode(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (c *peerConn) Close() error {
	return c.conn.Close()
}
