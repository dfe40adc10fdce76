package object

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"partikv/vclock"
)

// 对象的持久化 / 传输编码，msgpack 格式

var msgpackHandle = &codec.MsgpackHandle{}

func Encode(o *Object) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (*Object, error) {
	o := &Object{}
	dec := codec.NewDecoder(bytes.NewReader(data), msgpackHandle)
	if err := dec.Decode(o); err != nil {
		return nil, err
	}
	if o.Clock == nil {
		o.Clock = vclock.New()
	}
	return o, nil
}
