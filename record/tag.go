package record

import (
	"github.com/vmihailenco/msgpack"
)

// TagInfo is a small structured annotation attached to a cake.
type TagInfo struct {
	Name  string            `msgpack:"name"`
	Value string            `msgpack:"value,omitempty"`
	Attrs map[string]string `msgpack:"attrs,omitempty"`
}

// TagBody carries one TagInfo.
type TagBody struct {
	Tag TagInfo
}

func (TagBody) Type() EntryType { return Tag }
func (TagBody) payloadLen() int { return 0 }

func (b TagBody) encode(dst []byte) ([]byte, error) {
	buf, err := msgpack.Marshal(&b.Tag)
	if err != nil {
		return nil, err
	}
	dst, err = appendLength(dst, len(buf))
	if err != nil {
		return nil, err
	}
	return append(dst, buf...), nil
}

func decodeTag(buf []byte) (Body, error) {
	var b TagBody
	err := msgpack.Unmarshal(buf, &b.Tag)
	if err != nil {
		return nil, err
	}
	return b, nil
}
