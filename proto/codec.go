package proto

import (
	"fmt"

	"github.com/bytedance/sonic"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype of the codec.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec encodes messages as JSON for gRPC.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*Message)
	if !ok {
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
	return Marshal(m)
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*Message)
	if !ok {
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return Unmarshal(data, m)
}

func (Codec) Name() string {
	return CodecName
}

// Marshal encodes a message.
func Marshal(m *Message) ([]byte, error) {
	return sonic.ConfigStd.Marshal(m)
}

// Unmarshal decodes a message and checks its payload.
func Unmarshal(data []byte, m *Message) error {
	err := sonic.ConfigStd.Unmarshal(data, m)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return m.Check()
}
