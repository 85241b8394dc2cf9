package abci

import (
	"fmt"

	gogoproto "github.com/cosmos/gogoproto/proto"
)

// gogoCodec marshals the gogoproto-generated ABCI messages. It is forced on
// the ABCI connection only; other gRPC services keep the default codec.
type gogoCodec struct{}

// Name returns the name of the codec
func (gogoCodec) Name() string {
	return "proto"
}

// Marshal serializes a gogoproto message
func (gogoCodec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(gogoproto.Message)
	if !ok {
		return nil, fmt.Errorf("abci codec: %T is not a gogoproto message", v)
	}
	return gogoproto.Marshal(msg)
}

// Unmarshal deserializes a gogoproto message
func (gogoCodec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(gogoproto.Message)
	if !ok {
		return fmt.Errorf("abci codec: %T is not a gogoproto message", v)
	}
	return gogoproto.Unmarshal(data, msg)
}
