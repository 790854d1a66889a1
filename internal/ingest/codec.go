package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/yegors/flightwatch/internal/tracker"
)

// Codec encodes fixes on the wire
type Codec interface {
	Name() string
	Encode(f tracker.Fix) ([]byte, error)
	Decode(data []byte, f *tracker.Fix) error
}

// CodecByName returns the codec for "json" or "msgpack"
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

// JSONCodec uses the fix's json tags
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(f tracker.Fix) ([]byte, error) { return json.Marshal(f) }

func (JSONCodec) Decode(data []byte, f *tracker.Fix) error { return json.Unmarshal(data, f) }

// MsgpackCodec uses the fix's msgpack tags
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(f tracker.Fix) ([]byte, error) { return msgpack.Marshal(f) }

func (MsgpackCodec) Decode(data []byte, f *tracker.Fix) error { return msgpack.Unmarshal(data, f) }
