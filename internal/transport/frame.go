package transport

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Frame is the data channel wire record. Integer keys keep frames small.
type Frame struct {
	Topic   string `cbor:"1,keyasint"`
	Sender  string `cbor:"2,keyasint,omitempty"`
	Payload []byte `cbor:"3,keyasint"`
	Sent    int64  `cbor:"4,keyasint,omitempty"` // sender clock, epoch ms
}

var (
	frameEnc cbor.EncMode
	frameDec cbor.DecMode
)

func init() {
	var err error
	frameEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	frameDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeFrame encodes f with deterministic CBOR.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := frameEnc.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return data, nil
}

// DecodeFrame decodes a frame. A frame without a topic is rejected.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := frameDec.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Topic == "" {
		return Frame{}, fmt.Errorf("decoding frame: missing topic")
	}
	return f, nil
}
