package creds

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same bundle always
// produces the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("creds: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("creds: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshal(b *Bundle) ([]byte, error) {
	return encMode.Marshal(b)
}

func unmarshal(data []byte) (*Bundle, error) {
	var b Bundle
	if err := decMode.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	if b.Keys == nil {
		b.Keys = map[string][]byte{}
	}
	return &b, nil
}
