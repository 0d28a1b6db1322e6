package store

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Custom values decode into map[string]any so they stay usable
		// with encoding/json.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes v for an attachment or a custom record.
func Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode is the inverse of Encode.
func Decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
