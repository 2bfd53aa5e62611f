package db

import (
	"reflect"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack"
)

func init() {
	// money is carried as its exact decimal string so that no
	// float rounding ever reaches a wallet
	msgpack.Register(decimal.Decimal{},
		func(enc *msgpack.Encoder, v reflect.Value) error {
			return enc.EncodeString(v.Interface().(decimal.Decimal).String())
		},
		func(dec *msgpack.Decoder, v reflect.Value) error {
			s, err := dec.DecodeString()
			if err != nil {
				return err
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return err
			}
			v.Set(reflect.ValueOf(d))
			return nil
		})
}

// Encode serializes a record for storage.
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode parses a stored record into v.
func Decode(buf []byte, v interface{}) error {
	return msgpack.Unmarshal(buf, v)
}
