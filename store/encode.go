// Package store persists partner data and heartbeats in MongoDB and holds the
// mapping from protocol values to BSON field values.
package store

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/gopcua/opcua/ua"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrUnsupported marks a value that was stored as null on purpose.
var ErrUnsupported = errors.New("unsupported value")

// TimeFormat is the textual form of DateTime values.
const TimeFormat = time.RFC3339Nano

// Encode maps a protocol value to a BSON-ready Go value.
//
// The result is always usable. When it is nil because the value cannot be
// represented (unsigned 64-bit overflow, multi-dimensional array, unknown
// kind) the returned error wraps ErrUnsupported and describes the loss; the
// caller logs it and stores the null.
//
//	Boolean                         -> bool
//	SByte, Byte, Int16, UInt16, Int32 -> int32
//	UInt32, Int64                   -> int64
//	UInt64                          -> int64, or nil above MaxInt64
//	Float, Double                   -> float64
//	String, LocalizedText           -> string
//	DateTime                        -> string (TimeFormat, UTC)
//	Guid                            -> string
//	StatusCode                      -> int64 (raw bits)
//	ByteString                      -> binary (generic subtype)
//	one-dimensional array           -> array of encoded elements
func Encode(v *ua.Variant) (interface{}, error) {
	if v == nil || v.Type() == ua.TypeIDNull {
		return nil, nil
	}
	if v.EncodingMask()&ua.VariantArrayValues != 0 {
		if len(v.ArrayDimensions()) > 1 {
			return nil, fmt.Errorf("%w: %d-dimensional %s array", ErrUnsupported, len(v.ArrayDimensions()), v.Type())
		}
		return encodeArray(v.Value())
	}
	return encodeScalar(v.Value())
}

func encodeArray(val interface{}) (interface{}, error) {
	rv := reflect.ValueOf(val)
	if rv.Kind() != reflect.Slice {
		return encodeScalar(val)
	}
	out := make(bson.A, rv.Len())
	var lossy error
	for i := range out {
		e, err := encodeScalar(rv.Index(i).Interface())
		if err != nil && lossy == nil {
			lossy = fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = e
	}
	return out, lossy
}

func encodeScalar(val interface{}) (interface{}, error) {
	switch x := val.(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	case int8:
		return int32(x), nil
	case uint8:
		return int32(x), nil
	case int16:
		return int32(x), nil
	case uint16:
		return int32(x), nil
	case int32:
		return x, nil
	case uint32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: uint64 %d overflows int64", ErrUnsupported, x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		return x, nil
	case *ua.LocalizedText:
		if x == nil {
			return "", nil
		}
		return x.Text, nil
	case time.Time:
		return x.UTC().Format(TimeFormat), nil
	case *ua.GUID:
		if x == nil {
			return nil, nil
		}
		return x.String(), nil
	case ua.StatusCode:
		return int64(uint32(x)), nil
	case []byte:
		return primitive.Binary{Subtype: bson.TypeBinaryGeneric, Data: x}, nil
	case *ua.Variant:
		return Encode(x)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, val)
	}
}
