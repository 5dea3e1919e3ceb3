package bytes

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
)

// ByteOrder is the order used for every fixed-layout structure written to disk.
var ByteOrder = binary.BigEndian

// PaddedString returns the contents of a NUL padded field as a string.
func PaddedString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// CopyPadded copies s into dst and zeroes the remainder. The last byte of dst is
// reserved for the terminator, so s must be strictly shorter than dst.
func CopyPadded(dst []byte, s string) error {
	if len(s) >= len(dst) {
		return fmt.Errorf("value of %d bytes does not fit in a %d byte field", len(s), len(dst))
	}
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

// SizeOf returns the encoded size of a fixed-layout struct.
func SizeOf(data interface{}) int {
	return binary.Size(data)
}

// BytesFromStruct serializes the fields of a struct to an array of bytes in the
// order in which the fields are declared and returns total number of bytes converted.
// Panics if data is not a struct or pointer to struct, or if there was an error writing a field.
func BytesFromStruct(data interface{}) ([]byte, int) {
	val := reflect.ValueOf(data)
	valKind := val.Kind()

	if valKind == reflect.Ptr {
		val = reflect.ValueOf(data).Elem()
		valKind = val.Kind()
	}

	if valKind != reflect.Struct {
		panic("BytesFromStruct(): data must of type struct " +
			"or ptr to struct, got: " + valKind.String())
	}

	convertedBytes := new(bytes.Buffer)
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)

		var err error
		switch kind := field.Kind(); kind {
		case reflect.Struct, reflect.Ptr:
			b, _ := BytesFromStruct(field.Interface())
			err = binary.Write(convertedBytes, ByteOrder, b)
		default:
			err = binary.Write(convertedBytes, ByteOrder, field.Interface())
		}
		if err != nil {
			panic(err.Error())
		}
	}
	return convertedBytes.Bytes(), convertedBytes.Len()
}

// StructFromBytes populates the struct pointed to by targetStruct by reading in a
// stream of bytes and filling the values in sequential order. Unlike BytesFromStruct
// it reports short or malformed input as an error, since its input usually comes
// from disk.
func StructFromBytes(data []byte, targetStruct interface{}) error {
	targetVal := reflect.ValueOf(targetStruct)

	if valKind := targetVal.Kind(); valKind != reflect.Ptr {
		panic("StructFromBytes(): targetStruct must be a " +
			"ptr to struct, got: " + valKind.String())
	}

	reader := bytes.NewReader(data)
	val := targetVal.Elem()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		if err := binary.Read(reader, ByteOrder, field.Addr().Interface()); err != nil {
			return fmt.Errorf("reading field %s: %w", val.Type().Field(i).Name, err)
		}
	}
	return nil
}
