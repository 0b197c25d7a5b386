package ot

import (
	"encoding/json"
	"fmt"
	"math"
)

// The wire encoding follows the ot.js convention: an operation is a JSON
// array whose elements are positive integers (retain), strings (insert) and
// negative integers (delete).
//
//	[2, "Hello", -3]  ==  retain 2, insert "Hello", delete 3

// MarshalJSON encodes the operation in the array form.
func (op *Operation) MarshalJSON() ([]byte, error) {
	arr := make([]interface{}, len(op.comps))
	for i, c := range op.comps {
		switch v := c.(type) {
		case Retain:
			arr[i] = v.N
		case Insert:
			arr[i] = v.Text
		case Delete:
			arr[i] = -v.N
		}
	}
	return json.Marshal(arr)
}

// UnmarshalJSON decodes the array form. Components pass through the
// normalizing builders, so the decoded operation is canonical even when the
// sender was not. Zero-length components are dropped; any element that is
// not an integer or a string fails with ErrInvalidComponent.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidComponent, err)
	}
	*op = Operation{comps: make([]Component, 0, len(arr))}
	for _, el := range arr {
		switch v := el.(type) {
		case string:
			op.Insert(v)
		case float64:
			if v != math.Trunc(v) || math.Abs(v) > math.MaxInt32 {
				return fmt.Errorf("%w: %v", ErrInvalidComponent, v)
			}
			n := int(v)
			switch {
			case n > 0:
				op.Retain(n)
			case n < 0:
				op.Delete(-n)
			}
		default:
			return fmt.Errorf("%w: %T", ErrInvalidComponent, el)
		}
	}
	return nil
}
