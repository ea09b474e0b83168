package utils

import (
	"testing"

	"go.viam.com/test"
)

func TestNewUnexpectedTypeError(t *testing.T) {
	for _, tc := range []struct {
		name     string
		expected interface{}
		actual   interface{}
		errStr   string
	}{
		{"one", "exp1", "actual1", `expected string but got string`},
		{"two", 1, "actual2", `expected int but got string`},
		{"three", nil, "actual3", `expected <nil> but got string`},
		{"four", (*someStruct)(nil), 6, `expected *utils.someStruct but got int`},
		{"five", someStruct{}, 7, `expected utils.someStruct but got int`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := NewUnexpectedTypeError(tc.expected, tc.actual)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errStr)
		})
	}
}

func TestNewDimensionMismatchError(t *testing.T) {
	err := NewDimensionMismatchError("sigmas", 2, 3)
	test.That(t, err.Error(), test.ShouldEqual, "sigmas has dimension 3, expected 2")
}

type someStruct struct{}
