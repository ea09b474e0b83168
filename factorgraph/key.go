// Package factorgraph holds the estimation containers shared by nonlinear factors: keys, pose
// estimates, tangent-space deltas, Gaussian (linearized) factors and factor graphs that evaluate
// their members in parallel.
package factorgraph

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

const (
	keyBits   = 64
	chrBits   = 8
	indexBits = keyBits - chrBits
	chrMask   = Key(0xff) << indexBits
	indexMask = ^chrMask
)

// Key identifies a variable in a factor graph.
type Key uint64

// Symbol packs a character and an index into a key, so that Symbol('x', 3) prints as "x3".
func Symbol(chr byte, index uint64) Key {
	return Key(chr)<<indexBits | (Key(index) & indexMask)
}

// Chr returns the character of a symbol key, or 0 for a plain numeric key.
func (k Key) Chr() byte {
	return byte((k & chrMask) >> indexBits)
}

// Index returns the index part of a symbol key.
func (k Key) Index() uint64 {
	return uint64(k & indexMask)
}

func (k Key) String() string {
	c := k.Chr()
	if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return fmt.Sprintf("%c%d", c, k.Index())
	}
	return strconv.FormatUint(uint64(k), 10)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return 0, errors.New("empty key")
	}
	c := s[0]
	if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		idx, err := strconv.ParseUint(s[1:], 10, indexBits)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid symbol key %q", s)
		}
		return Symbol(c, idx), nil
	}
	v, err := strconv.ParseUint(s, 10, keyBits)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid key %q", s)
	}
	return Key(v), nil
}
