package factorgraph

import (
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/smartslam/spatialmath"
)

// ErrKeyNotFound is returned when a key has no value in an estimate.
var ErrKeyNotFound = errors.New("key not found")

// NewKeyNotFoundError returns ErrKeyNotFound annotated with the missing key.
func NewKeyNotFoundError(key Key) error {
	return errors.Wrapf(ErrKeyNotFound, "key %s", key)
}

// Values is an estimate: a pose for each key. It is not safe for concurrent mutation, but any
// number of goroutines may read it at once.
type Values struct {
	poses map[Key]spatialmath.Pose
}

// NewValues returns an empty estimate.
func NewValues() *Values {
	return &Values{poses: map[Key]spatialmath.Pose{}}
}

// Insert adds a new key, failing if it already exists.
func (v *Values) Insert(key Key, pose spatialmath.Pose) error {
	if _, ok := v.poses[key]; ok {
		return errors.Errorf("key %s already exists", key)
	}
	v.poses[key] = pose
	return nil
}

// Update replaces the value of an existing key.
func (v *Values) Update(key Key, pose spatialmath.Pose) error {
	if _, ok := v.poses[key]; !ok {
		return NewKeyNotFoundError(key)
	}
	v.poses[key] = pose
	return nil
}

// At returns the pose for key.
func (v *Values) At(key Key) (spatialmath.Pose, error) {
	pose, ok := v.poses[key]
	if !ok {
		return spatialmath.Pose{}, NewKeyNotFoundError(key)
	}
	return pose, nil
}

// Exists reports whether the key has a value.
func (v *Values) Exists(key Key) bool {
	_, ok := v.poses[key]
	return ok
}

// Keys returns all keys in ascending order.
func (v *Values) Keys() []Key {
	keys := maps.Keys(v.poses)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Len returns the number of keys.
func (v *Values) Len() int {
	return len(v.poses)
}

// Retract returns a new estimate where each pose with an entry in delta is moved along it.
// Keys missing from delta are copied unchanged.
func (v *Values) Retract(delta VectorValues) (*Values, error) {
	out := v.Clone()
	for key, d := range delta {
		pose, ok := v.poses[key]
		if !ok {
			return nil, NewKeyNotFoundError(key)
		}
		if d.Len() != spatialmath.PoseDim {
			return nil, errors.Errorf("delta for %s has dimension %d, expected %d", key, d.Len(), spatialmath.PoseDim)
		}
		out.poses[key] = pose.Retract(mat.Col(nil, 0, d))
	}
	return out, nil
}

// Clone returns a copy that can be mutated independently.
func (v *Values) Clone() *Values {
	out := NewValues()
	for k, p := range v.poses {
		out.poses[k] = p
	}
	return out
}
