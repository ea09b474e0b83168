package smartfactor

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/smartslam/factorgraph"
	"go.viam.com/smartslam/noise"
	"go.viam.com/smartslam/rimage/transform"
	"go.viam.com/smartslam/utils"
)

// measurementDim is the dimension of a pixel observation.
const measurementDim = 2

// Measurement is one observation of the landmark by the camera on the pose at Key.
type Measurement struct {
	Key         factorgraph.Key
	Pixel       r2.Point
	Noise       noise.Model
	Calibration transform.Calibration
}

// measurementSet is append-only and keeps insertion order; keys are unique.
type measurementSet struct {
	items []Measurement
	index map[factorgraph.Key]int
}

func newMeasurementSet() measurementSet {
	return measurementSet{index: map[factorgraph.Key]int{}}
}

func (ms *measurementSet) add(key factorgraph.Key, pixel r2.Point, model noise.Model, cal transform.Calibration) error {
	if _, dup := ms.index[key]; dup {
		return errors.Wrapf(ErrInvalidMeasurement, "key %s already observes this landmark", key)
	}
	if !utils.IsFinite(pixel.X, pixel.Y) {
		return errors.Wrapf(ErrInvalidMeasurement, "pixel %v for key %s is not finite", pixel, key)
	}
	if model == nil {
		model = noise.NewUnit(measurementDim)
	}
	if err := noise.CheckDim(model, measurementDim); err != nil {
		return errors.Wrap(ErrInvalidMeasurement, err.Error())
	}
	if cal == nil {
		return errors.Wrapf(ErrInvalidConfig, "no calibration for key %s", key)
	}
	if err := cal.CheckValid(); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	ms.index[key] = len(ms.items)
	ms.items = append(ms.items, Measurement{Key: key, Pixel: pixel, Noise: model, Calibration: cal})
	return nil
}

func (ms *measurementSet) size() int {
	return len(ms.items)
}

func (ms *measurementSet) keys() []factorgraph.Key {
	keys := make([]factorgraph.Key, len(ms.items))
	for i, m := range ms.items {
		keys[i] = m.Key
	}
	return keys
}

func (ms *measurementSet) pixels() []r2.Point {
	out := make([]r2.Point, len(ms.items))
	for i, m := range ms.items {
		out[i] = m.Pixel
	}
	return out
}
