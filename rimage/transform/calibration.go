package transform

import (
	"sort"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/gonum/mat"
)

// Calibration maps between intrinsic (normalized image plane) coordinates and pixels.
// Implementations are immutable once built and may be shared by many cameras and factors.
type Calibration interface {
	// Uncalibrate returns the pixel for intrinsic coordinates p and the 2x2 Jacobian of the pixel
	// with respect to p.
	Uncalibrate(p r2.Point) (r2.Point, *mat.Dense)
	// Calibrate returns the intrinsic coordinates of a pixel.
	Calibrate(pixel r2.Point) (r2.Point, error)
	// CameraMatrix returns the 3x3 linear part of the model.
	CameraMatrix() *mat.Dense
	CheckValid() error
	Equal(other Calibration, tol float64) bool
	String() string
}

// calibrationEqualityTolerance decides whether a re-registration is a duplicate or a conflict.
const calibrationEqualityTolerance = 1e-12

// CalibrationRegistry holds one calibration per camera identity so that every factor observing
// through the same physical camera shares a single instance. It is safe for concurrent use.
type CalibrationRegistry struct {
	mu           sync.RWMutex
	calibrations map[string]Calibration
}

// NewCalibrationRegistry returns an empty registry.
func NewCalibrationRegistry() *CalibrationRegistry {
	return &CalibrationRegistry{calibrations: map[string]Calibration{}}
}

// Register stores cal under id and returns the instance that callers should share. Registering
// an equal calibration again returns the existing instance; a different one is an error.
func (reg *CalibrationRegistry) Register(id string, cal Calibration) (Calibration, error) {
	if cal == nil {
		return nil, errors.Errorf("calibration for camera %q is nil", id)
	}
	if err := cal.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "calibration for camera %q", id)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if existing, ok := reg.calibrations[id]; ok {
		if existing.Equal(cal, calibrationEqualityTolerance) {
			return existing, nil
		}
		return nil, errors.Errorf("camera %q already registered with a different calibration (%s)", id, existing)
	}
	reg.calibrations[id] = cal
	return cal, nil
}

// Get returns the calibration for id.
func (reg *CalibrationRegistry) Get(id string) (Calibration, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	cal, ok := reg.calibrations[id]
	return cal, ok
}

// MustGet is Get, panicking if id is unknown.
func (reg *CalibrationRegistry) MustGet(id string) Calibration {
	cal, ok := reg.Get(id)
	if !ok {
		panic(errors.Errorf("no calibration registered for camera %q", id))
	}
	return cal
}

// IDs returns every registered camera identity, sorted.
func (reg *CalibrationRegistry) IDs() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ids := maps.Keys(reg.calibrations)
	sort.Strings(ids)
	return ids
}
