// Package transform holds the camera models used by the visual factors: intrinsics, lens
// distortion, posed cameras and multi-view triangulation.
package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
// S is the skew between the image axes; it is zero for nearly every real sensor.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px" yaml:"width_px"`
	Height int     `json:"height_px" yaml:"height_px"`
	Fx     float64 `json:"fx" yaml:"fx"`
	Fy     float64 `json:"fy" yaml:"fy"`
	S      float64 `json:"skew,omitempty" yaml:"skew,omitempty"`
	Ppx    float64 `json:"ppx" yaml:"ppx"`
	Ppy    float64 `json:"ppy" yaml:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width == 0 || params.Height == 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 || math.IsNaN(params.Fx) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 || math.IsNaN(params.Fy) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, nil
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) (float64, float64, float64) {
	if params == nil {
		return float64(0), float64(0), float64(0)
	}
	yOverZ := (y - params.Ppy) / params.Fy
	xOverZ := (x - params.Ppx - params.S*yOverZ) / params.Fx
	return xOverZ * z, yOverZ * z, z
}

// PointToPixel projects a 3D point in the camera frame to a (sub-pixel) location in the image plane.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z != 0. {
		xPx := (x/z)*params.Fx + (y/z)*params.S + params.Ppx
		yPx := (y/z)*params.Fy + params.Ppy
		return xPx, yPx
	}
	// if depth is zero at this pixel, return negative coordinates so that the cropping to RGB bounds will filter it out
	return -1.0, -1.0
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx s  ppx],
//
//	[0  fy ppy],
//	[0  0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(0, 1, params.S)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// CameraMatrix is GetCameraMatrix, satisfying Calibration.
func (params *PinholeCameraIntrinsics) CameraMatrix() *mat.Dense {
	return params.GetCameraMatrix()
}

// Uncalibrate maps intrinsic (normalized image plane) coordinates to pixels, returning the 2x2
// Jacobian of the pixel with respect to the intrinsic coordinates.
func (params *PinholeCameraIntrinsics) Uncalibrate(p r2.Point) (r2.Point, *mat.Dense) {
	pixel := r2.Point{
		X: params.Fx*p.X + params.S*p.Y + params.Ppx,
		Y: params.Fy*p.Y + params.Ppy,
	}
	return pixel, mat.NewDense(2, 2, []float64{params.Fx, params.S, 0, params.Fy})
}

// Calibrate maps a pixel to intrinsic coordinates.
func (params *PinholeCameraIntrinsics) Calibrate(pixel r2.Point) (r2.Point, error) {
	x, y, _ := params.PixelToPoint(pixel.X, pixel.Y, 1)
	return r2.Point{X: x, Y: y}, nil
}

// Equal compares the projection parameters within tol; image size must match exactly.
func (params *PinholeCameraIntrinsics) Equal(other Calibration, tol float64) bool {
	o, ok := other.(*PinholeCameraIntrinsics)
	if !ok || params == nil || o == nil {
		return false
	}
	return params.Width == o.Width && params.Height == o.Height &&
		math.Abs(params.Fx-o.Fx) <= tol && math.Abs(params.Fy-o.Fy) <= tol &&
		math.Abs(params.S-o.S) <= tol &&
		math.Abs(params.Ppx-o.Ppx) <= tol && math.Abs(params.Ppy-o.Ppy) <= tol
}

func (params *PinholeCameraIntrinsics) String() string {
	return fmt.Sprintf("pinhole %dx%d fx=%g fy=%g s=%g ppx=%g ppy=%g",
		params.Width, params.Height, params.Fx, params.Fy, params.S, params.Ppx, params.Ppy)
}

// PinholeCameraModel is the model of a pinhole camera with lens distortion.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               Distorter `json:"distortion"`
}

// CheckValid checks both the intrinsics and the distortion.
func (params *PinholeCameraModel) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("camera model does not exist")
	}
	if err := params.PinholeCameraIntrinsics.CheckValid(); err != nil {
		return err
	}
	if params.Distortion == nil {
		return nil
	}
	return params.Distortion.CheckValid()
}

// DistortionMap is a function that transforms the undistorted input points (u,v) to the distorted points (x,y)
// according to the model in PinholeCameraModel.Distortion.
func (params *PinholeCameraModel) DistortionMap() func(u, v float64) (float64, float64) {
	return func(u, v float64) (float64, float64) {
		y := (v - params.Ppy) / params.Fy
		x := (u - params.Ppx - params.S*y) / params.Fx
		if params.Distortion != nil {
			x, y = params.Distortion.Transform(x, y)
		}
		return params.PointToPixel(x, y, 1)
	}
}

// Uncalibrate distorts the intrinsic coordinates and then applies the camera matrix.
func (params *PinholeCameraModel) Uncalibrate(p r2.Point) (r2.Point, *mat.Dense) {
	if params.Distortion == nil {
		return params.PinholeCameraIntrinsics.Uncalibrate(p)
	}
	dx, dy := params.Distortion.Transform(p.X, p.Y)
	pixel, dK := params.PinholeCameraIntrinsics.Uncalibrate(r2.Point{X: dx, Y: dy})
	var jac mat.Dense
	jac.Mul(dK, params.Distortion.Jacobian(p.X, p.Y))
	return pixel, &jac
}

// Calibrate removes the camera matrix and then inverts the distortion iteratively.
func (params *PinholeCameraModel) Calibrate(pixel r2.Point) (r2.Point, error) {
	distorted, err := params.PinholeCameraIntrinsics.Calibrate(pixel)
	if err != nil || params.Distortion == nil {
		return distorted, err
	}
	x, y, converged := invertDistortion(params.Distortion, distorted.X, distorted.Y)
	if !converged {
		return r2.Point{X: x, Y: y}, errors.Errorf("undistortion of pixel %v did not converge", pixel)
	}
	return r2.Point{X: x, Y: y}, nil
}

// CameraMatrix returns the matrix of the underlying pinhole.
func (params *PinholeCameraModel) CameraMatrix() *mat.Dense {
	return params.GetCameraMatrix()
}

// Equal compares intrinsics and distortion parameters within tol.
func (params *PinholeCameraModel) Equal(other Calibration, tol float64) bool {
	o, ok := other.(*PinholeCameraModel)
	if !ok || params == nil || o == nil {
		return false
	}
	if !params.PinholeCameraIntrinsics.Equal(o.PinholeCameraIntrinsics, tol) {
		return false
	}
	if (params.Distortion == nil) != (o.Distortion == nil) {
		return false
	}
	if params.Distortion == nil {
		return true
	}
	if params.Distortion.ModelType() != o.Distortion.ModelType() {
		return false
	}
	a, b := params.Distortion.Parameters(), o.Distortion.Parameters()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

func (params *PinholeCameraModel) String() string {
	if params.Distortion == nil {
		return params.PinholeCameraIntrinsics.String()
	}
	return fmt.Sprintf("%s %s %v", params.PinholeCameraIntrinsics.String(),
		params.Distortion.ModelType(), params.Distortion.Parameters())
}
