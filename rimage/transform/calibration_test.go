package transform

import (
	"fmt"
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestCalibrationRegistry(t *testing.T) {
	reg := NewCalibrationRegistry()
	shared, err := reg.Register("left", testIntrinsics)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, shared, test.ShouldPointTo, testIntrinsics)

	dup := *testIntrinsics
	again, err := reg.Register("left", &dup)
	test.That(t, err, test.ShouldBeNil)
	// equal re-registration hands back the original instance
	test.That(t, again, test.ShouldPointTo, testIntrinsics)

	conflict := dup
	conflict.Fx = 900
	_, err = reg.Register("left", &conflict)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = reg.Register("bad", &PinholeCameraIntrinsics{})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = reg.Register("nil", nil)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = reg.Register("right", testDistorted)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reg.IDs(), test.ShouldResemble, []string{"left", "right"})

	cal, ok := reg.Get("right")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, cal, test.ShouldEqual, testDistorted)
	_, ok = reg.Get("missing")
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, func() { reg.MustGet("missing") }, test.ShouldPanic)
}

func TestCalibrationRegistryConcurrent(t *testing.T) {
	reg := NewCalibrationRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cal := *testIntrinsics
			_, err := reg.Register(fmt.Sprintf("cam%d", i%4), &cal)
			test.That(t, err, test.ShouldBeNil)
			_, ok := reg.Get(fmt.Sprintf("cam%d", i%4))
			test.That(t, ok, test.ShouldBeTrue)
		}(i)
	}
	wg.Wait()
	test.That(t, reg.IDs(), test.ShouldHaveLength, 4)
}
