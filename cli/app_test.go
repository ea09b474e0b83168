package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.viam.com/smartslam/pointcloud"
)

func TestSynthAndEvaluate(t *testing.T) {
	dir := t.TempDir()
	scenePath := filepath.Join(dir, "scene.yaml")
	histPath := filepath.Join(dir, "rms.png")
	pcdPath := filepath.Join(dir, "landmarks.pcd")

	var out, errOut bytes.Buffer
	app := NewApp(&out, &errOut)
	err := app.Run([]string{
		"smartslam", "synth", "--output", scenePath, "--landmarks", "20", "--outlier-fraction", "0.5", "--seed", "7",
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.String(), test.ShouldContainSubstring, "wrote 8 poses")
	_, err = os.Stat(scenePath)
	test.That(t, err, test.ShouldBeNil)

	out.Reset()
	err = app.Run([]string{
		"smartslam", "evaluate", "--repeat", "2", "--outlier-threshold", "10", "--histogram", histPath,
		"--pcd", pcdPath, scenePath,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.String(), test.ShouldContainSubstring, "valid=")
	test.That(t, out.String(), test.ShouldContainSubstring, "outlier=")
	test.That(t, out.String(), test.ShouldContainSubstring, "cache hits")
	test.That(t, out.String(), test.ShouldContainSubstring, "saved histogram")
	test.That(t, errOut.String(), test.ShouldContainSubstring, "inactive")
	_, err = os.Stat(histPath)
	test.That(t, err, test.ShouldBeNil)
	cloud, err := pointcloud.ReadPCDFile(pcdPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldBeGreaterThan, 0)
	test.That(t, cloud.HasColor(), test.ShouldBeTrue)

	out.Reset()
	err = app.Run([]string{"smartslam", "evaluate", "--linearization-mode", "jacobian_q", scenePath, scenePath})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bytes.Count(out.Bytes(), []byte(scenePath+": ")), test.ShouldEqual, 2)
}

func TestEvaluateErrors(t *testing.T) {
	scenePath := filepath.Join(t.TempDir(), "scene.yaml")
	var out, errOut bytes.Buffer
	app := NewApp(&out, &errOut)
	test.That(t, app.Run([]string{"smartslam", "synth", "-o", scenePath}), test.ShouldBeNil)

	err := app.Run([]string{"smartslam", "evaluate"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "at least one scene")

	err = app.Run([]string{"smartslam", "evaluate", "--histogram", "h.png", scenePath, scenePath})
	test.That(t, err, test.ShouldNotBeNil)

	err = app.Run([]string{"smartslam", "evaluate", "--pcd", "l.pcd", scenePath, scenePath})
	test.That(t, err, test.ShouldNotBeNil)

	err = app.Run([]string{"smartslam", "evaluate", "--repeat", "0", scenePath})
	test.That(t, err, test.ShouldNotBeNil)

	err = app.Run([]string{"smartslam", "evaluate", "--degeneracy-mode", "retry", scenePath})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "degeneracy_mode")

	err = app.Run([]string{"smartslam", "evaluate", filepath.Join(t.TempDir(), "missing.yaml")})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "missing.yaml")
}

func TestSchema(t *testing.T) {
	var out, errOut bytes.Buffer
	app := NewApp(&out, &errOut)
	test.That(t, app.Run([]string{"smartslam", "schema"}), test.ShouldBeNil)
	test.That(t, out.String(), test.ShouldContainSubstring, "rank_tolerance")
	test.That(t, out.String(), test.ShouldContainSubstring, "degeneracy_mode")
}
