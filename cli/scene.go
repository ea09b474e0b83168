package cli

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"go.viam.com/smartslam/logging"
	"go.viam.com/smartslam/pointcloud"
	"go.viam.com/smartslam/slam"
	"go.viam.com/smartslam/smartfactor"
)

// SynthAction writes a synthetic scene.
func SynthAction(c *cli.Context) error {
	opts := slam.DefaultSynthOptions()
	opts.Seed = c.Int64(synthFlagSeed)
	opts.NumPoses = c.Int(synthFlagPoses)
	opts.NumLandmarks = c.Int(synthFlagLandmarks)
	opts.Radius = c.Float64(synthFlagRadius)
	opts.PixelSigma = c.Float64(synthFlagPixelSigma)
	opts.OutlierFraction = c.Float64(synthFlagOutlierFraction)
	opts.PoseNoise = c.Float64(synthFlagPoseNoise)

	scene, err := slam.Synthesize(opts)
	if err != nil {
		return err
	}
	output := c.Path(synthFlagOutput)
	if err := slam.WriteScene(output, scene); err != nil {
		return err
	}
	printf(c.App.Writer, "wrote %d poses and %d tracks to %s", len(scene.Poses), len(scene.Tracks), output)
	return nil
}

// factorOverrides collects the factor attributes given on the command line.
func factorOverrides(c *cli.Context) map[string]interface{} {
	overrides := map[string]interface{}{}
	if c.IsSet(evaluateFlagDegeneracyMode) {
		overrides["degeneracy_mode"] = c.String(evaluateFlagDegeneracyMode)
	}
	if c.IsSet(evaluateFlagLinearizationMode) {
		overrides["linearization_mode"] = c.String(evaluateFlagLinearizationMode)
	}
	if c.IsSet(evaluateFlagOutlierThreshold) {
		overrides["dynamic_outlier_rejection_threshold"] = c.Float64(evaluateFlagOutlierThreshold)
	}
	return overrides
}

// EvaluateAction evaluates every scene given as an argument concurrently and prints a summary
// of each.
func EvaluateAction(c *cli.Context) error {
	paths := c.Args().Slice()
	if len(paths) == 0 {
		return errors.New("evaluate requires at least one scene file")
	}
	histogram := c.Path(evaluateFlagHistogram)
	pcd := c.Path(evaluateFlagPCD)
	for flag, value := range map[string]string{evaluateFlagHistogram: histogram, evaluateFlagPCD: pcd} {
		if value != "" && len(paths) > 1 {
			return errors.Errorf("--%s needs exactly one scene, got %d", flag, len(paths))
		}
	}
	repeat := c.Int(evaluateFlagRepeat)
	if repeat < 1 {
		return errors.Errorf("--%s must be at least 1", evaluateFlagRepeat)
	}
	overrides := factorOverrides(c)
	logger := newLogger(c)

	problems := make([]*slam.Problem, len(paths))
	summaries := make([]*slam.Summary, len(paths))
	g, ctx := errgroup.WithContext(c.Context)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			problem, s, err := evaluateScene(ctx, logger.Sublogger(filepath.Base(path)), path, overrides, repeat)
			if err != nil {
				return errors.Wrapf(err, "evaluating %q", path)
			}
			problems[i], summaries[i] = problem, s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, s := range summaries {
		printf(c.App.Writer, "%s: %s", paths[i], s.StatusLine())
		printf(c.App.Writer, "%s", s)
		if s.Active < s.Factors {
			warningf(c.App.ErrWriter, "%s: %d of %d factors are inactive", paths[i], s.Factors-s.Active, s.Factors)
		}
	}
	if histogram != "" {
		if err := summaries[0].SaveHistogram(histogram, filepath.Base(paths[0])); err != nil {
			return err
		}
		printf(c.App.Writer, "saved histogram to %s", histogram)
	}
	if pcd != "" {
		cloud, err := slam.LandmarkCloud(problems[0])
		if err != nil {
			return err
		}
		if err := pointcloud.WriteToPCDFile(cloud, pcd, pointcloud.PCDBinary); err != nil {
			return err
		}
		printf(c.App.Writer, "saved %d landmarks to %s", cloud.Size(), pcd)
	}
	return nil
}

func evaluateScene(
	ctx context.Context,
	logger logging.Logger,
	path string,
	overrides map[string]interface{},
	repeat int,
) (*slam.Problem, *slam.Summary, error) {
	scene, err := slam.LoadScene(path)
	if err != nil {
		return nil, nil, err
	}
	if len(overrides) > 0 {
		if scene.Factor == nil {
			scene.Factor = map[string]interface{}{}
		}
		for k, v := range overrides {
			scene.Factor[k] = v
		}
	}
	problem, err := scene.Build(logger)
	if err != nil {
		return nil, nil, err
	}
	var summary *slam.Summary
	for i := 0; i < repeat; i++ {
		if summary, err = slam.Summarize(ctx, problem); err != nil {
			return nil, nil, err
		}
		logger.Debugw("evaluated scene", "pass", i, "total_error", summary.TotalError, "cache_hits", summary.Stats.CacheHits)
	}
	return problem, summary, nil
}

// SchemaAction prints the JSON schema of the factor attributes accepted in a scene.
func SchemaAction(c *cli.Context) error {
	schema := jsonschema.Reflect(&smartfactor.Params{})
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", data)
	return nil
}
