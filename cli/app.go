// Package cli contains the smartslam command line tool.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

const (
	generalFlagDebug = "debug"

	synthFlagOutput          = "output"
	synthFlagSeed            = "seed"
	synthFlagPoses           = "poses"
	synthFlagLandmarks       = "landmarks"
	synthFlagRadius          = "radius"
	synthFlagPixelSigma      = "pixel-sigma"
	synthFlagOutlierFraction = "outlier-fraction"
	synthFlagPoseNoise       = "pose-noise"

	evaluateFlagRepeat            = "repeat"
	evaluateFlagHistogram         = "histogram"
	evaluateFlagPCD               = "pcd"
	evaluateFlagDegeneracyMode    = "degeneracy-mode"
	evaluateFlagLinearizationMode = "linearization-mode"
	evaluateFlagOutlierThreshold  = "outlier-threshold"
)

var app = &cli.App{
	Name:            "smartslam",
	Usage:           "build and evaluate smart projection factor problems",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    generalFlagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "synth",
			Usage:     "generate a synthetic scene of cameras on a ring observing random landmarks",
			UsageText: "smartslam synth [options] --output scene.yaml",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     synthFlagOutput,
					Aliases:  []string{"o"},
					Required: true,
					Usage:    "write the scene to `FILE`",
				},
				&cli.Int64Flag{
					Name:  synthFlagSeed,
					Value: 1,
					Usage: "random seed; a seed always produces the same scene",
				},
				&cli.IntFlag{
					Name:  synthFlagPoses,
					Value: 8,
					Usage: "number of camera poses",
				},
				&cli.IntFlag{
					Name:  synthFlagLandmarks,
					Value: 50,
					Usage: "number of landmarks to draw",
				},
				&cli.Float64Flag{
					Name:  synthFlagRadius,
					Value: 5,
					Usage: "radius of the camera ring",
				},
				&cli.Float64Flag{
					Name:  synthFlagPixelSigma,
					Value: 1,
					Usage: "standard deviation of pixel noise",
				},
				&cli.Float64Flag{
					Name:  synthFlagOutlierFraction,
					Usage: "fraction of tracks with one grossly wrong observation",
				},
				&cli.Float64Flag{
					Name:  synthFlagPoseNoise,
					Usage: "perturbation of the initial pose estimates",
				},
			},
			Action: SynthAction,
		},
		{
			Name:      "evaluate",
			Usage:     "triangulate, evaluate and linearize every factor of one or more scenes",
			UsageText: "smartslam evaluate [options] scene.yaml [scene.yaml...]",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  evaluateFlagRepeat,
					Value: 1,
					Usage: "evaluate each scene this many times, reusing cached linearizations",
				},
				&cli.PathFlag{
					Name:  evaluateFlagHistogram,
					Usage: "save a histogram of per factor reprojection error to `FILE` (one scene only)",
				},
				&cli.PathFlag{
					Name:  evaluateFlagPCD,
					Usage: "save the triangulated landmarks, colored by status, as a binary PCD `FILE` (one scene only)",
				},
				&cli.StringFlag{
					Name:  evaluateFlagDegeneracyMode,
					Usage: "override the degeneracy mode of every scene",
				},
				&cli.StringFlag{
					Name:  evaluateFlagLinearizationMode,
					Usage: "override the linearization mode of every scene",
				},
				&cli.Float64Flag{
					Name:  evaluateFlagOutlierThreshold,
					Usage: "override the dynamic outlier rejection threshold, in pixels",
				},
			},
			Action: EvaluateAction,
		},
		{
			Name:   "schema",
			Usage:  "print the JSON schema of the smart factor attributes",
			Action: SchemaAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
