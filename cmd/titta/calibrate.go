package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dcnieho/Titta/calibration"
	"github.com/dcnieho/Titta/device"
	"github.com/dcnieho/Titta/device/simulated"
	"github.com/dcnieho/Titta/sample"
)

// defaultPoints is the usual five point calibration layout.
var defaultPoints = []sample.Point2D{
	{X: 0.5, Y: 0.5},
	{X: 0.1, Y: 0.1},
	{X: 0.1, Y: 0.9},
	{X: 0.9, Y: 0.1},
	{X: 0.9, Y: 0.9},
}

func newCalibrateCmd(root *rootOptions) *cobra.Command {
	var (
		eye   string
		delay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run a five point calibration against the simulated tracker",
		Long: `Run a complete calibration sequence against the simulated tracker:
enter calibration mode, collect data at five points, compute and apply, fetch
the calibration data and leave. Every result is printed as a JSON line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			which, err := device.ParseEye(eye)
			if err != nil {
				return err
			}
			monocular := cfg.Calibration.Monocular || which != device.EyeBoth

			dev := simulated.New(simulated.WithCalibrationDelay(delay))
			wf := calibration.New(dev,
				calibration.WithLogger(logger.With("component", "calibration")),
				calibration.WithQueueSize(cfg.Calibration.QueueSize),
				calibration.WithLeaveTimeout(cfg.Calibration.LeaveTimeout),
			)
			defer func() { _ = wf.Close() }()

			if monocular && which == device.EyeBoth {
				which = device.EyeLeft
			}
			if err := wf.Enter(monocular, false); err != nil {
				return err
			}
			for _, p := range defaultPoints {
				if err := wf.CollectData(p, which); err != nil {
					return err
				}
			}
			if err := wf.ComputeAndApply(); err != nil {
				return err
			}
			if err := wf.GetCalibrationData(); err != nil {
				return err
			}
			if _, err := wf.Leave(false); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			failed := 0
			for {
				res, ok := wf.RetrieveResult(true)
				if !ok {
					break
				}
				if !res.OK() {
					failed++
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d calibration steps failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&eye, "eye", "", "calibrate only this eye: left or right")
	cmd.Flags().DurationVar(&delay, "device-delay", 50*time.Millisecond, "simulated duration of every device call")
	return cmd
}
