package main

import (
	goflag "flag"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	ipm "github.com/jjhbw/stochipm"
	"github.com/jjhbw/stochipm/internal/config"
	"github.com/jjhbw/stochipm/internal/metrics"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "stochipm",
		Short:         "Interior-point solver for block-structured quadratic programs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	// klog flags such as -v
	fs := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(fs)
	root.PersistentFlags().AddGoFlagSet(fs)

	root.AddCommand(newSolveCommand())
	return root
}

type solveOptions struct {
	ranks       int
	method      string
	optionsFile string
	verify      bool
	metrics     bool
}

func newSolveCommand() *cobra.Command {
	o := &solveOptions{}
	cmd := &cobra.Command{
		Use:   "solve PROBLEM.yaml",
		Short: "Solve a problem file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.config(cmd)
			if err != nil {
				return err
			}
			return o.run(cmd.OutOrStdout(), args[0], cfg)
		},
	}
	o.addFlags(cmd.Flags())
	return cmd
}

func (o *solveOptions) addFlags(fs *pflag.FlagSet) {
	fs.IntVar(&o.ranks, "ranks", 1, "number of in-process ranks the scenarios are distributed over")
	fs.StringVar(&o.method, "method", ipm.IPM_PRIMAL.String(), "interior-point variant: primal or primal-dual")
	fs.StringVar(&o.optionsFile, "options", "", "options file (yaml, json or toml)")
	fs.BoolVar(&o.verify, "verify", false, "compare the optimum of a linear program against the simplex method")
	fs.BoolVar(&o.metrics, "metrics", false, "print solver metrics after the solve")
}

// config merges the options file with the flags given explicitly.
func (o *solveOptions) config(cmd *cobra.Command) (config.File, error) {
	cfg := config.Default()
	if o.optionsFile != "" {
		var err error
		if cfg, err = config.Load(o.optionsFile); err != nil {
			return config.File{}, err
		}
	}
	if cmd.Flags().Changed("ranks") {
		cfg.Ranks = o.ranks
	}
	if cmd.Flags().Changed("method") {
		cfg.Method = o.method
	}
	return cfg, cfg.Validate()
}

func (o *solveOptions) run(out io.Writer, path string, cfg config.File) error {
	p, err := loadProblem(path)
	if err != nil {
		return err
	}

	var monitors []ipm.Monitor
	var reg *prometheus.Registry
	if o.metrics {
		reg = prometheus.NewRegistry()
		col, err := metrics.New(reg, "stochipm")
		if err != nil {
			return err
		}
		monitors = append(monitors, col)
	}

	res, err := ipm.SolveDistributed(p, cfg.Ranks, cfg.MethodType(), cfg.Options, monitors...)
	if err != nil {
		return err
	}
	printResult(out, res, len(p.Root.Cost))

	if o.verify {
		if err := verify(out, p, res); err != nil {
			return err
		}
	}
	if reg != nil {
		if err := printMetrics(out, reg); err != nil {
			return err
		}
	}
	if res.Status != ipm.SUCCESSFUL_TERMINATION {
		return errors.Errorf("solve stopped: %s", res.Status)
	}
	return nil
}

func printResult(out io.Writer, res *ipm.Result, n0 int) {
	fmt.Fprintf(out, "status:     %s\n", res.Status)
	fmt.Fprintf(out, "iterations: %d\n", res.Iterations)
	fmt.Fprintf(out, "objective:  %.10g\n", res.Objective)
	fmt.Fprintf(out, "x0:         %v\n", res.X[:n0])
}

// verify compares the objective against the simplex method for linear
// programs.
func verify(out io.Writer, p *ipm.Problem, res *ipm.Result) error {
	z, _, err := ipm.SimplexReference(p)
	if errors.Cause(err) == ipm.ErrNotLinear {
		fmt.Fprintln(out, "verify:     skipped, objective is quadratic")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "verify")
	}
	diff := math.Abs(z - res.Objective)
	fmt.Fprintf(out, "simplex:    %.10g (difference %.3g)\n", z, diff)
	if diff > 1e-6*math.Max(1, math.Abs(z)) {
		return errors.Errorf("objective %g differs from simplex optimum %g", res.Objective, z)
	}
	return nil
}

// printMetrics writes the gathered metrics in the Prometheus text format.
func printMetrics(out io.Writer, reg *prometheus.Registry) error {
	mfs, err := reg.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return errors.Wrapf(err, "write metric %s", mf.GetName())
		}
	}
	return nil
}
