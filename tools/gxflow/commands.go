// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/gx-org/gxflow/compile"
	_ "github.com/gx-org/gxflow/compile/builders" // registers the inline rewrite
	"github.com/gx-org/gxflow/compile/compiledir"
	"github.com/gx-org/gxflow/compile/compilelock"
	"github.com/gx-org/gxflow/graph/ir"
	"github.com/gx-org/gxflow/graph/printing"
	"github.com/gx-org/gxflow/internal/config"
	"github.com/gx-org/gxflow/link/profile"
	"github.com/gx-org/gxflow/ops/tensor"
	"github.com/gx-org/gxflow/rewrite"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type app struct {
	v *viper.Viper
}

func (a *app) config() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Read(a.v)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// baseDir returns the base compilation directory of the configuration.
func baseDir(cfg *config.Config) (string, error) {
	if cfg.CompileDir != "" {
		return cfg.CompileDir, nil
	}
	return compiledir.Default()
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}
	root := &cobra.Command{
		Use:          "gxflow",
		Short:        "Inspect gxflow compilation modes and manage compilation directories",
		SilenceUsage: true,
	}
	config.BindFlags(a.v, root.PersistentFlags())
	root.AddCommand(
		newModesCommand(),
		newRewritesCommand(a),
		newLockCommand(a),
		newCompileDirCommand(a),
		newDemoCommand(a),
	)
	return root
}

func newModesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List the compilation modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, m := range compile.Modes() {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func newRewritesCommand(a *app) *cobra.Command {
	var (
		all                       bool
		tags                      bool
		include, require, exclude []string
	)
	cmd := &cobra.Command{
		Use:   "rewrites",
		Short: "List the rewrites selected by the compilation mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if tags {
				for _, tag := range compile.OptDB.Tags() {
					fmt.Fprintln(out, tag)
				}
				return nil
			}
			if all {
				_, err := io.WriteString(out, printing.Rewrites(compile.OptDB, nil))
				return err
			}
			cfg, _, err := a.config()
			if err != nil {
				return err
			}
			mode, err := cfg.CompileMode()
			if err != nil {
				return err
			}
			q := mode.Query.Including(include...).Requiring(require...).Excluding(exclude...)
			_, err = io.WriteString(out, printing.Rewrites(compile.OptDB, &q))
			return err
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&all, "all", false, "list all the rewrites, whatever their tags")
	flags.BoolVar(&tags, "tags", false, "list the tags of the rewrites")
	flags.StringSliceVar(&include, "include", nil, "also select the rewrites with one of these tags")
	flags.StringSliceVar(&require, "require", nil, "only select the rewrites with all these tags")
	flags.StringSliceVar(&exclude, "exclude", nil, "do not select the rewrites with one of these tags")
	return cmd
}

func (a *app) lockDir(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, _, err := a.config()
	if err != nil {
		return "", err
	}
	base, err := baseDir(cfg)
	if err != nil {
		return "", err
	}
	return compiledir.Path(base, compiledir.Current()), nil
}

func newLockCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect the lock of a compilation directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status [dir]",
		Short: "Print the owner of the lock of a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.lockDir(args)
			if err != nil {
				return err
			}
			owner, ok, err := compilelock.ReadOwner(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintf(out, "%s: unlocked\n", dir)
				return nil
			}
			fmt.Fprintf(out, "%s: locked by %s (pid %d on %s) since %s\n",
				dir, owner.ID, owner.PID, owner.Hostname, owner.Acquired.Format(time.RFC3339))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force-unlock [dir]",
		Short: "Remove the lock of a directory, whoever holds it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.lockDir(args)
			if err != nil {
				return err
			}
			if err := compilelock.ForceUnlock(dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: unlocked\n", dir)
			return nil
		},
	})
	return cmd
}

func newCompileDirCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compiledir",
		Short: "Manage the compilation directories",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the versions of the compilation directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := a.config()
			if err != nil {
				return err
			}
			base, err := baseDir(cfg)
			if err != nil {
				return err
			}
			versions, err := compiledir.List(base)
			if err != nil {
				return err
			}
			for _, v := range versions {
				status := ""
				switch {
				case v == compiledir.Current():
					status = " (current)"
				case compiledir.Stale(v):
					status = " (stale)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", compiledir.Path(base, v), status)
			}
			return nil
		},
	})
	var dryRun bool
	clean := &cobra.Command{
		Use:   "clean",
		Short: "Remove the directories of older versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.config()
			if err != nil {
				return err
			}
			base, err := baseDir(cfg)
			if err != nil {
				return err
			}
			opts := []compiledir.Option{
				compiledir.WithLogger(logger),
				compiledir.WithLockTimeout(cfg.LockTimeout),
			}
			if dryRun {
				opts = append(opts, compiledir.WithDryRun())
			}
			stale, err := compiledir.Clean(cmd.Context(), base, opts...)
			if err != nil {
				return err
			}
			for _, v := range stale {
				fmt.Fprintln(cmd.OutOrStdout(), compiledir.Path(base, v))
			}
			return nil
		},
	}
	clean.Flags().BoolVar(&dryRun, "dry-run", false, "list the directories without removing them")
	cmd.AddCommand(clean)
	return cmd
}

func newDemoCommand(a *app) *cobra.Command {
	var (
		x, y        []float64
		metricsFile string
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Compile and run (x + 0) * 1 - y with the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(x) != len(y) {
				return errors.Errorf("x has %d values but y has %d", len(x), len(y))
			}
			cfg, logger, err := a.config()
			if err != nil {
				return err
			}
			opts, err := cfg.CompileOptions(logger)
			if err != nil {
				return err
			}
			p := profile.New()
			registry := prometheus.NewRegistry()
			p.MustRegister(registry)
			stats := rewrite.NewStats()
			opts = append(opts, compile.WithCallback(p.Callback), compile.WithStats(stats))
			out, xv, yv, err := demoGraph()
			if err != nil {
				return err
			}
			f, err := compile.Compile(cmd.Context(), []compile.In{{Variable: xv}, {Variable: yv}}, []*ir.Variable{out}, opts...)
			if err != nil {
				return err
			}
			res, err := f.Call(x, y)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprint(w, printing.Graph(f.Graph()))
			fmt.Fprintf(w, "rewrites applied: %d\n", stats.Total())
			fmt.Fprintf(w, "result: %v\n", res[0])
			if metricsFile != "" {
				return prometheus.WriteToTextfile(metricsFile, registry)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Float64SliceVar(&x, "x", []float64{1, 2, 3}, "values of x")
	flags.Float64SliceVar(&y, "y", []float64{1, 1, 1}, "values of y")
	flags.StringVar(&metricsFile, "metrics-file", "", "file where to write the execution metrics")
	return cmd
}

func demoGraph() (out, x, y *ir.Variable, err error) {
	x, y = tensor.Var("x", 1), tensor.Var("y", 1)
	sum, err := tensor.Add.MakeNode(x, tensor.MustConst(0.0))
	if err != nil {
		return
	}
	prod, err := tensor.Mul.MakeNode(sum.Out(), tensor.MustConst(1.0))
	if err != nil {
		return
	}
	diff, err := tensor.Sub.MakeNode(prod.Out(), y)
	if err != nil {
		return
	}
	return diff.Out(), x, y, nil
}
