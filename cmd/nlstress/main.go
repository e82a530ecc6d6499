// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command nlstress runs concurrent processors against one lock manager and
// reports whether any update was lost.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dijkstracula/go-nlock"
	"github.com/dijkstracula/go-nlock/internal/stress"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	verbose    bool
	seed       int64

	processors    int
	neurons       int
	operations    int
	writePercent  int
	batchSize     int
	flushInterval time.Duration

	// resolved is the configuration the last run used.
	resolved *stress.FileConfig
}

func newRootCmd() (*cobra.Command, *options) {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "nlstress",
		Short: "Stress the neuron graph lock manager",
		Long: `nlstress starts a number of logical processors that read and rewrite a
generated neuron graph through one lock manager, periodically locks the
manager down to flush, and checks that every increment survived.`,
		SilenceUsage: true,
		RunE:         o.run,
	}

	defaults := stress.DefaultConfig()
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "nlstress.yaml", "path to the YAML config")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "log at debug level")
	f.Int64Var(&o.seed, "seed", time.Now().UnixNano(), "random seed")
	f.IntVarP(&o.processors, "processors", "p", defaults.Processors, "number of concurrent processors")
	f.IntVarP(&o.neurons, "neurons", "n", defaults.Neurons, "number of neurons in the graph")
	f.IntVar(&o.operations, "ops", defaults.Operations, "operations per processor")
	f.IntVar(&o.writePercent, "write-percent", defaults.WritePercent, "percentage of operations that write")
	f.IntVar(&o.batchSize, "batch", defaults.BatchSize, "neurons locked per batched operation")
	f.DurationVar(&o.flushInterval, "flush-interval", defaults.FlushInterval, "time between flushes, 0 disables them")
	return cmd, o
}

func (o *options) run(cmd *cobra.Command, args []string) error {
	fc, err := stress.LoadFile(o.configPath)
	if err != nil {
		return err
	}
	o.applyFlags(cmd, fc)
	if o.verbose {
		fc.LogLevel = "debug"
	}
	if err := fc.Stress.Validate(); err != nil {
		return err
	}
	o.resolved = fc

	logger, err := fc.BuildLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m := nlock.New(nlock.WithConfig(&fc.Config), nlock.WithLogger(logger.Named("nlock")))
	r, err := stress.NewRunner(m, fc.Stress, o.seed, logger.Named("stress"))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting run",
		zap.Int("processors", fc.Stress.Processors),
		zap.Int("neurons", fc.Stress.Neurons),
		zap.Int("operations", fc.Stress.Operations),
		zap.Duration("flush_interval", fc.Stress.FlushInterval),
		zap.Int64("seed", o.seed))
	start := time.Now()
	res, err := r.Run(ctx)
	logger.Info("run finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("reads", res.Reads),
		zap.Int64("writes", res.Writes),
		zap.Int64("upgrades", res.Upgrades),
		zap.Int64("all_writes", res.AllWrites),
		zap.Int64("info_writes", res.InfoWrites),
		zap.Int64("retries", res.Retries),
		zap.Int64("flushes", res.Flushes),
		zap.Int64("total", res.Total))
	if err != nil {
		return fmt.Errorf("stress run failed: %w", err)
	}
	return nil
}

// applyFlags lets flags given on the command line win over the config file.
func (o *options) applyFlags(cmd *cobra.Command, fc *stress.FileConfig) {
	f := cmd.Flags()
	if f.Changed("processors") {
		fc.Stress.Processors = o.processors
	}
	if f.Changed("neurons") {
		fc.Stress.Neurons = o.neurons
	}
	if f.Changed("ops") {
		fc.Stress.Operations = o.operations
	}
	if f.Changed("write-percent") {
		fc.Stress.WritePercent = o.writePercent
	}
	if f.Changed("batch") {
		fc.Stress.BatchSize = o.batchSize
	}
	if f.Changed("flush-interval") {
		fc.Stress.FlushInterval = o.flushInterval
	}
}

func main() {
	cmd, _ := newRootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
