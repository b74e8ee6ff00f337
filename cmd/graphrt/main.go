// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// graphrt builds a small conditional graph of host kernels and runs many invocations of it from
// concurrent callers, reporting a summary of the execution.
//
// The graph computes, for an input vector x and a boolean pred:
//
//	y = pred ? x + bias : x * 0.5
//	y16 = float16(y)
//
// bias is a constant: it is read from the manifest in -constants (see package constants) if given,
// or created in memory otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/pkg/core/shapes"
	"github.com/gomlx/graphrt/pkg/runtime/actor"
	"github.com/gomlx/graphrt/pkg/runtime/constants"
	"github.com/gomlx/graphrt/pkg/runtime/device"
	"github.com/gomlx/graphrt/pkg/runtime/kernel"
	_ "github.com/gomlx/graphrt/pkg/runtime/kernel/host"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagNumInvocations = flag.Int("n", 1000, "Number of invocations of the graph.")
	flagParallel       = flag.Int("parallel", 8, "Number of concurrent callers of the graph. Invocations are admitted one at a time, callers queue for their turn.")
	flagConfig         = flag.String("config", "",
		fmt.Sprintf("Configuration of the graph execution, e.g. \"strategy=step,parallelism=4,pool_limit=1MiB\". "+
			"If empty, it is read from $%s.", actor.ConfigEnvVar))
	flagConstants = flag.String("constants", "",
		fmt.Sprintf("Directory with the blobs of the constants and their %q. If empty, the constants are created in memory.",
			constants.ManifestFile))
	flagGCSBucket = flag.String("gcs_bucket", "",
		"If set, the blobs listed in the manifest of -constants are read from this Google Cloud Storage bucket.")
	flagSize     = flag.Int("size", 1024, "Number of elements of the input vector.")
	flagSomas    = flag.Bool("somas", false, "Lay out the kernel outputs in one static memory block.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar.")
)

const biasKey device.NodeKey = "bias"

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	config := must.M1(actor.DefaultConfig())
	if *flagConfig != "" {
		config = must.M1(actor.NewConfig(*flagConfig))
	}
	vector := shapes.Make(dtypes.Float32, *flagSize)
	store := must.M1(loadConstants(context.Background(), vector, config.DeviceType))

	reg := prometheus.NewRegistry()
	g := must.M1(buildGraph(config, vector, store, actor.NewMetrics(reg)))
	defer func() { must.M(g.Close()) }()

	s := run(g, vector, store)
	report(g, s)
	if s.failures.Load() > 0 {
		klog.Errorf("%d invocations failed, first error: %+v", s.failures.Load(), s.firstErr)
		os.Exit(1)
	}
}

// loadConstants returns the store with the constants of the graph.
func loadConstants(ctx context.Context, vector shapes.Shape, deviceType device.Type) (*device.Store, error) {
	store := device.NewStore()
	if *flagConstants == "" {
		bias := device.NewTensor(string(biasKey), vector, deviceType)
		bias.SetPtr(make([]byte, bias.Size()))
		for ii := range kernel.Flat[float32](bias) {
			kernel.Flat[float32](bias)[ii] = float32(ii)
		}
		return store, store.Insert(biasKey, bias)
	}

	manifest, err := constants.ReadManifestFile(filepath.Join(*flagConstants, constants.ManifestFile))
	if err != nil {
		return nil, err
	}
	var reader constants.BlobReader = &constants.LocalBlobReader{Dir: *flagConstants}
	if *flagGCSBucket != "" {
		gcsReader, err := constants.NewGCSBlobReader(ctx, *flagGCSBucket)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gcsReader.Close() }()
		reader = gcsReader
	}
	numBytes, err := constants.Load(ctx, reader, manifest, store, deviceType)
	if err != nil {
		return nil, err
	}
	klog.Infof("loaded %d constants (%s)", len(manifest.Constants), humanize.Bytes(uint64(numBytes)))
	bias := store.Fetch(biasKey, deviceType)
	if bias == nil || !bias.Shape().Equal(vector) {
		return nil, errors.Errorf("constants in %q must define %q with shape %s", *flagConstants, biasKey, vector)
	}
	return store, nil
}

func buildGraph(config actor.Config, vector shapes.Shape, store *device.Store, metrics *actor.Metrics) (*actor.Graph, error) {
	b := actor.NewBuilder("graphrt", config).WithStore(store).WithMetrics(metrics)
	if *flagSomas {
		b.WithSomas()
	}
	x := b.Parameter("x", vector)
	pred := b.Parameter("pred", shapes.Scalar(dtypes.Bool))
	sw := b.Switch("switch", pred, "add_bias", "halve")
	sum := b.Kernel("add", "Add", nil, []*actor.Value{sw.Input("add_bias", x), b.Constant(biasKey, vector)}, vector)
	halved := b.Kernel("scale", "Scale", kernel.Attributes{"factor": 0.5}, []*actor.Value{sw.Input("halve", x)}, vector)
	y := sw.Gather("gather", map[string][]*actor.Value{"add_bias": sum, "halve": halved})
	y16 := b.Kernel("cast", "CastToFloat16", nil, y, shapes.Make(dtypes.Float16, vector.Dimensions...))
	b.Output(y[0], y16[0])
	return b.Build()
}

type stats struct {
	branches [2]atomic.Int64
	failures atomic.Int64
	firstErr error
	errOnce  atomic.Bool
	elapsed  time.Duration
	mismatch atomic.Int64
}

func (s *stats) fail(err error) {
	s.failures.Add(1)
	if s.errOnce.CompareAndSwap(false, true) {
		s.firstErr = err
	}
}

// run the invocations, alternating the branch taken.
func run(g *actor.Graph, vector shapes.Shape, store *device.Store) *stats {
	s := &stats{}
	var bar *progressbar.ProgressBar
	if *flagProgress {
		bar = progressbar.NewOptions(*flagNumInvocations,
			progressbar.OptionSetDescription("invocations"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionClearOnFinish())
	}
	bias := kernel.Flat[float32](store.Fetch(biasKey, g.Config().DeviceType))

	start := time.Now()
	var eg errgroup.Group
	eg.SetLimit(max(*flagParallel, 1))
	for ii := range *flagNumInvocations {
		eg.Go(func() error {
			x := device.NewTensor("x", vector, g.Config().DeviceType)
			x.SetPtr(make([]byte, x.Size()))
			for jj := range kernel.Flat[float32](x) {
				kernel.Flat[float32](x)[jj] = float32(ii)
			}
			branch := ii % 2
			pred := device.NewTensor("pred", shapes.Scalar(dtypes.Bool), g.Config().DeviceType)
			pred.SetPtr([]byte{0})
			kernel.Flat[bool](pred)[0] = branch == 0

			outputs, err := g.Run(context.Background(), x, pred)
			if bar != nil {
				_ = bar.Add(1)
			}
			if err != nil {
				s.fail(err)
				if g.Config().Strategy == actor.Pipeline {
					g.Reset()
				}
				return nil
			}
			s.branches[branch].Add(1)
			y := kernel.Flat[float32](outputs[0])
			for jj, v := range y {
				want := float32(ii) * 0.5
				if branch == 0 {
					want = float32(ii) + bias[jj]
				}
				if v != want {
					s.mismatch.Add(1)
					break
				}
			}
			return nil
		})
	}
	_ = eg.Wait()
	s.elapsed = time.Since(start)
	if bar != nil {
		_ = bar.Finish()
	}
	return s
}

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
	keyStyle       = lipgloss.NewStyle().Align(lipgloss.Right).PaddingLeft(1).PaddingRight(1)
	valueStyle     = lipgloss.NewStyle().Align(lipgloss.Left).PaddingLeft(1).PaddingRight(1)
	borderColor    = lipgloss.Color("99")
	highlightColor = lipgloss.Color("#F25D94")
)

func report(g *actor.Graph, s *stats) {
	poolStats := g.DeviceContext().Pool.Stats()
	n := int64(*flagNumInvocations)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return keyStyle
			}
			return valueStyle
		})
	table.Row("graph", g.String())
	table.Row("config", g.Config().String())
	table.Row("invocations", humanize.Comma(n))
	table.Row("branch add_bias", humanize.Comma(s.branches[0].Load()))
	table.Row("branch halve", humanize.Comma(s.branches[1].Load()))
	failures := humanize.Comma(s.failures.Load())
	if s.failures.Load() > 0 {
		failures = lipgloss.NewStyle().Foreground(highlightColor).Render(failures)
	}
	table.Row("failures", failures)
	table.Row("wrong results", humanize.Comma(s.mismatch.Load()))
	table.Row("bytes pooled", humanize.Bytes(uint64(poolStats.Allocated)))
	table.Row("pool allocations", humanize.Comma(poolStats.NumAllocations))
	table.Row("bytes in use", humanize.Bytes(uint64(poolStats.InUse)))
	if info := g.SomasInfo(); info != nil {
		table.Row("somas block", humanize.Bytes(uint64(info.WholeBlockSize())))
	}
	table.Row("elapsed", s.elapsed.Round(time.Microsecond).String())
	if s.elapsed > 0 {
		table.Row("invocations/s", humanize.CommafWithDigits(float64(n)/s.elapsed.Seconds(), 1))
	}
	fmt.Println(titleStyle.Render("graphrt"))
	fmt.Println(table.Render())
}
