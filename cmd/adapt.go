/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/notargets/goadapt/InputParameters"
	"github.com/notargets/goadapt/adapt"
	"github.com/notargets/goadapt/comm"
	"github.com/notargets/goadapt/mesh"
	"github.com/notargets/goadapt/meshio"
	"github.com/notargets/goadapt/metric"
	"github.com/notargets/goadapt/partition"
	"github.com/notargets/goadapt/partition/metis"
	"github.com/notargets/goadapt/utils"
)

type AdaptRun struct {
	MeshFile    string
	InputFile   string
	OutputFile  string
	MetricsFile string
	Profile     string
	Ranks       int
}

const exampleFile = `
########################################
Title: "Shock layer"
Ranks: 4
Partitioner: metis # Can be "block"
Metric:
  Type: hessian # Can be "uniform" with H: [0.1, 0.1]
  Field: shock  # Can be "ring"
  Eta: 0.01
  HMin: 0.001
  HMax: 0.2
MaxIterations: 20
########################################
`

// AdaptCmd represents the adapt command
var AdaptCmd = &cobra.Command{
	Use:   "adapt",
	Short: "Adapt a mesh to a metric and write the result",
	Long: `Reads a Gmsh 2.2 (.msh) or Gambit neutral (.neu) mesh, partitions it over
the ranks, builds the metric from the input file and runs the adaptation
driver. The adapted mesh is gathered and written in Gmsh 2.2 format.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ar := &AdaptRun{}
		ar.MeshFile, _ = cmd.Flags().GetString("gridFile")
		ar.InputFile, _ = cmd.Flags().GetString("inputConditionsFile")
		ar.OutputFile, _ = cmd.Flags().GetString("output")
		ar.MetricsFile, _ = cmd.Flags().GetString("metrics")
		ar.Profile, _ = cmd.Flags().GetString("profile")
		ar.Ranks = viper.GetInt("ranks")
		ip, err := processInput(ar)
		if err != nil {
			return
		}
		ip.Print()
		switch ar.Profile {
		case "cpu":
			defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
		case "mem":
			defer profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		rep, err := RunAdapt(ctx, ar, ip, logger)
		fmt.Printf("%d iterations, converged %v: %d elements, %d nodes, max edge length %.4f, quality min %.4f mean %.4f\n",
			rep.Iterations, rep.Converged, rep.Elements, rep.Nodes, rep.MaxEdgeLength, rep.MinQuality, rep.MeanQuality)
		return
	},
}

func init() {
	rootCmd.AddCommand(AdaptCmd)
	AdaptCmd.Flags().StringP("gridFile", "F", "", "Mesh file to read in Gmsh (.msh) or Gambit (.neu) format")
	AdaptCmd.Flags().StringP("inputConditionsFile", "I", "", "YAML file for the metric and adaptation parameters")
	AdaptCmd.Flags().StringP("output", "o", "adapted.msh", "Gmsh file for the adapted mesh")
	AdaptCmd.Flags().String("metrics", "", "write the Prometheus metrics of the run to this file")
	AdaptCmd.Flags().String("profile", "", "profile the run, \"cpu\" or \"mem\"")
}

func processInput(ar *AdaptRun) (ip *InputParameters.InputParameters, err error) {
	if len(ar.MeshFile) == 0 {
		return nil, fmt.Errorf("must supply a mesh file (-F, --gridFile) in .msh or .neu format")
	}
	if len(ar.InputFile) == 0 {
		fmt.Printf("Example File:%s\n", exampleFile)
		return nil, fmt.Errorf("must supply an input parameters file (-I, --inputConditionsFile)")
	}
	var data []byte
	if data, err = os.ReadFile(ar.InputFile); err != nil {
		return
	}
	ip = &InputParameters.InputParameters{}
	if err = ip.Parse(data); err != nil {
		return nil, fmt.Errorf("%s: %w", ar.InputFile, err)
	}
	if ar.Ranks > 0 {
		ip.Ranks = ar.Ranks
	}
	if err = ip.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ar.InputFile, err)
	}
	return
}

// RunAdapt adapts the mesh of ar on ip.Ranks ranks and writes the outputs
// named in ar. ErrIterationBudgetExceeded still leaves the outputs written.
func RunAdapt(ctx context.Context, ar *AdaptRun, ip *InputParameters.InputParameters,
	logger *zap.Logger) (rep adapt.Report, err error) {
	in, names, err := meshio.ReadFile(ar.MeshFile)
	if err != nil {
		return
	}
	var (
		np      = max(ip.Ranks, 1)
		p       = ip.ToParameters(in.Dim)
		metrics = adapt.NewMetrics(nil)
		runID   = uuid.NewString()
		out     *mesh.Input
		budget  error
	)
	if err = p.Validate(); err != nil {
		return
	}
	epart, err := partitionInput(in, np, ip, logger)
	if err != nil {
		return
	}
	logger.Info("adapting", zap.String("run", runID), zap.String("mesh", ar.MeshFile),
		zap.Int("ranks", np), zap.Int("elements", len(in.Elements)))
	err = comm.Run(np, func(c comm.Communicator) error {
		m, err := mesh.New(in, epart, c)
		if err != nil {
			return err
		}
		if err = BuildMetric(m, ip.Metric); err != nil {
			return err
		}
		ac := adapt.NewContext(m,
			adapt.WithLogger(logger),
			adapt.WithMetrics(metrics),
			adapt.WithWorkers(max(ip.Workers, 1)),
			adapt.WithRunID(runID))
		r, aerr := adapt.Adapt(ctx, ac, p)
		if aerr != nil && !errors.Is(aerr, adapt.ErrIterationBudgetExceeded) {
			return aerr
		}
		g, err := meshio.Gather(m)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			rep, out, budget = r, g, aerr
		}
		return nil
	})
	if err != nil {
		return
	}
	logger.Info("adapted", append(utils.MemFields(), zap.String("run", runID))...)
	if ar.OutputFile != "" {
		if err = meshio.WriteFile(ar.OutputFile, out, names); err != nil {
			return
		}
	}
	if ar.MetricsFile != "" {
		if err = prometheus.WriteToTextfile(ar.MetricsFile, metrics.Registry); err != nil {
			return
		}
	}
	return rep, budget
}

func partitionInput(in *mesh.Input, np int, ip *InputParameters.InputParameters,
	logger *zap.Logger) (epart []int, err error) {
	if np <= 1 {
		return
	}
	g := partition.DualGraph(in)
	switch ip.Partitioner {
	case "metis":
		cfg := metis.DefaultConfig()
		if ip.Imbalance > 0 {
			cfg.ImbalanceFactor = ip.Imbalance
		}
		if ip.Objective != "" {
			cfg.Objective = ip.Objective
		}
		if epart, _, err = metis.Partition(g, np, cfg); err != nil {
			return
		}
	default:
		epart = partition.Block(len(in.Elements), np)
	}
	partition.Analyze(g, epart, np).Log(logger)
	return
}

// BuildMetric sets the metric of m from mp. Collective.
func BuildMetric(m *mesh.Mesh, mp InputParameters.MetricParameters) (err error) {
	f := metric.NewMetricField(m)
	switch mp.Type {
	case "uniform":
		h := mp.H
		if len(h) == 1 {
			for len(h) < m.Dim {
				h = append(h, h[0])
			}
		}
		if len(h) != m.Dim {
			return fmt.Errorf("uniform metric has %d sizes for dimension %d", len(h), m.Dim)
		}
		for n := 0; n < m.NNodes(); n++ {
			if m.NodeAlive(n) {
				f.SetFromLengths(n, h...)
			}
		}
	case "hessian":
		field, ok := analyticFields[mp.Field]
		if !ok {
			return fmt.Errorf("unknown analytic field %q", mp.Field)
		}
		psi := make([]float64, m.NNodes())
		for n := range psi {
			if m.NodeAlive(n) {
				psi[n] = field(m.X(n))
			}
		}
		if err = f.AddHessianField(psi, mp.Eta, mp.HMin, mp.HMax); err != nil {
			return
		}
	default:
		return fmt.Errorf("unknown metric type %q", mp.Type)
	}
	if mp.MaxAspect > 0 {
		if err = f.Bound(mp.HMin, mp.HMax, mp.MaxAspect); err != nil {
			return
		}
	}
	if mp.Target > 0 {
		if err = f.ApplyNElements(mp.Target); err != nil {
			return
		}
	}
	return f.UpdateMesh()
}

// Fields with a layer of steep gradient for Hessian metrics
var analyticFields = map[string]func(x []float64) float64{
	"shock": func(x []float64) float64 {
		return math.Tanh(50 * (x[0] - 0.5))
	},
	"ring": func(x []float64) float64 {
		var r2 float64
		for _, v := range x {
			r2 += (v - 0.5) * (v - 0.5)
		}
		return math.Tanh(30 * (math.Sqrt(r2) - 0.25))
	},
}
