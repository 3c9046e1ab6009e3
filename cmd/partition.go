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
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/notargets/goadapt/InputParameters"
	"github.com/notargets/goadapt/mesh"
	"github.com/notargets/goadapt/meshio"
	"github.com/notargets/goadapt/partition"
)

// PartitionCmd represents the partition command
var PartitionCmd = &cobra.Command{
	Use:   "partition",
	Short: "Partition a mesh and report the balance of the parts",
	Long: `Splits the elements of a mesh over the ranks with the block or METIS
partitioner and reports part sizes and cut facets. With --output the mesh is
written with each element's region set to its part number plus one.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		var (
			ip       = &InputParameters.InputParameters{Ranks: viper.GetInt("ranks")}
			gridFile string
			output   string
		)
		gridFile, _ = cmd.Flags().GetString("gridFile")
		output, _ = cmd.Flags().GetString("output")
		ip.Partitioner, _ = cmd.Flags().GetString("method")
		ip.Objective, _ = cmd.Flags().GetString("objective")
		ip.Imbalance, _ = cmd.Flags().GetFloat32("imbalance")
		if len(gridFile) == 0 {
			return fmt.Errorf("must supply a mesh file (-F, --gridFile) in .msh or .neu format")
		}
		_, err = RunPartition(gridFile, output, ip)
		return
	},
}

func init() {
	rootCmd.AddCommand(PartitionCmd)
	PartitionCmd.Flags().StringP("gridFile", "F", "", "Mesh file to read in Gmsh (.msh) or Gambit (.neu) format")
	PartitionCmd.Flags().StringP("output", "o", "", "Gmsh file for the mesh coloured by part")
	PartitionCmd.Flags().StringP("method", "m", "metis", "partitioner, \"block\" or \"metis\"")
	PartitionCmd.Flags().String("objective", "vol", "METIS objective, \"cut\" or \"vol\"")
	PartitionCmd.Flags().Float32("imbalance", 1.05, "METIS load imbalance factor")
}

// RunPartition partitions the mesh in gridFile over ip.Ranks parts.
func RunPartition(gridFile, output string, ip *InputParameters.InputParameters) (st partition.Stats, err error) {
	in, names, err := meshio.ReadFile(gridFile)
	if err != nil {
		return
	}
	np := max(ip.Ranks, 1)
	epart, err := partitionInput(in, np, ip, logger)
	if err != nil {
		return
	}
	if epart == nil {
		epart = make([]int, len(in.Elements))
	}
	st = partition.Analyze(partition.DualGraph(in), epart, np)
	for p, n := range st.Elements {
		fmt.Printf("part %d: %d elements, %d neighbours\n", p, n, st.Neighbours[p])
	}
	fmt.Printf("%d cut facets, imbalance %.3f\n", st.CutEdges, st.Imbalance)
	if output == "" {
		return
	}
	parts := &mesh.Input{Dim: in.Dim, Coords: in.Coords, Elements: in.Elements,
		Boundary: in.Boundary, Regions: make([]int, len(epart))}
	for k, p := range epart {
		parts.Regions[k] = p + 1
	}
	err = meshio.WriteFile(output, parts, names)
	return
}
