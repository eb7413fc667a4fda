package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"voxelfit/internal/protocol"
)

var (
	convertBvecPath string
	convertBvalPath string
	convertOutPath  string
)

var protocolCmd = &cobra.Command{
	Use:   "protocol",
	Short: "Inspect and convert acquisition protocols",
}

var protocolInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Summarize a protocol file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := protocol.Load(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("volumes:            %d\n", p.Length())
		fmt.Printf("real columns:       %v\n", p.ColumnNames())
		fmt.Printf("derivable columns:  %v\n", p.EstimatedColumnNames())
		fmt.Printf("unweighted volumes: %d\n", len(p.UnweightedIndices()))
		fmt.Printf("weighted volumes:   %d\n", len(p.WeightedIndices()))

		if shells, err := p.BValueShells(); err == nil {
			fmt.Printf("b-value shells:     %v\n", shells)
		}
		if _, err := protocol.SequenceTimings(p); err == nil {
			fmt.Println("sequence timings:   resolvable")
		} else {
			fmt.Printf("sequence timings:   %v\n", err)
		}
		return nil
	},
}

var protocolConvertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert a bvec/bval pair into a protocol file",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := protocol.LoadBvecBval(convertBvecPath, convertBvalPath)
		if err != nil {
			return err
		}
		if err := protocol.Write(p, convertOutPath, nil); err != nil {
			return err
		}
		fmt.Printf("wrote %s (%d volumes)\n", convertOutPath, p.Length())
		return nil
	},
}

func init() {
	protocolConvertCmd.Flags().StringVar(&convertBvecPath, "bvec", "", "gradient vector file (required)")
	protocolConvertCmd.Flags().StringVar(&convertBvalPath, "bval", "", "b-value file (required)")
	protocolConvertCmd.Flags().StringVarP(&convertOutPath, "output", "o", "protocol.prtcl", "output protocol file")
	_ = protocolConvertCmd.MarkFlagRequired("bvec")
	_ = protocolConvertCmd.MarkFlagRequired("bval")

	protocolCmd.AddCommand(protocolInspectCmd)
	protocolCmd.AddCommand(protocolConvertCmd)
}
