package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"voxelfit/internal/model"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the available models and cascades",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range model.Names() {
			def, err := model.Get(name)
			if err != nil {
				return err
			}
			switch d := def.(type) {
			case *model.Cascade:
				fmt.Printf("%s (cascade: %v)\n", name, d.StageNames())
			case model.Model:
				fmt.Printf("%s (parameters: %v)\n", name, d.ParameterNames())
			default:
				fmt.Println(name)
			}
		}
		return nil
	},
}
