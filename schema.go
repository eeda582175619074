package main

import (
	"github.com/spf13/cobra"

	"wesworld/protocol"
)

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the wire protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := protocol.SchemaJSON()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
