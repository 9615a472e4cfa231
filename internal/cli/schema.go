package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/sage/pkg/dataset"
)

type SchemaCmd struct {
	cli *CLI
}

func NewSchemaCmd(c *CLI) *SchemaCmd {
	return &SchemaCmd{cli: c}
}

func (c *SchemaCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Show the datasets in the manifest with their columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}

			reg, err := c.cli.loadRegistry(cmd.Context(), c.cli.logger(cmd))
			if err != nil {
				return err
			}
			schema := reg.Schema()

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(schema); err != nil {
					return fmt.Errorf("failed to encode schema: %w", err)
				}
				return nil
			}
			printSchema(cmd, schema)
			return nil
		},
	}

	cmd.Flags().Bool("json", false, "print the schema as JSON")

	return cmd
}

func printSchema(cmd *cobra.Command, schema *dataset.Schema) {
	out := cmd.OutOrStdout()
	for i, name := range schema.Names() {
		ds := schema.Datasets[name]
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "%s (%d rows)\n", ds.Name, ds.RowCount)

		rows := make([][]string, 0, len(ds.Columns))
		for _, col := range ds.Columns {
			id := ""
			if col.Identifier {
				id = "yes"
			}
			rows = append(rows, []string{col.Name, string(col.Type), string(col.Unit), id})
		}
		writeTable(out, []string{"Column", "Type", "Unit", "Identifier"}, rows)
	}

	for _, rel := range schema.Relationships {
		fmt.Fprintf(out, "\n%s <-> %s on %s\n", rel.Left, rel.Right, strings.Join(rel.Columns, ", "))
	}
}
