package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shrek82/jormpool/core"
)

func pingCmd(flags *connFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Connect and run the driver's validation query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			d, err := flags.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer d.Close()

			q := d.Profile().PingQuery
			if q == "" {
				q = "SELECT 1"
			}
			if _, err := d.Evaluate(cmd.Context(), q); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s via %s in %s\n", d.Profile().Name, d.DriverName(), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func queryCmd(flags *connFlags) *cobra.Command {
	var (
		format string
		tx     bool
	)
	cmd := &cobra.Command{
		Use:   "query <sql> [args...]",
		Short: "Run a query and print its rows",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flags.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer d.Close()

			run := d.Query
			if tx {
				run = d.TransactionQuery
			}
			c, err := run(cmd.Context(), args[0], nil, stringArgs(args[1:])...)
			if err != nil {
				return err
			}
			defer c.Close()

			switch format {
			case "table":
				err = printTable(cmd.OutOrStdout(), c)
			case "json":
				err = printJSON(cmd.OutOrStdout(), c)
			default:
				return fmt.Errorf("unknown format %q (valid: table, json)", format)
			}
			if err != nil {
				return err
			}
			return c.Err()
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table or json")
	cmd.Flags().BoolVar(&tx, "tx", false, "run on the transaction pool")
	return cmd
}

func execCmd(flags *connFlags) *cobra.Command {
	var one bool
	cmd := &cobra.Command{
		Use:   "exec <sql> [args...]",
		Short: "Run a mutation and print the affected row count",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flags.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer d.Close()

			run := d.Update
			if one {
				run = d.UpdateOne
			}
			n, err := run(cmd.Context(), args[0], stringArgs(args[1:])...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d row(s) affected\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&one, "one", false, "fail unless at most one row changes")
	return cmd
}

func tablesCmd(flags *connFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List the tables of the current schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flags.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer d.Close()

			tables, err := listTables(cmd, d, all)
			if err != nil {
				return err
			}
			for _, t := range tables {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include tables matched by the driver's ignore pattern")
	return cmd
}

func statsCmd(flags *connFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Open the pools and print their sizes as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flags.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer d.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d.Stats())
		},
	}
}

func listTables(cmd *cobra.Command, d *core.Database, all bool) ([]string, error) {
	q := d.Profile().TablesQuery
	if q == "" {
		return nil, fmt.Errorf("%s: listing tables is not supported", d.Profile().Name)
	}
	c, err := d.Query(cmd.Context(), q, nil)
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, v := range c.Scalars() {
		name := fmt.Sprint(v)
		if !all && d.Profile().IgnoreTable(name) {
			continue
		}
		tables = append(tables, name)
	}
	return tables, c.Err()
}

// stringArgs passes positional arguments as strings; "NULL" binds a null.
func stringArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if a == "NULL" {
			continue
		}
		out[i] = a
	}
	return out
}

func printTable(w io.Writer, c *core.RowCursor) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	keys := c.Keys()
	fmt.Fprintln(tw, strings.Join(keys, "\t"))
	n := 0
	for c.HasNext() {
		row := c.Next()
		if row == nil {
			break
		}
		cells := make([]string, len(keys))
		for i, v := range row.Values() {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
		n++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "(%d rows)\n", n)
	return err
}

func printJSON(w io.Writer, c *core.RowCursor) error {
	rows := c.Rows()
	if rows == nil {
		rows = []*core.Row{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
