package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/securevault/pkg/record"
)

var (
	listJSON    bool
	deleteForce bool
)

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.AddCommand(recordAddCmd)
	recordCmd.AddCommand(recordListCmd)
	recordCmd.AddCommand(recordDeleteCmd)

	recordListCmd.Flags().BoolVar(&listJSON, "json", false, "Print records as JSON")
	recordDeleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip the confirmation prompt")
}

var recordCmd = &cobra.Command{
	Use:     "record",
	Aliases: []string{"rec"},
	Short:   "Add, list and delete documents",
	Long: `Add, list and delete documents.

Kinds: ` + kindList() + `

Field names start with a letter and contain letters, digits and '_'.`,
}

var recordAddCmd = &cobra.Command{
	Use:               "add <kind> <field=value>...",
	Short:             "Store a new document",
	Example:           "  securevault record add pan name=Asha number=ABCDE1234F",
	Args:              cobra.MinimumNArgs(2),
	ValidArgsFunction: completeKinds,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer v.Lock()
		return addRecord(cmd, args[0], args[1:])
	},
}

var recordListCmd = &cobra.Command{
	Use:               "list [kind]",
	Short:             "List documents of one kind, or all of them",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeKinds,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer v.Lock()
		return listRecords(cmd, args, listJSON)
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:               "delete <kind> <id>",
	Short:             "Delete a document",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeKinds,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := ensureUnlocked(cmd); err != nil {
			return err
		}
		defer v.Lock()
		if !deleteForce && !confirm(cmd, fmt.Sprintf("Delete %s record %s?", args[0], args[1])) {
			fmt.Fprintln(cmd.OutOrStdout(), "Delete cancelled.")
			return nil
		}
		return deleteRecord(cmd, args[0], args[1])
	},
}

func kindList() string {
	names := make([]string, len(record.Kinds))
	for i, k := range record.Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

// parseFields turns name=value arguments into a field map.
func parseFields(pairs []string) (map[string]string, error) {
	fields := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q: expected name=value", p)
		}
		if _, dup := fields[name]; dup {
			return nil, fmt.Errorf("field %q given more than once", name)
		}
		fields[name] = value
	}
	return fields, nil
}

func addRecord(cmd *cobra.Command, kindArg string, pairs []string) error {
	kind, err := record.ParseKind(kindArg)
	if err != nil {
		return fmt.Errorf("unknown kind %q (valid: %s)", kindArg, kindList())
	}
	fields, err := parseFields(pairs)
	if err != nil {
		return err
	}
	id, err := v.AddRecord(cmd.Context(), kind, fields)
	if err != nil {
		return fail("add record", err)
	}
	successColor.Fprintf(cmd.OutOrStdout(), "Added %s record %d\n", kind, id)
	return nil
}

func listRecords(cmd *cobra.Command, args []string, asJSON bool) error {
	kinds := record.Kinds
	if len(args) == 1 {
		kind, err := record.ParseKind(args[0])
		if err != nil {
			return fmt.Errorf("unknown kind %q (valid: %s)", args[0], kindList())
		}
		kinds = []record.Kind{kind}
	}

	set := record.NewSet()
	for _, k := range kinds {
		recs, err := v.ListRecords(cmd.Context(), k)
		if err != nil {
			return fail("list records", err)
		}
		if recs != nil {
			set[k] = recs
		}
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if len(args) == 1 {
			return enc.Encode(set[kinds[0]])
		}
		return enc.Encode(set)
	}

	if set.Total() == 0 {
		fmt.Fprintln(out, "No records.")
		return nil
	}
	for _, k := range kinds {
		if len(set[k]) == 0 {
			continue
		}
		fmt.Fprintln(out, boldColor.Sprintf("%s (%d)", k, len(set[k])))
		for _, r := range set[k] {
			printRecord(out, r)
		}
	}
	return nil
}

func printRecord(w io.Writer, r record.Record) {
	names := r.FieldNames()
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+r.Fields[n])
	}
	fmt.Fprintf(w, "  %s %s\n", dimColor.Sprintf("#%d", r.ID), strings.Join(parts, " "))
}

func deleteRecord(cmd *cobra.Command, kindArg, idArg string) error {
	kind, err := record.ParseKind(kindArg)
	if err != nil {
		return fmt.Errorf("unknown kind %q (valid: %s)", kindArg, kindList())
	}
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid record id %q", idArg)
	}
	if err := v.DeleteRecord(cmd.Context(), kind, id); err != nil {
		return fail("delete record", err)
	}
	successColor.Fprintf(cmd.OutOrStdout(), "Deleted %s record %d\n", kind, id)
	return nil
}
