package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/staticimp/staticimp/pkg/core"
)

var (
	renderEntryType string
	renderFields    []string
	renderParams    []string
	renderBranch    string
	renderProject   string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Run an entry type's field rules without committing",
	Long: `Validate, generate and transform the given fields with the rules of an
entry type and print the resulting entry as YAML. Nothing is committed.

  staticimp render --entry-type comment --field name=Ada --field message=hi`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parsePairs(renderFields)
		if err != nil {
			return fmt.Errorf("--field: %w", err)
		}
		params, err := parsePairs(renderParams)
		if err != nil {
			return fmt.Errorf("--param: %w", err)
		}

		path, err := resolveConfig()
		if err != nil {
			return err
		}
		svc, err := offlineService(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		defer svc.Close()

		entry, ok := svc.Config().Entry(renderEntryType)
		if !ok {
			return fmt.Errorf("%w %q", core.ErrUnknownEntryType, renderEntryType)
		}
		entry.Debug = true

		submitted := make(map[string]any, len(fields))
		for k, v := range fields {
			submitted[k] = v
		}
		res, err := svc.Process(cmd.Context(), core.Submission{
			Project:   renderProject,
			Branch:    renderBranch,
			EntryType: renderEntryType,
			Params:    params,
			Fields:    submitted,
		}, entry)
		if err != nil {
			return err
		}

		out, err := core.NewYAMLSerializer(false).Serialize(res.Entry.Fields())
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	f := renderCmd.Flags()
	f.StringVarP(&renderEntryType, "entry-type", "e", "", "Entry type to render")
	f.StringArrayVarP(&renderFields, "field", "f", nil, "Submitted field as key=value, repeatable")
	f.StringArrayVarP(&renderParams, "param", "p", nil, "Query parameter as key=value, repeatable")
	f.StringVar(&renderBranch, "branch", "main", "Branch seen by {@branch}")
	f.StringVar(&renderProject, "project", "", "Project seen by {@project}")
	_ = renderCmd.MarkFlagRequired("entry-type")
	rootCmd.AddCommand(renderCmd)
}

// parsePairs splits key=value arguments. Later keys win.
func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
