package cmd

import (
	"fmt"
	"strconv"

	"github.com/agentic-research/cadlink/api"
	"github.com/agentic-research/cadlink/internal/mcpserver"
	"github.com/spf13/cobra"
)

func newResolveCmd(a *app) *cobra.Command {
	var views bool
	cmd := &cobra.Command{
		Use:   "resolve [model] [revision] [treeIndex]",
		Short: "Print the instances mapped to a node or its closest mapped ancestor",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids [3]int64
			for i, s := range args {
				n, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return fmt.Errorf("argument %d: %q is not an integer", i+1, s)
				}
				ids[i] = n
			}
			o, closeFn, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			res, err := mcpserver.ClosestMapping(cmd.Context(), o,
				api.ModelID(ids[0]), api.RevisionID(ids[1]), api.TreeIndex(ids[2]), views)
			if err != nil {
				return err
			}
			if res.ViewError != "" {
				a.log.Warn("views unavailable", "error", res.ViewError)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&views, "views", false, "Attach the first view of each instance")
	return cmd
}

func newEdgesCmd(a *app) *cobra.Command {
	var views, indices bool
	cmd := &cobra.Command{
		Use:   "edges [model/revision]...",
		Short: "Print every mapping edge of the given revisions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(args)
			if err != nil {
				return err
			}
			o, closeFn, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			res, err := mcpserver.MappingEdges(cmd.Context(), o, keys, views, indices)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&views, "views", false, "Attach views to every edge")
	cmd.Flags().BoolVar(&indices, "indices", false, "Print only the mapped tree indices")
	return cmd
}

func newMappingsCmd(a *app) *cobra.Command {
	var instances []string
	cmd := &cobra.Command{
		Use:   "mappings --instance space/externalId... [model/revision]...",
		Short: "Print the nodes each instance is connected to, per revision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(args)
			if err != nil {
				return err
			}
			refs := make([]api.GraphInstanceRef, len(instances))
			for i, s := range instances {
				if refs[i], err = api.ParseGraphInstanceRef(s); err != nil {
					return err
				}
			}
			o, closeFn, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			res, err := o.Mappings(cmd.Context(), refs, keys)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringSliceVarP(&instances, "instance", "i", nil, "Instance as space/externalId (repeatable)")
	return cmd
}

func parseKeys(args []string) ([]api.ModelRevisionKey, error) {
	keys := make([]api.ModelRevisionKey, len(args))
	for i, s := range args {
		k, err := api.ParseModelRevisionKey(s)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}
