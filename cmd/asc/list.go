package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Sternrassler/asc-client/pkg/pagination"
	"github.com/Sternrassler/asc-client/pkg/query"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// fieldFilter is a resource filter given on the command line.
type fieldFilter []query.Field

func (f fieldFilter) Fields() []query.Field {
	return f
}

// parseFilters turns field=value pairs into a filter. Repeated fields are
// combined into one multi-valued restriction.
func parseFilters(pairs []string) (fieldFilter, error) {
	var filter fieldFilter
	index := make(map[string]int)
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid filter %q, expected field=value", pair)
		}
		if i, seen := index[name]; seen {
			switch existing := filter[i].Value.(type) {
			case string:
				filter[i].Value = []string{existing, value}
			case []string:
				filter[i].Value = append(existing, value)
			}
			continue
		}
		index[name] = len(filter)
		filter = append(filter, query.Field{Name: name, Value: value})
	}
	return filter, nil
}

func newListCommand(v *viper.Viper) *cobra.Command {
	var (
		filters      []string
		include      []string
		ordering     string
		reverse      bool
		limit        int
		pageSize     int
		withIncluded bool
	)

	cmd := &cobra.Command{
		Use:   "list RESOURCE",
		Short: "List resources, following every page",
		Example: `  asc list bundleIds --filter platform=IOS --sort name
  asc list profiles --include bundleId --with-included -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilters(filters)
			if err != nil {
				return err
			}

			params := query.FilterParams(filter).
				Merge(query.Sort(query.Ordering(ordering), reverse))
			if len(include) > 0 {
				params["include"] = strings.Join(include, ",")
			}

			ctx := cmd.Context()
			c, cleanup, err := newClient(ctx, v)
			if err != nil {
				return err
			}
			defer cleanup()

			log.Info().
				Str("resource", args[0]).
				Str("filter", query.Describe(filter)).
				Msg("Listing resources")

			result, err := c.PaginateWithIncluded(ctx, "/"+strings.TrimLeft(args[0], "/"), params,
				pagination.Options{PageSize: pageSize, Limit: limit})
			if err != nil {
				return err
			}

			resources := result.Data
			if withIncluded {
				resources = append(resources, result.Included...)
			}
			return render(cmd.OutOrStdout(), v.GetString("output"), resources)
		},
	}

	cmd.Flags().StringArrayVar(&filters, "filter", nil, "filter as field=value (repeatable)")
	cmd.Flags().StringSliceVar(&include, "include", nil, "related resources to include")
	cmd.Flags().StringVar(&ordering, "sort", "", "field to sort by")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "reverse the sort order")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many resources (0 for all)")
	cmd.Flags().IntVar(&pageSize, "page-size", pagination.DefaultPageSize, "resources per request")
	cmd.Flags().BoolVar(&withIncluded, "with-included", false, "also print included resources")

	return cmd
}

// resource is the JSON:API resource object shape used for table output.
type resource struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

func render(w io.Writer, format string, resources []json.RawMessage) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(resources)
	case "yaml":
		var decoded []any
		for _, raw := range resources {
			var item any
			if err := json.Unmarshal(raw, &item); err != nil {
				return fmt.Errorf("decode resource: %w", err)
			}
			decoded = append(decoded, item)
		}
		return yaml.NewEncoder(w).Encode(decoded)
	case "table", "":
		if len(resources) == 0 {
			fmt.Fprintln(w, "No resources found")
			return nil
		}

		table := tablewriter.NewWriter(w)
		table.Header("Type", "ID", "Attributes")
		for _, raw := range resources {
			var r resource
			if err := json.Unmarshal(raw, &r); err != nil {
				return fmt.Errorf("decode resource: %w", err)
			}
			if err := table.Append(r.Type, r.ID, summarize(r.Attributes)); err != nil {
				return fmt.Errorf("append row %s: %w", r.ID, err)
			}
		}
		return table.Render()
	default:
		return fmt.Errorf("unknown output format %q (table, json, yaml)", format)
	}
}

// summarize renders scalar attributes as sorted key=value pairs.
func summarize(attributes map[string]any) string {
	keys := make([]string, 0, len(attributes))
	for key, value := range attributes {
		switch value.(type) {
		case string, float64, bool:
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, attributes[key]))
	}
	return strings.Join(parts, ", ")
}
