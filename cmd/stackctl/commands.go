package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"timestack/internal/core"
	"timestack/pkg/domain"
)

func newCreateCmd(a *app) *cobra.Command {
	var props []string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a stack, or open it when it already exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseProps(props)
			if err != nil {
				return err
			}
			reg, err := a.registry(cmd.Context())
			if err != nil {
				return err
			}
			s, err := reg.CreateStack(cmd.Context(), a.location(), args[0], parsed)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "stack %s at %s\n", s.Name(), s.Location())
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&props, "prop", "p", nil, "property as name=type, e.g. load=float or tags=string[]")
	return cmd
}

func newPushCmd(a *app) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "push NAME [FIELD=VALUE]...",
		Short: "Push a snapshot onto a stack",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var ts time.Time
			if at != "" {
				var err error
				if ts, err = domain.ParseTime(at); err != nil {
					return err
				}
			}
			s, err := a.stack(ctx, args[0])
			if err != nil {
				return err
			}
			props, err := s.Properties(ctx)
			if err != nil {
				return err
			}
			fields, err := parseFields(props, args[1:])
			if err != nil {
				return err
			}
			if err := s.Push(ctx, ts, fields); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "pushed to %s (%d snapshots)\n", s.Name(), len(s.ListSnapshots(ctx)))
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "snapshot timestamp, RFC 3339 or YYYY-MM-DD (default now)")
	return cmd
}

func newClosestCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "closest NAME DATE",
		Short: "Print the oldest snapshot taken at or after DATE",
		Long: `closest prints the index of the oldest snapshot whose timestamp is at or
after DATE, with index 0 being the newest. It prints -1 when DATE is later
than every snapshot.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := domain.ParseTime(args[1])
			if err != nil {
				return err
			}
			s, err := a.stack(ctx, args[0])
			if err != nil {
				return err
			}
			// One read, so the index and the printed snapshot agree.
			snaps, err := s.AllSnapshots(ctx)
			if err != nil {
				return err
			}
			idx := core.ClosestSnapshot(snaps, d)
			if asJSON {
				out := struct {
					Index    int              `json:"index"`
					Snapshot *domain.Snapshot `json:"snapshot,omitempty"`
				}{Index: idx}
				if idx != core.NotFound {
					out.Snapshot = &snaps[idx]
				}
				return json.NewEncoder(a.stdout).Encode(out)
			}
			if idx == core.NotFound {
				fmt.Fprintln(a.stdout, idx)
				return nil
			}
			fmt.Fprintf(a.stdout, "%d\t%s\t%s\n", idx, snaps[idx].Timestamp.Format(time.RFC3339Nano), formatFields(snaps[idx].Fields))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	var (
		asJSON bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Print a stack's properties and snapshots, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.stack(ctx, args[0])
			if err != nil {
				return err
			}
			props, err := s.Properties(ctx)
			if err != nil {
				return err
			}
			snaps, err := s.AllSnapshots(ctx)
			if err != nil {
				return err
			}
			if limit > 0 && limit < len(snaps) {
				snaps = snaps[:limit]
			}
			if asJSON {
				return json.NewEncoder(a.stdout).Encode(struct {
					Stack      string            `json:"stack"`
					Location   domain.Location   `json:"location"`
					Properties domain.Properties `json:"properties"`
					Snapshots  []domain.Snapshot `json:"snapshots"`
				}{s.Name(), s.Location(), props, snaps})
			}
			fmt.Fprintf(a.stdout, "stack %s at %s\n", s.Name(), s.Location())
			for _, name := range props.Names() {
				fmt.Fprintf(a.stdout, "  %s: %s\n", name, props[name])
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tTIMESTAMP\tFIELDS")
			for i, snap := range snaps {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", i, snap.Timestamp.Format(time.RFC3339Nano), formatFields(snap.Fields))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "print at most N snapshots")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var loaded bool
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List the stacks persisted at the configured location",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg, err := a.registry(ctx)
			if err != nil {
				return err
			}
			if !loaded {
				names, err := reg.ListStackNamesAt(ctx, a.location())
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(a.stdout, name)
				}
				return nil
			}
			if _, err := reg.LoadAllStacksAt(ctx, a.location()); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tLOCATION\tSNAPSHOTS\tNEWEST")
			for _, s := range reg.LoadedStacks() {
				snaps := s.ListSnapshots(ctx)
				newest := "-"
				if len(snaps) > 0 {
					newest = snaps[0].Timestamp.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Name(), s.Location(), len(snaps), newest)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&loaded, "loaded", false, "load every stack and print its size")
	return cmd
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm NAME",
		Aliases: []string{"remove"},
		Short:   "Delete a stack and its history",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.stack(ctx, args[0])
			if err != nil {
				return err
			}
			if !a.reg.RemoveStack(ctx, s.Name()) {
				return fmt.Errorf("stack %q was not registered", s.Name())
			}
			names, err := a.reg.ListStackNamesAt(ctx, a.location())
			if err != nil {
				return err
			}
			for _, name := range names {
				if name == s.Name() {
					return fmt.Errorf("stack %q could not be deleted", name)
				}
			}
			fmt.Fprintf(a.stdout, "removed %s\n", s.Name())
			return nil
		},
	}
}

func newUpdateCmd(a *app) *cobra.Command {
	var props []string
	cmd := &cobra.Command{
		Use:   "update NAME",
		Short: "Replace a stack's properties; existing history is not migrated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(props) == 0 {
				return errors.New("update: at least one --prop is required")
			}
			parsed, err := parseProps(props)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := a.stack(ctx, args[0])
			if err != nil {
				return err
			}
			if err := s.Update(ctx, parsed); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "updated %s\n", s.Name())
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&props, "prop", "p", nil, "property as name=type")
	return cmd
}

func newDeleteIndexesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-indexes NAME INDEX...",
		Short: "Remove snapshots by position, 0 being the newest",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			indexes := make([]int, 0, len(args)-1)
			for _, arg := range args[1:] {
				i, err := strconv.Atoi(arg)
				if err != nil {
					return fmt.Errorf("index %q: %w", arg, err)
				}
				indexes = append(indexes, i)
			}
			ctx := cmd.Context()
			s, err := a.stack(ctx, args[0])
			if err != nil {
				return err
			}
			removed, err := s.DeleteIndexes(ctx, indexes...)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "removed %d snapshots from %s\n", removed, s.Name())
			return nil
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "export [NAME]...",
		Short: "Write stacks to the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if all == (len(args) > 0) {
				return errors.New("export: name stacks or pass --all")
			}
			exp, err := a.archive(ctx)
			if err != nil {
				return err
			}
			if all {
				reg, err := a.registry(ctx)
				if err != nil {
					return err
				}
				if _, err := reg.LoadAllStacksAt(ctx, a.location()); err != nil {
					return err
				}
				infos, err := exp.ExportAll(ctx, reg)
				if err != nil {
					return err
				}
				for _, info := range infos {
					fmt.Fprintln(a.stdout, info.Key)
				}
				return nil
			}
			for _, name := range args {
				s, err := a.stack(ctx, name)
				if err != nil {
					return err
				}
				info, err := exp.Export(ctx, s)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, info.Key)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "export every stack at the configured location")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var keepLocation bool
	cmd := &cobra.Command{
		Use:   "import KEY",
		Short: "Recreate a stack from an archived export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			exp, err := a.archive(ctx)
			if err != nil {
				return err
			}
			reg, err := a.registry(ctx)
			if err != nil {
				return err
			}
			loc := a.location()
			if keepLocation {
				loc = domain.Location{}
			}
			s, err := exp.Import(ctx, reg, loc, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "imported %s at %s (%d snapshots)\n", s.Name(), s.Location(), len(s.ListSnapshots(ctx)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepLocation, "keep-location", false, "import at the archived location instead of the configured one")
	return cmd
}

func newExportsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exports [NAME]",
		Short: "List archived exports, of one stack or of all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			exp, err := a.archive(ctx)
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			infos, err := exp.List(ctx, name)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tSIZE\tMODIFIED")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", info.Key, info.Size, info.LastModified.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}
