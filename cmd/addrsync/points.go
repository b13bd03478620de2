package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/addrsync/internal/service"
)

// createPointCmd creates the local point subcommand
func createPointCmd() *cobra.Command {
	pointCmd := &cobra.Command{
		Use:   "point",
		Short: "Manage staff-entered address points",
	}
	pointCmd.AddCommand(createPointCreateCmd())
	pointCmd.AddCommand(createPointPendingCmd())
	return pointCmd
}

func createPointCreateCmd() *cobra.Command {
	var (
		req       service.CreateLocalPointRequest
		lat, lon  float64
		createdBy int64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a pending local address point",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("lat") {
				req.Lat = &lat
			}
			if flags.Changed("lon") {
				req.Lon = &lon
			}
			if flags.Changed("created-by") {
				req.CreatedBy = &createdBy
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			p, err := a.svc.CreateLocalPoint(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Terc, "terc", "", "commune code")
	f.StringVar(&req.Simc, "simc", "", "locality code")
	f.StringVar(&req.Ulic, "ulic", "", "street code")
	f.BoolVar(&req.NoStreet, "no-street", false, "the address has no street")
	f.StringVar(&req.BuildingNo, "building", "", "building number")
	f.StringVar(&req.LocalNo, "local", "", "unit number")
	f.Float64Var(&lat, "lat", 0, "latitude (WGS84)")
	f.Float64Var(&lon, "lon", 0, "longitude (WGS84)")
	f.StringVar(&req.Note, "note", "", "free-text note")
	f.Int64Var(&createdBy, "created-by", 0, "staff id")
	return cmd
}

func createPointPendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List points awaiting reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			list, err := a.svc.ListPendingPoints(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(list)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum points to list")
	return cmd
}

// createQueueCmd creates the review queue subcommand
func createQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Review reconciliation candidates",
	}
	queueCmd.AddCommand(createQueueListCmd())
	queueCmd.AddCommand(createQueueResolveCmd())
	return queueCmd
}

func createQueueListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review items",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			items, err := a.svc.ListReconcileQueue(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			return printJSON(items)
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "pending, resolved or rejected")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum items to list")
	return cmd
}

func createQueueResolveCmd() *cobra.Command {
	var (
		candidate int64
		reject    bool
		staff     int64
	)
	cmd := &cobra.Command{
		Use:   "resolve [item-id]",
		Short: "Promote a pending point to a candidate, or reject the item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req := service.ResolveRequest{StaffID: staff}
			switch {
			case reject && candidate != 0:
				return fmt.Errorf("--candidate and --reject are exclusive")
			case !reject && candidate == 0:
				return fmt.Errorf("one of --candidate or --reject is required")
			case !reject:
				req.CandidateID = &candidate
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			res, err := a.svc.ResolveQueueItem(cmd.Context(), id, req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().Int64Var(&candidate, "candidate", 0, "official point id to promote to")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject every candidate")
	cmd.Flags().Int64Var(&staff, "staff", 0, "staff id recording the decision")
	cmd.MarkFlagRequired("staff")
	return cmd
}

// createLockCmd creates the execution lock subcommand
func createLockCmd() *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and clear execution locks",
	}
	lockCmd.AddCommand(&cobra.Command{
		Use:       "show [fetch|import|reconcile]",
		Short:     "Show an execution lock",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"fetch", "import", "reconcile"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			st, err := a.svc.LockStatus(args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	})
	lockCmd.AddCommand(&cobra.Command{
		Use:   "clear [fetch|import|reconcile]",
		Short: "Remove a stale lock and fail the jobs it left running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			cleared, err := a.svc.ClearLock(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cleared)
		},
	})
	return lockCmd
}
