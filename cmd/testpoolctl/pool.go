package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/testpool/testpoold/internal/config"
	"github.com/testpool/testpoold/internal/domain"
	"github.com/testpool/testpoold/internal/store"
)

func getStore() (store.Store, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return store.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
}

func poolAddCmd() *cobra.Command {
	var (
		resourceMax  int
		templateName string
		connection   string
		product      string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Declare a new resource pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := context.Background()
			host, err := s.GetHostByConnection(ctx, connection, product)
			if errors.Is(err, domain.ErrUnknownHost) {
				host = &domain.Host{Connection: connection, Product: product}
				if err := s.CreateHost(ctx, host); err != nil {
					return fmt.Errorf("create host: %w", err)
				}
			} else if err != nil {
				return fmt.Errorf("resolve host: %w", err)
			}

			pool := &domain.Pool{
				Name:         name,
				HostID:       host.ID,
				TemplateName: templateName,
				ResourceMax:  resourceMax,
			}
			if err := s.CreatePool(ctx, pool); err != nil {
				return err
			}

			fmt.Printf("Pool '%s' created:\n", pool.Name)
			fmt.Printf("  Template:     %s\n", pool.TemplateName)
			fmt.Printf("  Resource max: %d\n", pool.ResourceMax)
			fmt.Printf("  Host:         %s (%s)\n", host.Connection, host.Product)
			return nil
		},
	}

	cmd.Flags().IntVar(&resourceMax, "resource-max", 0, "Target number of resources to keep ready")
	cmd.Flags().StringVar(&templateName, "template-name", "", "Backend template/image name to clone from")
	cmd.Flags().StringVar(&connection, "connection", "", "Backend connection string")
	cmd.Flags().StringVar(&product, "product", "", "Driver product name (e.g. docker)")
	cmd.MarkFlagRequired("template-name")
	cmd.MarkFlagRequired("connection")
	cmd.MarkFlagRequired("product")

	return cmd
}

func poolListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all pools with their resource counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.ListPoolStats(context.Background())
			if err != nil {
				return err
			}

			if len(stats) == 0 {
				fmt.Println("No pools found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMAX\tREADY\tRESERVED\tPENDING\tBAD")
			for _, st := range stats {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
					st.Name, st.ResourceMax, st.Ready, st.Reserved, st.Pending, st.Bad)
			}
			return w.Flush()
		},
	}
	return cmd
}

func poolGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show one pool's resource counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := context.Background()
			pool, err := s.GetPoolByName(ctx, args[0])
			if err != nil {
				return err
			}
			stats, err := s.PoolStats(ctx, pool.ID)
			if err != nil {
				return err
			}

			fmt.Printf("Pool:         %s\n", stats.Name)
			fmt.Printf("Template:     %s\n", pool.TemplateName)
			fmt.Printf("Resource max: %d\n", stats.ResourceMax)
			fmt.Printf("Ready:        %d\n", stats.Ready)
			fmt.Printf("Reserved:     %d\n", stats.Reserved)
			fmt.Printf("Pending:      %d\n", stats.Pending)
			fmt.Printf("Bad:          %d\n", stats.Bad)
			return nil
		},
	}
	return cmd
}

func poolDeleteCmd() *cobra.Command {
	var immediate bool

	cmd := &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Drain and remove a pool",
		Long:    "Sets resource_max to 0 so the daemon drains the pool naturally, or with --immediate also schedules every non-reserved resource for destruction right away.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := context.Background()
			pool, err := s.GetPoolByName(ctx, args[0])
			if err != nil {
				return err
			}

			if immediate {
				resources, err := s.ListPoolResources(ctx, pool.ID)
				if err != nil {
					return err
				}
				for _, res := range resources {
					if res.Status == domain.StatusReserved {
						continue
					}
					if err := s.Transition(ctx, res.ID, domain.StatusPending, domain.ActionDestroy, 0); err != nil {
						return err
					}
				}
			}

			if err := s.SetPoolResourceMax(ctx, pool.ID, 0); err != nil {
				return err
			}

			fmt.Printf("Pool '%s' marked for removal (resource_max=0)\n", pool.Name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&immediate, "immediate", false, "Also schedule non-reserved resources for immediate destruction")
	return cmd
}
