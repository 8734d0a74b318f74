package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehr/fhir-importer/internal/domain/export"
	"github.com/ehr/fhir-importer/internal/domain/practitioner"
	"github.com/ehr/fhir-importer/internal/importer"
	"github.com/ehr/fhir-importer/internal/platform/csvio"
	"github.com/ehr/fhir-importer/internal/platform/db"
	"github.com/ehr/fhir-importer/pkg/fhirmodels"
)

var errRunFailed = errors.New("import finished with failures")

func main() {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "fhir-importer",
		Short:         "Load CSV data into a FHIR server and its identity provider",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info or error (default from LOG_LEVEL)")
	pf.StringVar(&g.logFile, "log-file", "", "Also write logs to this file, e.g. importer.log")
	pf.StringVar(&g.accessToken, "access-token", "", "Use this access token instead of the configured credentials")
	pf.BoolVar(&g.onlyResponse, "only-response", false, "Print only the final transaction response")

	rootCmd.AddCommand(importCmd(g))
	rootCmd.AddCommand(assignCmd(g))
	rootCmd.AddCommand(setupCmd(g))
	rootCmd.AddCommand(cleanDuplicatesCmd(g))
	rootCmd.AddCommand(exportCmd(g))
	rootCmd.AddCommand(journalCmd(g))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// resourceTypes maps the accepted --resource-type spellings to the flow
// that imports them.
var resourceTypes = map[string]string{
	"organizations": fhirmodels.ResourceOrganization,
	"organization":  fhirmodels.ResourceOrganization,
	"locations":     fhirmodels.ResourceLocation,
	"location":      fhirmodels.ResourceLocation,
	"careteams":     fhirmodels.ResourceCareTeam,
	"careteam":      fhirmodels.ResourceCareTeam,
	"users":         "users",
	"user":          "users",
}

func resourceKind(name string) (string, error) {
	kind, ok := resourceTypes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unknown resource type %q: want organizations, locations, careTeams or users", name)
	}
	return kind, nil
}

// result turns a finished report into the command's exit status.
func result(rep *importer.Report, err error) error {
	if err != nil {
		return err
	}
	if rep != nil && !rep.OK() {
		return fmt.Errorf("%w: %d of %d rows failed", errRunFailed, rep.Failed, rep.Processed)
	}
	return nil
}

func readCSV(path string) ([][]string, error) {
	if path == "" {
		return nil, fmt.Errorf("--csv is required")
	}
	return csvio.ReadFile(path)
}

func importCmd(g *globals) *cobra.Command {
	var csvPath, resourceType string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import organizations, locations, care teams or users",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := resourceKind(resourceType)
			if err != nil {
				return err
			}
			rows, err := readCSV(csvPath)
			if err != nil {
				return err
			}

			e, err := g.setup()
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			users := kind == "users"
			im, err := e.importer(ctx, needs{fhir: true, keycloak: users})
			if err != nil {
				return err
			}
			if users {
				return result(im.ImportUsers(ctx, csvPath, rows))
			}
			return result(im.ImportResources(ctx, kind, csvPath, rows))
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "Path to the input CSV file")
	cmd.Flags().StringVar(&resourceType, "resource-type", "", "organizations, locations, careTeams or users")
	return cmd
}

func assignCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Link existing resources to each other",
	}

	flows := []struct {
		use   string
		short string
		run   func(*importer.Importer, context.Context, string, [][]string) (*importer.Report, error)
	}{
		{"users-organizations", "Assign practitioners to organizations", (*importer.Importer).AssignUsersOrganizations},
		{"organizations-locations", "Assign locations to organizations", (*importer.Importer).AssignOrganizationsLocations},
	}
	for _, f := range flows {
		var csvPath string
		sub := &cobra.Command{
			Use:   f.use,
			Short: f.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				rows, err := readCSV(csvPath)
				if err != nil {
					return err
				}
				e, err := g.setup()
				if err != nil {
					return err
				}
				defer e.close()

				im, err := e.importer(cmd.Context(), needs{fhir: true})
				if err != nil {
					return err
				}
				return result(f.run(im, cmd.Context(), csvPath, rows))
			},
		}
		sub.Flags().StringVar(&csvPath, "csv", "", "Path to the input CSV file")
		cmd.AddCommand(sub)
	}
	return cmd
}

func setupCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Provision the identity provider",
	}

	var csvPath, group string
	var rolesMax int
	rolesCmd := &cobra.Command{
		Use:   "roles",
		Short: "Create realm roles and composites, optionally mapped to a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readCSV(csvPath)
			if err != nil {
				return err
			}
			e, err := g.setup()
			if err != nil {
				return err
			}
			defer e.close()

			if rolesMax > 0 {
				e.cfg.RolesMax = rolesMax
			}
			im, err := e.importer(cmd.Context(), needs{keycloak: true})
			if err != nil {
				return err
			}
			return result(im.SetupRoles(cmd.Context(), csvPath, rows, group))
		},
	}
	rolesCmd.Flags().StringVar(&csvPath, "csv", "", "Path to the roles CSV file")
	rolesCmd.Flags().StringVar(&group, "group", "", "Group to assign the roles to")
	rolesCmd.Flags().IntVar(&rolesMax, "roles-max", 0, "Maximum number of available roles to list (default from ROLES_MAX)")
	cmd.AddCommand(rolesCmd)
	return cmd
}

// confirm asks the operator to type yes on in.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s Type 'yes' to continue: ", prompt)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(answer), "yes")
}

func cleanDuplicatesCmd(g *globals) *cobra.Command {
	var csvPath string
	var yes, cascade bool
	cmd := &cobra.Command{
		Use:   "clean-duplicates",
		Short: "Delete duplicate Practitioners linked to the same account",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readCSV(csvPath)
			if err != nil {
				return err
			}
			confirmed := yes || confirm(cmd.InOrStdin(), cmd.ErrOrStderr(),
				"This deletes every Practitioner except the one named in the input.")
			if !confirmed {
				return practitioner.ErrNotConfirmed
			}

			e, err := g.setup()
			if err != nil {
				return err
			}
			defer e.close()

			im, err := e.importer(cmd.Context(), needs{fhir: true, keycloak: true})
			if err != nil {
				return err
			}
			return result(im.CleanDuplicates(cmd.Context(), csvPath, rows,
				practitioner.CleanOptions{Confirmed: confirmed, Cascade: cascade}))
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "Path to the users CSV file")
	cmd.Flags().BoolVar(&yes, "yes", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&cascade, "cascade-delete", false, "Also delete resources referencing removed Practitioners")
	return cmd
}

func exportCmd(g *globals) *cobra.Command {
	var resourceType, dir string
	q := export.Query{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export resources into the CSV layout the importer reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := resourceKind(resourceType)
			if err != nil {
				return err
			}
			if !export.Supported(kind) {
				return fmt.Errorf("%w: %s", export.ErrUnsupportedType, kind)
			}

			e, err := g.setup()
			if err != nil {
				return err
			}
			defer e.close()

			backend, err := e.fhir()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = e.cfg.ExportDir
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create export directory: %w", err)
			}

			res, err := export.New(backend, dir, export.WithLogger(e.logger)).Export(cmd.Context(), kind, q)
			if err != nil {
				return err
			}
			if res.Path != "" {
				fmt.Fprintln(cmd.OutOrStdout(), res.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&resourceType, "resource-type", "", "organizations, locations or careTeams")
	cmd.Flags().StringVar(&q.Parameter, "parameter", export.DefaultParameter, "Search parameter to filter on")
	cmd.Flags().StringVar(&q.Value, "value", export.DefaultValue, "Value of the search parameter")
	cmd.Flags().IntVar(&q.Limit, "limit", export.DefaultLimit, "Maximum number of resources to export")
	cmd.Flags().StringVar(&dir, "dir", "", "Output directory (default from EXPORT_DIR)")
	return cmd
}

func journalCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Manage the import journal database",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending journal migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.setup()
			if err != nil {
				return err
			}
			defer e.close()

			pool, err := e.database(cmd.Context())
			if err != nil {
				return err
			}
			count, err := db.NewMigrator(pool, db.Migrations()).Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	var limit int
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migrations, pool health and recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.setup()
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			pool, err := e.database(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			stats, err := db.Check(ctx, pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Pool: %d/%d connections, healthy=%t\n\n", stats.TotalConns, stats.MaxConns, stats.Healthy)

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}

			runs, err := db.NewJournalRepo(pool).Recent(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%-36s %-24s %-20s %9s %9s %6s %7s\n", "RUN", "FLOW", "STARTED", "PROCESSED", "SUCCEEDED", "FAILED", "SKIPPED")
			for _, r := range runs {
				fmt.Fprintf(out, "%-36s %-24s %-20s %9d %9d %6d %7d\n", r.ID, r.Flow,
					r.StartedAt.Format("2006-01-02 15:04:05"), r.Processed, r.Succeeded, r.Failed, r.Skipped)
			}
			return nil
		},
	}
	statusCmd.Flags().IntVar(&limit, "limit", 20, "Number of recent runs to show")
	cmd.AddCommand(statusCmd)
	return cmd
}
