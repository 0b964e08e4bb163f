package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Strob0t/stageflow/internal/adapter/postgres"
	"github.com/Strob0t/stageflow/internal/adapter/sqlite"
	"github.com/Strob0t/stageflow/internal/config"
	"github.com/Strob0t/stageflow/internal/domain/recipe"
	"github.com/Strob0t/stageflow/internal/domain/stage"
	"github.com/Strob0t/stageflow/internal/logger"
	"github.com/Strob0t/stageflow/internal/port/database"
	"github.com/Strob0t/stageflow/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	case "version":
		return runAdminVersion(args[1:])
	case "rescue":
		return runAdminRescue(args[1:])
	case "init-recipes":
		return runAdminInitRecipes(args[1:])
	case "list-runs":
		return runAdminListRuns(args[1:])
	case "recipes":
		return runAdminRecipes(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: stageflow admin <command> [options]

Commands:
  migrate          Apply pending migrations
  rollback         Roll back migrations
  version          Print the current migration version
  rescue           Fail runs stuck in running past the threshold
  init-recipes     Create the default recipe for every stage of a workspace
  list-runs        List the runs of a card
  recipes export   Print the recipes of a workspace as YAML
  recipes import   Apply recipes from a YAML file
  help             Show this help message

Examples:
  stageflow admin migrate
  stageflow admin rollback --steps 2
  stageflow admin rescue
  stageflow admin init-recipes --workspace ws-1
  stageflow admin list-runs --card card-42
  stageflow admin recipes export --workspace ws-1 > recipes.yaml
  stageflow admin recipes import --file recipes.yaml
`)
}

// loadAdminConfig loads config and installs a synchronous logger; admin
// commands exit right after their work, so there is nothing to flush.
func loadAdminConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	lc := cfg.Logging
	lc.Async = false
	l, _ := logger.New(lc)
	slog.SetDefault(l)
	return cfg, nil
}

func adminContext() context.Context {
	return logger.WithCaller(context.Background(), logger.CallerCLI)
}

func loadAdminStore(ctx context.Context) (*config.Config, database.Store, func(), error) {
	cfg, err := loadAdminConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Store.Driver == config.DriverMemory {
		return nil, nil, nil, fmt.Errorf("admin commands need a persistent store, got driver %q", cfg.Store.Driver)
	}
	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, store, cleanup, nil
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := adminContext()

	// openStore migrates as part of opening.
	_, _, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	cleanup()
	fmt.Fprintln(os.Stderr, "Migrations applied.")
	return nil
}

func runAdminRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return fmt.Errorf("--steps must be at least 1")
	}

	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx := adminContext()

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		err = postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps)
	case config.DriverSQLite:
		var s *sqlite.Store
		if s, err = sqlite.Open(ctx, cfg.Store.SQLitePath); err == nil {
			err = s.Rollback(ctx, *steps)
			_ = s.Close()
		}
	default:
		err = fmt.Errorf("driver %q has no migrations", cfg.Store.Driver)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s).\n", *steps)
	return nil
}

func runAdminVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx := adminContext()

	var v int64
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		v, err = postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	case config.DriverSQLite:
		var s *sqlite.Store
		if s, err = sqlite.Open(ctx, cfg.Store.SQLitePath); err == nil {
			v, err = s.MigrationVersion(ctx)
			_ = s.Close()
		}
	default:
		err = fmt.Errorf("driver %q has no migrations", cfg.Store.Driver)
	}
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func runAdminRescue(args []string) error {
	fs := flag.NewFlagSet("rescue", flag.ContinueOnError)
	threshold := fs.Duration("threshold", 0, "override rescue.stuck_threshold")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := adminContext()

	cfg, store, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	th := cfg.Rescue.StuckThreshold
	if *threshold > 0 {
		th = *threshold
	}
	n, err := service.NewRescueService(store, nil, nil, th, cfg.Workers.LivenessWindow).RescueStuckRuns(ctx)
	if err != nil {
		return fmt.Errorf("rescue: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Rescued %d run(s).\n", n)
	return nil
}

func runAdminInitRecipes(args []string) error {
	fs := flag.NewFlagSet("init-recipes", flag.ContinueOnError)
	workspace := fs.String("workspace", "", "workspace id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workspace == "" {
		return fmt.Errorf("--workspace is required")
	}
	ctx := adminContext()

	_, store, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := service.NewRecipeService(store, nil, 0).InitializeDefaultRecipes(ctx, *workspace)
	if err != nil {
		return fmt.Errorf("init recipes: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Created %d recipe(s) for %s.\n", n, *workspace)
	return nil
}

func runAdminListRuns(args []string) error {
	fs := flag.NewFlagSet("list-runs", flag.ContinueOnError)
	card := fs.String("card", "", "card id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *card == "" {
		return fmt.Errorf("--card is required")
	}
	ctx := adminContext()

	_, store, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	runs, err := service.NewRunService(store, nil, nil).GetRunsForCard(ctx, *card)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTAGE\tSTATUS\tATTEMPT\tWORKER\tCREATED\tERROR")
	for i := range runs {
		r := &runs[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Stage, r.Status, r.Attempt, r.WorkerID, r.CreatedAt.Format(time.RFC3339), r.ErrorSummary)
	}
	return w.Flush()
}

// recipeFile is the YAML document read and written by the recipes subcommands.
type recipeFile struct {
	WorkspaceID string               `yaml:"workspace_id"`
	Recipes     []recipe.StageRecipe `yaml:"recipes"`
}

func runAdminRecipes(args []string) error {
	if len(args) == 0 {
		printAdminHelp()
		return fmt.Errorf("recipes needs a subcommand: export or import")
	}
	switch args[0] {
	case "export":
		return runAdminRecipesExport(args[1:])
	case "import":
		return runAdminRecipesImport(args[1:])
	default:
		return fmt.Errorf("unknown recipes command: %s", args[0])
	}
}

func runAdminRecipesExport(args []string) error {
	fs := flag.NewFlagSet("recipes export", flag.ContinueOnError)
	workspace := fs.String("workspace", "", "workspace id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workspace == "" {
		return fmt.Errorf("--workspace is required")
	}
	ctx := adminContext()

	_, store, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	recipes, err := service.NewRecipeService(store, nil, 0).GetAllStageRecipes(ctx, *workspace)
	if err != nil {
		return fmt.Errorf("list recipes: %w", err)
	}
	return writeRecipes(os.Stdout, recipeFile{WorkspaceID: *workspace, Recipes: recipes})
}

func runAdminRecipesImport(args []string) error {
	fs := flag.NewFlagSet("recipes import", flag.ContinueOnError)
	path := fs.String("file", "", "YAML file written by recipes export (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--file is required")
	}
	f, err := readRecipes(*path)
	if err != nil {
		return err
	}
	ctx := adminContext()

	_, store, cleanup, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := importRecipes(ctx, service.NewRecipeService(store, nil, 0), f)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Imported %d recipe(s) into %s.\n", n, f.WorkspaceID)
	return nil
}

func readRecipes(path string) (recipeFile, error) {
	var f recipeFile
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return f, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.WorkspaceID == "" {
		return f, fmt.Errorf("%s: workspace_id is required", path)
	}
	return f, nil
}

func writeRecipes(w io.Writer, f recipeFile) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encode recipes: %w", err)
	}
	return enc.Close()
}

// importRecipes makes sure every stage has a recipe, then overwrites the stages
// present in f with their full configuration.
func importRecipes(ctx context.Context, svc *service.RecipeService, f recipeFile) (int, error) {
	if _, err := svc.InitializeDefaultRecipes(ctx, f.WorkspaceID); err != nil {
		return 0, fmt.Errorf("init recipes: %w", err)
	}
	n := 0
	for i := range f.Recipes {
		r := &f.Recipes[i]
		if !stage.Valid(r.Stage) {
			return n, fmt.Errorf("recipe %d: unknown stage %q", i, r.Stage)
		}
		steps, gates := r.RecipeSteps, r.Gates
		if steps == nil {
			steps = []recipe.Step{}
		}
		if gates == nil {
			gates = []recipe.GateDefinition{}
		}
		if _, err := svc.UpdateStageRecipe(ctx, f.WorkspaceID, r.Stage, &recipe.UpdateRequest{
			AutomationLevel: &r.AutomationLevel,
			RecipeSteps:     steps,
			Gates:           gates,
			OnFailBehavior:  &r.OnFailBehavior,
			Provider:        &r.Provider,
			Enabled:         &r.Enabled,
		}); err != nil {
			return n, fmt.Errorf("import %s: %w", r.Stage, err)
		}
		n++
	}
	return n, nil
}
