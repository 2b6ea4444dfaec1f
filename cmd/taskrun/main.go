package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/taskrun/pkg/config"
	"github.com/ormasoftchile/taskrun/pkg/diagram"
	"github.com/ormasoftchile/taskrun/pkg/engine"
	"github.com/ormasoftchile/taskrun/pkg/execute"
	"github.com/ormasoftchile/taskrun/pkg/resolve"
	"github.com/ormasoftchile/taskrun/pkg/schema"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskrun",
	Short: "Declarative task orchestration",
	Long:  "taskrun — run multi-step automation tasks defined in YAML, with includes, variable substitution and live output.",
}

// Persistent flags: project location.
var (
	flagRoot     string
	flagTasksDir string
)

// loadConfig discovers the project root (walking up from the working
// directory unless --root is given) and loads config.yaml.
func loadConfig() (*config.Config, error) {
	root := flagRoot
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root, err = config.FindRoot(cwd)
		if err != nil {
			return nil, err
		}
	}
	return config.Load(root)
}

// newEngine wires a fully-featured engine: streaming runner, console
// events and the current binary as the implicit tool program.
func newEngine(cfg *config.Config) *engine.Engine {
	e := engine.New(cfg, &execute.StreamRunner{Sink: &consoleSink{}})
	e.Events = consoleEvents{}
	e.TasksDir = flagTasksDir
	if exe, err := os.Executable(); err == nil {
		e.Opts.ToolPath = exe
	}
	return e
}

// loader builds the task loader for read-only commands (list, show,
// diagram, validate).
func loader(cfg *config.Config) *resolve.Loader {
	dir := flagTasksDir
	if dir == "" {
		dir = cfg.TasksDir()
	}
	return &resolve.Loader{Dir: dir}
}

// parseVarFlags converts repeated --var key=value flags into a map.
func parseVarFlags(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, v := range pairs {
		parts := strings.SplitN(v, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", v)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

// --- run ---

var (
	runVars   []string
	runStrict bool
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Execute a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	overrides, err := parseVarFlags(runVars)
	if err != nil {
		return err
	}

	e := newEngine(cfg)
	e.StrictIncludes = runStrict

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, runErr := e.Run(ctx, args[0], overrides)
	if report != nil {
		printReport(report)
	}
	if runErr != nil {
		return runErr
	}
	if !report.OK() {
		os.Exit(1)
	}
	return nil
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l := loader(cfg)
		names, err := l.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}
		for _, name := range names {
			desc := ""
			if task, err := l.Load(name); err == nil {
				desc = task.Description
			}
			fmt.Printf("  %-24s  %s\n", name, dimStyle.Render(desc))
		}
		return nil
	},
}

// --- show ---

var showRaw bool

var showCmd = &cobra.Command{
	Use:   "show [task]",
	Short: "Show a task's documentation and steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		task, err := loader(cfg).Load(args[0])
		if err != nil {
			return err
		}
		md := taskMarkdown(task)
		if showRaw {
			fmt.Print(md)
			return nil
		}
		fmt.Print(renderMarkdown(md))
		return nil
	},
}

// --- vars ---

var varsVars []string

var varsCmd = &cobra.Command{
	Use:   "vars [task]",
	Short: "Preview the resolved variable set for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		overrides, err := parseVarFlags(varsVars)
		if err != nil {
			return err
		}

		resolved, warnings, err := newEngine(cfg).Preview(args[0], overrides)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, "  "+warnStyle.Render(glyphWarning+" "+w.String()))
		}

		names := make([]string, 0, len(resolved))
		for k := range resolved {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Printf("  %s=%s\n", k, resolved[k])
		}
		return nil
	},
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [task|file.yaml]",
	Short: "Validate a task file against the schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = loader(cfg).Path(args[0])
	}

	task, errs := schema.ValidateFile(path)
	var hard []*schema.ValidationError
	for _, e := range errs {
		if e.Severity == "warning" {
			fmt.Fprintf(os.Stderr, "  %s [%s] %s\n", glyphWarning, e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(os.Stderr, "    at: %s\n", e.Path)
			}
			continue
		}
		hard = append(hard, e)
	}
	if len(hard) > 0 {
		fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(hard))
		for i, e := range hard {
			fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
			}
		}
		return fmt.Errorf("validation failed with %d error(s)", len(hard))
	}
	fmt.Printf("%s %s is valid (%d steps)\n", glyphPassed, task.Name, len(task.Steps))
	return nil
}

// --- schema export ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Schema operations",
}

var schemaExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the task JSON Schema to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := schema.GenerateJSONSchema()
		if err != nil {
			return fmt.Errorf("generate schema: %w", err)
		}
		var out json.RawMessage = data
		formatted, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Println(string(data))
			return nil
		}
		fmt.Println(string(formatted))
		return nil
	},
}

// --- diagram ---

var diagramFormat string

var diagramCmd = &cobra.Command{
	Use:   "diagram [task]",
	Short: "Render a task pipeline as a diagram",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		r := &resolve.Resolver{Loader: loader(cfg)}
		flat, err := r.Resolve(args[0])
		if err != nil {
			return err
		}
		for _, w := range flat.Warnings {
			fmt.Fprintln(os.Stderr, "  "+warnStyle.Render(glyphWarning+" "+w.String()))
		}
		out, err := diagram.Generate(flat.Task, diagram.Format(diagramFormat))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskrun %s (build: %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "Project root (default: discovered via config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagTasksDir, "tasks-dir", "", "Task directory (default: <root>/tasks)")

	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Set a variable (key=value), repeatable")
	runCmd.Flags().BoolVar(&runStrict, "strict-includes", false, "Treat missing includes as errors instead of warnings")

	showCmd.Flags().BoolVar(&showRaw, "raw", false, "Print markdown without terminal styling")

	varsCmd.Flags().StringArrayVar(&varsVars, "var", nil, "Set a variable (key=value), repeatable")

	diagramCmd.Flags().StringVar(&diagramFormat, "format", "ascii", "Diagram format: mermaid or ascii")

	schemaCmd.AddCommand(schemaExportCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(varsCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(diagramCmd)
	rootCmd.AddCommand(versionCmd)
}
