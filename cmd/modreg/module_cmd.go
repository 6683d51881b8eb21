package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/modreg/internal/api"
	"github.com/mattjoyce/modreg/internal/module"
)

const defaultAPIURL = "http://127.0.0.1:8080"

func runModuleNoun(args []string) int {
	if len(args) < 1 {
		printModuleNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printModuleNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	if hasHelpFlag(actionArgs) {
		printModuleNounHelp(os.Stdout)
		return 0
	}

	switch action {
	case "compose":
		return runModuleCompose(actionArgs)
	case "list":
		return runModuleList(actionArgs)
	case "info":
		return runModuleInfo(actionArgs)
	case "display":
		return runModuleDisplay(actionArgs)
	case "dependents":
		return runModuleDependents(actionArgs)
	case "delete":
		return runModuleDelete(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown module action: %s\n", action)
		return 1
	}
}

func printModuleNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: modreg module <action> [--api-url URL] [--config PATH] [flags]")
	fmt.Fprintln(w, "Actions: compose, list, info, display, dependents, delete")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  compose NAME --definition DSL")
	fmt.Fprintln(w, "  list [--type T] [--offset N] [--limit N] [--json]")
	fmt.Fprintln(w, "  info (--type T --name N | TYPE:NAME) [--json]")
	fmt.Fprintln(w, "  display (--type T --name N | TYPE:NAME)")
	fmt.Fprintln(w, "  dependents (--type T --name N | TYPE:NAME)")
	fmt.Fprintln(w, "  delete (--type T --name N | TYPE:NAME)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "The API URL defaults to $MODREG_API_URL, then the configured api.listen.")
}

// clientFlags are shared by every module action.
type clientFlags struct {
	apiURL     string
	configPath string
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.apiURL, "api-url", "", "Registry API URL")
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file or directory")
}

func (c *clientFlags) client() *api.Client {
	return api.NewClient(resolveAPIURL(c.apiURL, c.configPath))
}

// resolveAPIURL picks the flag, then $MODREG_API_URL, then the config's
// api.listen, then the default address.
func resolveAPIURL(flagValue, configPath string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("MODREG_API_URL"); env != "" {
		return env
	}
	if cfg, _, err := loadConfig(configPath); err == nil && cfg.API.Listen != "" {
		listen := cfg.API.Listen
		if strings.HasPrefix(listen, ":") {
			listen = "127.0.0.1" + listen
		}
		return "http://" + listen
	}
	return defaultAPIURL
}

// moduleTarget parses the --type/--name pair required by single-module actions.
type moduleTarget struct {
	name string
	typ  string
}

func (m *moduleTarget) register(fs *flag.FlagSet) {
	fs.StringVar(&m.name, "name", "", "Module name")
	fs.StringVar(&m.typ, "type", "", "Module type (source, processor, sink, job)")
}

// resolve takes --type/--name, or a single TYPE:NAME key left after the flags.
func (m *moduleTarget) resolve(rest []string) (string, module.Type, error) {
	if m.name == "" && m.typ == "" && len(rest) == 1 {
		ref, err := module.ParseKey(rest[0])
		if err != nil {
			return "", "", err
		}
		return ref.Name, ref.Type, nil
	}
	if m.name == "" || m.typ == "" {
		return "", "", errors.New("--type and --name (or TYPE:NAME) are required")
	}
	t, err := module.ParseType(m.typ)
	if err != nil {
		return "", "", err
	}
	return m.name, t, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func runModuleCompose(args []string) int {
	fs := flag.NewFlagSet("compose", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	name := fs.String("name", "", "Composite module name")
	definition := fs.String("definition", "", "Module composition DSL")

	// Allow the name before the flags: compose NAME --definition ...
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		*name = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *name == "" && fs.NArg() > 0 {
		*name = fs.Arg(0)
	}
	if *name == "" || strings.TrimSpace(*definition) == "" {
		fmt.Fprintln(os.Stderr, "Usage: modreg module compose NAME --definition DSL")
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()
	def, err := cf.client().Create(ctx, *name, *definition)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Successfully created module '%s' with type %s\n", def.Name, def.Type)
	return 0
}

func runModuleList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	typ := fs.String("type", "", "Only list modules of this type")
	offset := fs.Int("offset", 0, "Index of the first module")
	limit := fs.Int("limit", module.DefaultPageSize, "Maximum number of modules")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var t module.Type
	if *typ != "" {
		parsed, err := module.ParseType(*typ)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		t = parsed
	}

	ctx, cancel := commandContext()
	defer cancel()
	page, err := cf.client().List(ctx, t, module.Page{Offset: *offset, Limit: *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(page, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Println(renderModuleTable(page.Items))
	fmt.Printf("%d-%d of %d\n", min(page.Offset+1, page.Total), page.Offset+len(page.Items), page.Total)
	return 0
}

func renderModuleTable(defs []module.Definition) string {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	rows := make([][]string, 0, len(defs))
	for _, d := range defs {
		detail := d.Description
		if d.Kind == module.KindComposite {
			detail = d.DSL
		}
		rows = append(rows, []string{string(d.Type), d.Name, string(d.Kind), detail})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TYPE", "NAME", "KIND", "DEFINITION").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		String()
}

func runModuleInfo(args []string) int {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	var cf clientFlags
	var target moduleTarget
	cf.register(fs)
	target.register(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	name, t, err := target.resolve(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()
	def, err := cf.client().Get(ctx, name, t)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(def, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("module:       %s\n", module.Key(def.Name, def.Type))
	fmt.Printf("kind:         %s\n", def.Kind)
	if def.Description != "" {
		fmt.Printf("description:  %s\n", def.Description)
	}
	if def.Resource != "" {
		fmt.Printf("resource:     %s\n", def.Resource)
	}
	if def.DSL != "" {
		fmt.Printf("definition:   %s\n", def.DSL)
	}
	if len(def.Constituents) > 0 {
		keys := make([]string, 0, len(def.Constituents))
		for _, r := range def.Constituents {
			keys = append(keys, module.Key(r.Name, r.Type))
		}
		fmt.Printf("constituents: %s\n", strings.Join(keys, ", "))
	}
	if def.Fingerprint != "" {
		fmt.Printf("fingerprint:  %s\n", def.Fingerprint)
	}
	return 0
}

func runModuleDisplay(args []string) int {
	fs := flag.NewFlagSet("display", flag.ContinueOnError)
	var cf clientFlags
	var target moduleTarget
	cf.register(fs)
	target.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	name, t, err := target.resolve(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()
	text, err := cf.client().Display(ctx, name, t)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Println()
	}
	return 0
}

func runModuleDependents(args []string) int {
	fs := flag.NewFlagSet("dependents", flag.ContinueOnError)
	var cf clientFlags
	var target moduleTarget
	cf.register(fs)
	target.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	name, t, err := target.resolve(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()
	deps, err := cf.client().Dependents(ctx, name, t)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(deps) == 0 {
		fmt.Printf("No composite modules use %s\n", module.Key(name, t))
		return 0
	}
	for _, d := range deps {
		fmt.Println(d)
	}
	return 0
}

func runModuleDelete(args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	var cf clientFlags
	var target moduleTarget
	cf.register(fs)
	target.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	name, t, err := target.resolve(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()
	if err := cf.client().Delete(ctx, name, t); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Successfully destroyed module '%s' with type %s\n", name, t)
	return 0
}
