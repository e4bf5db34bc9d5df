package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	apiclient "github.com/splax/shipyard/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
}

const defaultAPIBase = "http://localhost:9000"

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "config":
		err = commandConfig(args)
	case "project":
		err = commandProject(ctx, args)
	case "deploy":
		err = commandDeploy(ctx, args)
	case "status":
		err = commandStatus(ctx, args)
	case "cancel":
		err = commandCancel(ctx, args)
	case "logs":
		err = commandLogs(ctx, args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL to store")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) == "" {
		fmt.Printf("api: %s\n", cfg.APIBaseURL)
		return nil
	}
	cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("api set to %s\n", cfg.APIBaseURL)
	return nil
}

func commandProject(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: peep project [create|get|deployments]")
	}
	sub := args[0]
	switch sub {
	case "create":
		return projectCreate(ctx, args[1:])
	case "get":
		return projectGet(ctx, args[1:])
	case "deployments":
		return projectDeployments(ctx, args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", sub)
	}
}

func projectCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	gitURL := fs.String("git", "", "Git repository URL")
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*gitURL) == "" {
		return errors.New("--git is required")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	project, err := client.CreateProject(ctx, *name, *gitURL)
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s)\n", project.ID, project.Name)
	fmt.Printf("subdomain: %s\n", project.SubDomain)
	return nil
}

func projectGet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("project get", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: peep project get <project-id>")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	project, err := client.GetProject(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\t%s\n", project.ID, project.Name, project.SubDomain, project.GitURL)
	return nil
}

func projectDeployments(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("project deployments", flag.ExitOnError)
	limit := fs.Int("limit", 5, "Maximum number of deployments")
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: peep project deployments <project-id> [--limit N]")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx, fs.Arg(0), *limit)
	if err != nil {
		return err
	}
	p := newPrinter(os.Stdout)
	for _, dep := range deployments {
		fmt.Printf("%s\t%s\t%s\n", dep.ID, p.status(dep.Status), dep.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func commandDeploy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	follow := fs.BoolP("follow", "f", false, "Stream build logs until the deployment finishes")
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	dep, err := client.Deploy(reqCtx, *projectID)
	cancel()
	if err != nil {
		return err
	}
	p := newPrinter(os.Stdout)
	fmt.Printf("deployment queued: %s status=%s\n", dep.ID, p.status(dep.Status))
	if !*follow {
		return nil
	}
	return followLogs(ctx, client, dep.ID, p)
}

func commandStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: peep status <deployment-id>")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	dep, err := client.Deployment(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	p := newPrinter(os.Stdout)
	fmt.Printf("%s\t%s\t%s\n", dep.ID, p.status(dep.Status), dep.UpdatedAt.Format(time.RFC3339))
	if dep.Error != "" {
		fmt.Printf("error: %s\n", dep.Error)
	}
	return nil
}

func commandCancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: peep cancel <deployment-id>")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, err := client.CancelDeployment(ctx, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Println("deployment cancelled")
	return nil
}

func commandLogs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	follow := fs.BoolP("follow", "f", false, "Keep streaming new lines")
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: peep logs <deployment-id> [--follow]")
	}
	client, err := newClient(*apiBase)
	if err != nil {
		return err
	}
	p := newPrinter(os.Stdout)
	if *follow {
		return followLogs(ctx, client, fs.Arg(0), p)
	}
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	history, err := client.Logs(reqCtx, fs.Arg(0), time.Time{})
	if err != nil {
		return err
	}
	for _, ev := range history {
		p.line(ev.Timestamp, ev.Log)
	}
	return nil
}

// followLogs prints stored history and then live lines until the deployment reaches a
// terminal status or ctx ends. The live feed is joined before history is read, so a
// line emitted in between can appear twice but is never lost.
func followLogs(ctx context.Context, client *apiclient.Client, deploymentID string, p printer) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	sub, err := client.Subscribe(dialCtx, deploymentID)
	cancel()
	if err != nil {
		return err
	}
	defer sub.Close()

	history, err := client.Logs(ctx, deploymentID, time.Time{})
	if err != nil {
		return err
	}
	for _, ev := range history {
		p.line(ev.Timestamp, ev.Log)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-sub.Lines():
			if !ok {
				return sub.Err()
			}
			p.line(time.Now(), line)
		case <-ticker.C:
			dep, err := client.Deployment(ctx, deploymentID)
			if err != nil {
				if apiclient.NotFound(err) {
					continue
				}
				return err
			}
			if dep.Terminal() {
				drain(sub, p)
				fmt.Printf("deployment %s finished: %s\n", dep.ID, p.status(dep.Status))
				if dep.Error != "" {
					fmt.Printf("error: %s\n", dep.Error)
				}
				return nil
			}
		}
	}
}

func drain(sub *apiclient.Subscription, p printer) {
	grace := time.After(500 * time.Millisecond)
	for {
		select {
		case line, ok := <-sub.Lines():
			if !ok {
				return
			}
			p.line(time.Now(), line)
		case <-grace:
			return
		}
	}
}

type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(f *os.File) printer {
	return printer{w: f, color: term.IsTerminal(int(f.Fd())) && os.Getenv("NO_COLOR") == ""}
}

func (p printer) line(ts time.Time, text string) {
	stamp := ts.Local().Format("15:04:05")
	if p.color {
		stamp = "\x1b[2m" + stamp + "\x1b[0m"
	}
	fmt.Fprintf(p.w, "%s %s\n", stamp, text)
}

func (p printer) status(status string) string {
	if !p.color {
		return status
	}
	code := "33"
	switch status {
	case "READY":
		code = "32"
	case "FAILED":
		code = "31"
	case "CANCELLED":
		code = "90"
	}
	return "\x1b[" + code + "m" + status + "\x1b[0m"
}

func newClient(apiOverride string) (*apiclient.Client, error) {
	base := strings.TrimSpace(apiOverride)
	if base == "" {
		base = strings.TrimSpace(os.Getenv("SHIPYARD_API"))
	}
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base = cfg.APIBaseURL
	}
	return apiclient.New(base)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "peep", "config.json"), nil
}

func printUsage() {
	fmt.Printf("peep CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	peep config [--api http://localhost:9000]
	peep project create --name <name> --git <url>
	peep project get <project-id>
	peep project deployments <project-id> [--limit N]
	peep deploy --project <project-id> [--follow]
	peep status <deployment-id>
	peep cancel <deployment-id>
	peep logs <deployment-id> [--follow]
	peep version

Every command accepts --api; SHIPYARD_API overrides the stored base URL.
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
