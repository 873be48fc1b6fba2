// Package main implements the keyfill command line tool. It inspects
// table headings, reports population progress, and manages job
// reservation records for a keyfill deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keyfill/keyfill/internal/config"
	"github.com/keyfill/keyfill/internal/conn"
	"github.com/keyfill/keyfill/internal/deps"
	"github.com/keyfill/keyfill/internal/heading"
	"github.com/keyfill/keyfill/internal/jobs"
	"github.com/keyfill/keyfill/internal/populate"
	"github.com/keyfill/keyfill/internal/relation"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		dbPath      string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&dbPath, "db", "", "Path to the backing store")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "keyfill - incremental computed-table engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: keyfill [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  schema <table>       Show the table's heading\n")
		fmt.Fprintf(os.Stderr, "  parents <table>      Show the table's primary parents\n")
		fmt.Fprintf(os.Stderr, "  progress <table>     Show remaining/total keys for a computed table\n")
		fmt.Fprintf(os.Stderr, "  jobs list <table>    List job records for a table\n")
		fmt.Fprintf(os.Stderr, "  jobs clear <table>   Remove completed and errored job records\n\n")
		fmt.Fprintf(os.Stderr, "Tables are named as db.table or table (schema main).\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  KEYFILL_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  KEYFILL_DATABASE_PATH  Path to the backing store\n")
		fmt.Fprintf(os.Stderr, "  KEYFILL_JOBS_TABLE     Job table name\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("keyfill %s (%s)\n", version, commit)
		return
	}

	_ = godotenv.Load()

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
		cfg.Database.Path = ""
		cfg.Resolve()
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, cfg, args); err != nil {
		log.Fatalf("keyfill: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string) error {
	switch args[0] {
	case "schema":
		if len(args) != 2 {
			return fmt.Errorf("usage: keyfill schema <table>")
		}
		return showSchema(ctx, cfg, args[1])
	case "parents":
		if len(args) != 2 {
			return fmt.Errorf("usage: keyfill parents <table>")
		}
		return showParents(ctx, cfg, args[1])
	case "progress":
		if len(args) != 2 {
			return fmt.Errorf("usage: keyfill progress <table>")
		}
		return showProgress(ctx, cfg, args[1])
	case "jobs":
		if len(args) != 3 {
			return fmt.Errorf("usage: keyfill jobs <list|clear> <table>")
		}
		return runJobs(ctx, cfg, args[1], args[2])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// splitTable parses db.table, defaulting the schema to main.
func splitTable(name string) (database, table string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "main", name
}

func openConn(ctx context.Context, cfg *config.Config) (*conn.Connection, error) {
	return conn.Open(ctx, cfg.Database.Path, conn.Options{Reconnect: cfg.Database.Reconnect})
}

func showSchema(ctx context.Context, cfg *config.Config, name string) error {
	c, err := openConn(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	database, table := splitTable(name)
	h, err := heading.Introspect(ctx, c, database, table)
	if err != nil {
		return err
	}
	fmt.Printf("`%s`.`%s`\n", database, table)
	for _, a := range h.Attributes() {
		marker := " "
		if a.InKey {
			marker = "*"
		}
		line := fmt.Sprintf("%s %-20s %-12s", marker, a.Name, a.Type)
		if a.Comment != "" {
			line += " # " + a.Comment
		}
		fmt.Println(line)
	}
	return nil
}

func showParents(ctx context.Context, cfg *config.Config, name string) error {
	c, err := openConn(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	database, table := splitTable(name)
	graph := deps.New(c)
	ref := deps.Ref{Database: database, Table: table}
	primary, err := graph.ParentsOf(ctx, ref, true)
	if err != nil {
		return err
	}
	all, err := graph.ParentsOf(ctx, ref, false)
	if err != nil {
		return err
	}
	for _, parent := range all {
		marker := " "
		for _, p := range primary {
			if p == parent {
				marker = "*"
			}
		}
		fmt.Printf("%s %s\n", marker, parent)
	}
	if len(all) == 0 {
		fmt.Println("(no parents)")
	}
	return nil
}

func showProgress(ctx context.Context, cfg *config.Config, name string) error {
	c, err := openConn(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	database, table := splitTable(name)
	target := relation.Table(c, database, table)
	p := populate.New(target, nil)
	remaining, total, err := p.Progress(ctx)
	if err != nil {
		return err
	}
	done := total - remaining
	pct := 100.0
	if total > 0 {
		pct = 100.0 * float64(done) / float64(total)
	}
	fmt.Printf("%s: %d/%d keys computed (%.1f%%), %d remaining\n",
		target.FullName(), done, total, pct, remaining)
	return nil
}

func runJobs(ctx context.Context, cfg *config.Config, action, name string) error {
	store, err := jobs.Open(cfg.Database.Path, cfg.Jobs.Table)
	if err != nil {
		return err
	}
	defer store.Close()

	database, table := splitTable(name)
	identity := fmt.Sprintf("`%s`.`%s`", database, table)

	switch action {
	case "list":
		records, err := store.List(ctx, identity)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("(no job records)")
			return nil
		}
		for _, r := range records {
			line := fmt.Sprintf("%-10s %-19s %-24s %s",
				r.Status, r.ChangedAt.Format("2006-01-02 15:04:05"), r.Worker, r.Key)
			if r.ErrorMessage != "" {
				line += " # " + r.ErrorMessage
			}
			fmt.Println(line)
		}
		return nil
	case "clear":
		n, err := store.Clear(ctx, identity)
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d job records for %s\n", n, identity)
		return nil
	default:
		return fmt.Errorf("unknown jobs action %q", action)
	}
}
