// Command warden is the capability-gating control plane for autonomous
// agents: it evaluates proposed actions against policy, budget, sandbox,
// and standing constraints, queues escalations for human review, and
// schedules claimed work across planner and orchestrator processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.opentelemetry.io/otel/trace"

	"github.com/fenwick-labs/warden/internal/audit"
	"github.com/fenwick-labs/warden/internal/bus"
	"github.com/fenwick-labs/warden/internal/config"
	"github.com/fenwick-labs/warden/internal/otel"
	"github.com/fenwick-labs/warden/internal/persistence"
	"github.com/fenwick-labs/warden/internal/policy"
	"github.com/fenwick-labs/warden/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

COMMANDS:
  check <actionJSON>        Evaluate an action; prints the decision as JSON
                            Flags: --depth N (recursion depth, default 0)
  pending                   List queued escalations awaiting review
  approve <id>              Approve a pending change
                            Flags: --reviewer name, --notes text
  reject <id>               Reject a pending change
                            Flags: --reviewer name, --notes text
  audit                     Show recent audit log entries
                            Flags: --limit N (default 50)
  constraints               Show standing Decision/Lesson constraints
                            Flags: --limit N, --add, --kind, --topic, --importance
  ingest                    Read JSON lines from stdin and create tasks
                            Flags: --topic, --importance
  scheduler                 Run the polling scheduler loop
                            Flags: --once (single tick, then exit)
  worker                    Claim one task and work it through the gate
                            Flags: --prompt text (work a prompt instead)
  doctor                    Run environment diagnostics
                            Flags: --json (machine-readable output)
  version                   Print the warden version

GLOBAL FLAGS (apply to every command):
  --home path               Warden home directory (default ~/.warden)
  --db path                 SQLite store path
  --sandbox path            Workspace sandbox root
  --tier {safe,moderate,dangerous}
  --role {head,worker}
  --actor name              Actor recorded in the audit log
  --allowed-domain d        Allowed outbound domain (repeatable)
  --log-level level         debug, info, warn, error

ENVIRONMENT:
  WARDEN_HOME, WARDEN_DB, WARDEN_SANDBOX, WARDEN_TIER, WARDEN_ACTOR,
  WARDEN_LOG_LEVEL override the config file; flags override both.
`, os.Args[0])
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// globalOpts are the flags shared by every subcommand.
type globalOpts struct {
	home     string
	db       string
	sandbox  string
	tier     string
	role     string
	actor    string
	logLevel string
	domains  multiFlag
}

func addGlobalFlags(fs *flag.FlagSet) *globalOpts {
	opts := &globalOpts{}
	fs.StringVar(&opts.home, "home", "", "warden home directory")
	fs.StringVar(&opts.db, "db", "", "sqlite store path")
	fs.StringVar(&opts.sandbox, "sandbox", "", "workspace sandbox root")
	fs.StringVar(&opts.tier, "tier", "", "caller tier: safe, moderate, dangerous")
	fs.StringVar(&opts.role, "role", "", "caller role: head or worker")
	fs.StringVar(&opts.actor, "actor", "", "actor recorded in the audit log")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.Var(&opts.domains, "allowed-domain", "allowed outbound domain (repeatable)")
	return opts
}

// app is the per-invocation runtime shared by the subcommands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	logClose io.Closer
	store    *persistence.Store
	auditLog *audit.Log
	eventBus *bus.Bus

	// Set by long-running commands that initialize the otel provider;
	// nil for one-shot invocations, which skip tracing.
	tracer  trace.Tracer
	metrics *otel.Metrics
}

func newApp(opts *globalOpts) (*app, error) {
	if opts.home != "" {
		os.Setenv(config.EnvHome, opts.home)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.db != "" {
		cfg.DBPath = opts.db
	}
	if opts.sandbox != "" {
		cfg.SandboxRoot = opts.sandbox
	}
	if opts.tier != "" {
		cfg.Tier = opts.tier
	}
	if opts.role != "" {
		cfg.Role = opts.role
	}
	if opts.actor != "" {
		cfg.Actor = opts.actor
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if len(opts.domains) > 0 {
		cfg.AllowedDomains = append(cfg.AllowedDomains, opts.domains...)
	}
	if _, err := policy.ParseTier(cfg.Tier); err != nil {
		return nil, err
	}

	logger, logClose, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	slog.SetDefault(logger)

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		logClose.Close()
		return nil, err
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		store.Close()
		logClose.Close()
		return nil, err
	}
	auditLog.SetStore(store)
	auditLog.SetBus(eventBus)

	logger.Debug("warden runtime ready", "db", cfg.DBPath, "fingerprint", cfg.Fingerprint())
	return &app{
		cfg:      cfg,
		logger:   logger,
		logClose: logClose,
		store:    store,
		auditLog: auditLog,
		eventBus: eventBus,
	}, nil
}

func (a *app) Close() {
	a.auditLog.Close()
	a.store.Close()
	a.logClose.Close()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var code int
	switch strings.ToLower(strings.TrimSpace(os.Args[1])) {
	case "help", "-h", "--help":
		printUsage()
		return
	case "version", "-version", "--version":
		fmt.Println("warden", Version)
		return
	case "check":
		code = runCheckCommand(ctx, os.Args[2:])
	case "pending":
		code = runPendingCommand(ctx, os.Args[2:])
	case "approve":
		code = runResolveCommand(ctx, os.Args[2:], true)
	case "reject":
		code = runResolveCommand(ctx, os.Args[2:], false)
	case "audit":
		code = runAuditCommand(ctx, os.Args[2:])
	case "constraints":
		code = runConstraintsCommand(ctx, os.Args[2:])
	case "ingest":
		code = runIngestCommand(ctx, os.Args[2:])
	case "scheduler":
		code = runSchedulerCommand(ctx, os.Args[2:])
	case "worker":
		code = runWorkerCommand(ctx, os.Args[2:])
	case "doctor":
		code = runDoctorCommand(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		code = 2
	}
	os.Exit(code)
}
