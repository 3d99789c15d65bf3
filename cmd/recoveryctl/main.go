// recoveryctl is the operator CLI for recoveryd. It opens the same database
// and keys as the daemon and prints results as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"recoveryd/internal/app"
	"recoveryd/internal/config"
	"recoveryd/internal/health"
	"recoveryd/internal/recovery"
	"recoveryd/internal/security"
	"recoveryd/internal/store"
)

var (
	configPath = flag.String("config", "", "path to config file")
	verbose    = flag.Bool("v", false, "log to stderr")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch cmd {
	case "user-add":
		err = cmdUserAdd(args)
	case "setup":
		err = cmdSetup(args)
	case "initiate":
		err = cmdInitiate(args)
	case "status":
		err = withAttempt(args, "status", func(ctx context.Context, a *app.App, id string) (any, error) {
			return a.Service.GetStatus(ctx, id)
		})
	case "next":
		err = withAttempt(args, "next", func(ctx context.Context, a *app.App, id string) (any, error) {
			return a.Service.NextChallenge(ctx, id)
		})
	case "submit":
		err = cmdSubmit(args)
	case "complete":
		err = cmdComplete(args)
	case "abandon":
		err = withAttempt(args, "abandon", func(ctx context.Context, a *app.App, id string) (any, error) {
			return map[string]bool{"abandoned": true}, a.Service.AbandonRecovery(ctx, id)
		})
	case "anchor":
		err = cmdAnchor()
	case "anchors":
		err = cmdAnchors(args)
	case "verify-anchor":
		err = cmdVerifyAnchor(args)
	case "audit":
		err = cmdAudit(args)
	case "health":
		err = cmdHealth()
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if msg := recovery.PublicMessage(err); msg != "" {
			fmt.Fprintf(os.Stderr, "User message: %s\n", msg)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `recoveryctl - Control utility for recoveryd

Usage: recoveryctl [options] <command> [args]

Commands:
  user-add -secret <s> <email>                Register an account
  setup <user-id> <profile.json>              Enroll behavioral commitments
  initiate [-ip addr] [-ua agent] <email>     Start a recovery attempt
  status <attempt-id>                         Show attempt progress
  next <attempt-id>                           Show the open challenge
  submit <attempt-id> <challenge-id> <file>   Submit behavioral data ("-" reads stdin)
  complete -secret <s> <attempt-id>           Finish recovery and set a new credential
  abandon <attempt-id>                        Abandon an attempt
  anchor                                      Anchor pending commitments now
  anchors [-limit n]                          List recent anchor batches
  verify-anchor <commitment-id>               Verify a commitment's Merkle anchor
  audit [-attempt id] [-user id] [-event e]   Print audit entries
  health                                      Run dependency health checks
  help                                        Show this help message

Options:
  -config <path>  Path to config file
  -v              Log to stderr`)
}

func open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var logger *slog.Logger
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	} else {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return app.Build(ctx, cfg, logger)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func withAttempt(args []string, name string, fn func(ctx context.Context, a *app.App, id string) (any, error)) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: recoveryctl %s <attempt-id>", name)
	}
	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(ctx, a, args[0])
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdUserAdd(args []string) error {
	fs := flag.NewFlagSet("user-add", flag.ExitOnError)
	secret := fs.String("secret", "", "initial credential")
	fs.Parse(args)
	if fs.NArg() != 1 || *secret == "" {
		return fmt.Errorf("usage: recoveryctl user-add -secret <s> <email>")
	}

	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	hash, err := security.HashCredential(*secret)
	if err != nil {
		return err
	}
	u, err := a.Store.CreateUser(ctx, fs.Arg(0), hash)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"user_id": u.ID, "email": u.Email})
}

func cmdSetup(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: recoveryctl setup <user-id> <profile.json>")
	}
	raw, err := readInput(args[1])
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.Service.SetupCommitments(ctx, args[0], raw)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdInitiate(args []string) error {
	fs := flag.NewFlagSet("initiate", flag.ExitOnError)
	ip := fs.String("ip", "", "client IP address")
	ua := fs.String("ua", "", "client user agent")
	device := fs.String("device", "", "device fingerprint")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: recoveryctl initiate [-ip addr] [-ua agent] <email>")
	}

	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.Service.InitiateRecovery(ctx, fs.Arg(0), store.SecurityContext{
		IP:                *ip,
		UserAgent:         *ua,
		DeviceFingerprint: *device,
	})
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdSubmit(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: recoveryctl submit <attempt-id> <challenge-id> <file>")
	}
	raw, err := readInput(args[2])
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.Service.SubmitChallenge(ctx, args[0], args[1], raw)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdComplete(args []string) error {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	secret := fs.String("secret", "", "new credential")
	fs.Parse(args)
	if fs.NArg() != 1 || *secret == "" {
		return fmt.Errorf("usage: recoveryctl complete -secret <s> <attempt-id>")
	}

	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.Service.CompleteRecovery(ctx, fs.Arg(0), *secret)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdAnchor() error {
	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Batcher.Flush(ctx)
	if err != nil {
		return err
	}
	out := map[string]any{
		"anchored":  res.Anchored,
		"deferred":  res.Deferred,
		"failed":    res.Failed,
		"submitted": res.Submitted,
	}
	if res.Anchor != nil {
		out["anchor_id"] = res.Anchor.ID
		out["tx_ref"] = res.Anchor.TxRef
		out["network"] = res.Anchor.Network
	}
	return printJSON(out)
}

func cmdAnchors(args []string) error {
	fs := flag.NewFlagSet("anchors", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum batches to list")
	fs.Parse(args)

	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.Store.ListAnchors(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(list)
}

func cmdVerifyAnchor(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: recoveryctl verify-anchor <commitment-id>")
	}
	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.Service.VerifyCommitmentAnchor(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdAudit(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	attempt := fs.String("attempt", "", "filter by attempt ID")
	user := fs.String("user", "", "filter by user ID")
	event := fs.String("event", "", "filter by event type")
	limit := fs.Int("limit", 100, "maximum entries")
	fs.Parse(args)

	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.Store.ListAudit(ctx, store.AuditFilter{
		AttemptID: *attempt,
		UserID:    *user,
		EventType: *event,
		Limit:     *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func cmdHealth() error {
	ctx := context.Background()
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.Health.Report(ctx)
	if err := printJSON(report); err != nil {
		return err
	}
	if report.Status != health.StatusHealthy && report.Status != health.StatusDegraded {
		return fmt.Errorf("service is %s", report.Status)
	}
	return nil
}
