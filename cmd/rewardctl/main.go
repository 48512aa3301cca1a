// Package main provides rewardctl, the operator CLI for creator configs,
// the ledger, the executor role and one-off settlement runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/reward-settler/internal/app"
	"github.com/reward-settler/internal/config"
	"github.com/reward-settler/internal/contract"
	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/notify"
	"github.com/reward-settler/internal/ratelimit"
	"github.com/reward-settler/internal/settlement"
	"github.com/reward-settler/internal/storage"
	"github.com/reward-settler/internal/types"
)

const usage = `Usage: rewardctl <command> <subcommand> [flags]

Commands:
  config get     -address ADDR
  config set     -address ADDR -token TOKEN [-like N] [-recast N] [-reply N] [-follow N] [-units minor|token] [-inactive]
  ledger list    -address ADDR [-limit N]
  ledger failed  [-limit N]
  ledger requeue -ids ID[,ID...]
  ledger stats
  archive stats  [-since DURATION]
  executor status
  executor add    -account ADDR
  executor remove -account ADDR
  identity resolve -fid FID
  identity refresh -fid FID
  settle once
`

type env struct {
	cfg        *config.Config
	postgres   *storage.PostgresDB
	redis      *storage.RedisCache
	clickhouse *storage.ClickHouseDB
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(getLogLevel(cfg)), logging.FormatText)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	e := &env{cfg: cfg}
	defer e.close()

	if err := run(ctx, e, os.Args[1], os.Args[2], os.Args[3:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getLogLevel keeps the CLI quiet unless LOG_LEVEL asks for more
func getLogLevel(cfg *config.Config) string {
	if os.Getenv("LOG_LEVEL") == "" {
		return "warn"
	}
	return cfg.Logging.Level
}

func run(ctx context.Context, e *env, cmd, sub string, args []string) error {
	switch cmd + " " + sub {
	case "config get":
		return configGet(ctx, e, args)
	case "config set":
		return configSet(ctx, e, args)
	case "ledger list":
		return ledgerList(ctx, e, args)
	case "ledger failed":
		return ledgerFailed(ctx, e, args)
	case "ledger requeue":
		return ledgerRequeue(ctx, e, args)
	case "ledger stats":
		return ledgerStats(ctx, e)
	case "archive stats":
		return archiveStats(ctx, e, args)
	case "executor status":
		return executorStatus(ctx, e)
	case "executor add":
		return executorRole(ctx, e, args, true)
	case "executor remove":
		return executorRole(ctx, e, args, false)
	case "identity resolve":
		return identityLookup(ctx, e, args, false)
	case "identity refresh":
		return identityLookup(ctx, e, args, true)
	case "settle once":
		return settleOnce(ctx, e)
	}
	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", cmd+" "+sub)
}

func (e *env) db() (*storage.PostgresDB, error) {
	if e.postgres == nil {
		db, err := storage.NewPostgresDB(&e.cfg.Database.Postgres)
		if err != nil {
			return nil, err
		}
		e.postgres = db
	}
	return e.postgres, nil
}

func (e *env) cache() (*storage.RedisCache, error) {
	if e.redis == nil {
		c, err := storage.NewRedisCache(&e.cfg.Database.Redis)
		if err != nil {
			return nil, err
		}
		e.redis = c
	}
	return e.redis, nil
}

// chain connects with the low priority share of the RPC budget, leaving the
// reserved share to the settler
func (e *env) chain(ctx context.Context) (*app.Chain, error) {
	var gate contract.Gate
	if e.cfg.Chain.RPCBudget > 0 && e.cfg.Chain.Mode != "simulated" {
		cache, err := e.cache()
		if err != nil {
			return nil, err
		}
		if gate, err = app.RPCGate(e.cfg.Chain, cache, ratelimit.PriorityLow); err != nil {
			return nil, err
		}
	}
	return app.NewChain(ctx, e.cfg.Chain, gate)
}

func (e *env) archive() (*storage.ClickHouseDB, error) {
	if e.clickhouse == nil {
		if e.cfg.Database.ClickHouse.Host == "" {
			return nil, fmt.Errorf("CLICKHOUSE_HOST is not set, the event archive is disabled")
		}
		db, err := storage.NewClickHouseDB(&e.cfg.Database.ClickHouse)
		if err != nil {
			return nil, err
		}
		e.clickhouse = db
	}
	return e.clickhouse, nil
}

func (e *env) close() {
	if e.postgres != nil {
		e.postgres.Close()
	}
	if e.clickhouse != nil {
		_ = e.clickhouse.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func configGet(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("config get", flag.ExitOnError)
	address := fs.String("address", "", "creator wallet address")
	_ = fs.Parse(args)

	db, err := e.db()
	if err != nil {
		return err
	}
	cfg, err := storage.NewConfigRepository(db).GetRaw(ctx, *address)
	if err != nil {
		return err
	}
	return printJSON(cfg)
}

func configSet(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("config set", flag.ExitOnError)
	address := fs.String("address", "", "creator wallet address")
	token := fs.String("token", "", "reward token address")
	like := fs.String("like", "", "amount per like (empty disables)")
	recast := fs.String("recast", "", "amount per recast (empty disables)")
	reply := fs.String("reply", "", "amount per reply (empty disables)")
	follow := fs.String("follow", "", "amount per follow (empty disables)")
	units := fs.String("units", "minor", "amount units: minor (integer base units) or token (decimal whole tokens)")
	inactive := fs.Bool("inactive", false, "store the config as inactive")
	_ = fs.Parse(args)

	tokens := app.Tokens(e.cfg)
	convert := func(v string) (string, bool, error) {
		if v == "" {
			return "0", false, nil
		}
		switch *units {
		case "minor":
			n, ok := (&models.LedgerEntry{Amount: v}).AmountInt()
			if !ok || n.Sign() < 0 {
				return "", false, fmt.Errorf("amount %q is not a non-negative integer", v)
			}
			return n.String(), true, nil
		case "token":
			m, err := tokens.ToMinor(*token, v)
			return m, err == nil, err
		}
		return "", false, fmt.Errorf("unknown units %q", *units)
	}

	cfg := &models.UserConfig{WalletAddress: *address, TokenAddress: *token, IsActive: !*inactive}
	var err error
	if cfg.LikeAmount, cfg.LikeEnabled, err = convert(*like); err != nil {
		return err
	}
	if cfg.RecastAmount, cfg.RecastEnabled, err = convert(*recast); err != nil {
		return err
	}
	if cfg.ReplyAmount, cfg.ReplyEnabled, err = convert(*reply); err != nil {
		return err
	}
	if cfg.FollowAmount, cfg.FollowEnabled, err = convert(*follow); err != nil {
		return err
	}

	db, err := e.db()
	if err != nil {
		return err
	}
	if err := storage.NewConfigRepository(db).Upsert(ctx, cfg); err != nil {
		return err
	}
	return printJSON(cfg)
}

func ledgerList(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("ledger list", flag.ExitOnError)
	address := fs.String("address", "", "recipient wallet address")
	limit := fs.Int("limit", 50, "maximum entries")
	_ = fs.Parse(args)

	db, err := e.db()
	if err != nil {
		return err
	}
	entries, err := storage.NewLedgerRepository(db).ListByRecipient(ctx, *address, *limit)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func ledgerFailed(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("ledger failed", flag.ExitOnError)
	limit := fs.Int("limit", 100, "maximum entries")
	_ = fs.Parse(args)

	db, err := e.db()
	if err != nil {
		return err
	}
	entries, err := storage.NewLedgerRepository(db).ListByStatus(ctx, types.EntryFailed, *limit)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func ledgerRequeue(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("ledger requeue", flag.ExitOnError)
	ids := fs.String("ids", "", "comma separated failed entry ids")
	_ = fs.Parse(args)

	var list []string
	for _, id := range strings.Split(*ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			list = append(list, id)
		}
	}
	if len(list) == 0 {
		return fmt.Errorf("-ids is required")
	}

	db, err := e.db()
	if err != nil {
		return err
	}
	n, err := storage.NewLedgerRepository(db).RequeueFailed(ctx, list)
	if err != nil {
		return err
	}
	fmt.Printf("Requeued %d of %d entries\n", n, len(list))
	return nil
}

func ledgerStats(ctx context.Context, e *env) error {
	db, err := e.db()
	if err != nil {
		return err
	}
	repo := storage.NewLedgerRepository(db)
	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		return err
	}
	age, err := repo.OldestPendingAge(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"counts":           counts,
		"oldestPendingAge": age.Round(time.Second).String(),
	})
}

func archiveStats(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("archive stats", flag.ExitOnError)
	since := fs.Duration("since", 24*time.Hour, "window of archived decisions to count")
	_ = fs.Parse(args)

	db, err := e.archive()
	if err != nil {
		return err
	}
	from := time.Now().UTC().Add(-*since)
	counts, err := db.DecisionCounts(ctx, from)
	if err != nil {
		return err
	}
	var total uint64
	for _, n := range counts {
		total += n
	}
	return printJSON(map[string]interface{}{
		"table":     db.ArchiveTable(),
		"since":     from.Format(time.RFC3339),
		"total":     total,
		"decisions": counts,
	})
}

func executorStatus(ctx context.Context, e *env) error {
	chain, err := e.chain(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	owner, err := chain.Executor.Owner(ctx)
	if err != nil {
		return err
	}
	authorized, err := chain.Executor.IsExecutor(ctx, chain.Executor.Address())
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"contract":   chain.Contract,
		"owner":      owner,
		"executor":   chain.Executor.Address(),
		"authorized": authorized,
	})
}

func executorRole(ctx context.Context, e *env, args []string, grant bool) error {
	fs := flag.NewFlagSet("executor", flag.ExitOnError)
	account := fs.String("account", "", "account to grant or revoke (defaults to the configured executor)")
	_ = fs.Parse(args)

	chain, err := e.chain(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	target := *account
	if target == "" {
		target = chain.Executor.Address()
	}

	var txHash string
	if grant {
		txHash, err = chain.Admin.AddExecutor(ctx, target)
	} else {
		txHash, err = chain.Admin.RemoveExecutor(ctx, target)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Submitted %s\n", txHash)
	return nil
}

func identityLookup(ctx context.Context, e *env, args []string, refresh bool) error {
	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	fidFlag := fs.String("fid", "", "Farcaster id")
	_ = fs.Parse(args)

	fid, err := strconv.ParseInt(*fidFlag, 10, 64)
	if err != nil || fid <= 0 {
		return fmt.Errorf("-fid must be a positive integer")
	}

	db, err := e.db()
	if err != nil {
		return err
	}
	cache, err := e.cache()
	if err != nil {
		return err
	}
	resolver := app.Resolver(e.cfg, cache, storage.NewProfileRepository(db))

	var profile *models.UserProfile
	if refresh {
		profile, err = resolver.Refresh(ctx, fid)
	} else {
		profile, err = resolver.Profile(ctx, fid)
	}
	if err != nil {
		return err
	}
	return printJSON(profile)
}

func settleOnce(ctx context.Context, e *env) error {
	db, err := e.db()
	if err != nil {
		return err
	}
	cache, err := e.cache()
	if err != nil {
		return err
	}
	chain, err := e.chain(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	hostname, _ := os.Hostname()
	lock := storage.NewTokenLock(cache, fmt.Sprintf("rewardctl-%s-%d", hostname, os.Getpid()), e.cfg.Settlement.LockTTL)
	dispatcher := notify.NewDispatcher(storage.NewNotificationRepository(db), nil, app.Tokens(e.cfg), notify.Config{
		AppURL:         e.cfg.Notify.AppURL,
		RequestTimeout: e.cfg.Notify.RequestTimeout,
	})

	service := settlement.NewService(storage.NewLedgerRepository(db), storage.NewBatchRepository(db), chain.Executor, lock, dispatcher, settlement.Config{
		BatchSize:      e.cfg.Settlement.BatchSize,
		MaxRetries:     e.cfg.Settlement.MaxRetries,
		ConfirmTimeout: e.cfg.Settlement.ConfirmTimeout,
		Contract:       chain.Contract,
	})

	report, cycleErr := service.RunCycle(ctx)
	dispatcher.Wait()
	if report != nil {
		if err := printJSON(report); err != nil {
			return err
		}
	}
	return cycleErr
}
