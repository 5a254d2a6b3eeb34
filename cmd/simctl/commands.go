package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/workbench/simengine/internal/audit"
	"github.com/workbench/simengine/internal/config"
	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/risk"
	"github.com/workbench/simengine/internal/rules"
	"github.com/workbench/simengine/internal/store"
)

// --- rules ---

type rulesCmd struct {
	file string
}

func (*rulesCmd) Name() string     { return "rules" }
func (*rulesCmd) Synopsis() string { return "validate a ruleset file and print its version" }
func (*rulesCmd) Usage() string {
	return `simctl rules [-f <rules.toml>]

  Loads the ruleset (or the built-in defaults when -f is omitted), validates
  every threshold and prints the version string a risk check would record,
  followed by the effective configuration as JSON.
`
}

func (c *rulesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.file, "f", "", "ruleset TOML file")
}

func (c *rulesCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg := rules.Defaults()
	if c.file != "" {
		var err error
		if cfg, err = rules.LoadFile(c.file); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
	}
	rs, err := rules.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	fmt.Println(rs.Version)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"config": rs.Config, "codes": risk.Codes()}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// --- verify-audit ---

type verifyAuditCmd struct{}

func (*verifyAuditCmd) Name() string { return "verify-audit" }
func (*verifyAuditCmd) Synopsis() string {
	return "verify the audit hash chain in the database or in archived segments"
}
func (*verifyAuditCmd) Usage() string {
	return `simctl verify-audit [segment.jsonl ...]

  Without arguments, reads every audit record from DATABASE_URL and
  verifies the chain from the genesis record. With arguments, verifies the
  concatenation of the given archive segments, which must be passed in
  sequence order starting at the first segment.
`
}

func (*verifyAuditCmd) SetFlags(*flag.FlagSet) {}

func (*verifyAuditCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var recs []model.AuditRecord
	if f.NArg() > 0 {
		for _, name := range f.Args() {
			seg, err := readSegment(name)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return subcommands.ExitFailure
			}
			recs = append(recs, seg...)
		}
	} else {
		st, closeFn, err := openStore(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		defer closeFn()
		if recs, err = st.ListAudit(ctx, store.AuditFilter{}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
	}

	n, err := audit.Verify(recs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "BROKEN after %d of %d records: %v\n", n, len(recs), err)
		return subcommands.ExitFailure
	}
	if n == 0 {
		fmt.Println("OK: ledger is empty")
		return subcommands.ExitSuccess
	}
	head := recs[n-1]
	fmt.Printf("OK: %d records, head seq %d hash %s\n", n, head.Seq, head.Hash)
	return subcommands.ExitSuccess
}

func readSegment(name string) ([]model.AuditRecord, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeRecords(f)
}

// decodeRecords reads one JSON audit record per line.
func decodeRecords(r io.Reader) ([]model.AuditRecord, error) {
	var out []model.AuditRecord
	dec := json.NewDecoder(bufio.NewReader(r))
	for {
		var rec model.AuditRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("record %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
}

// --- audit ---

type auditCmd struct {
	entityType string
	entityID   string
	after      int64
	limit      int
}

func (*auditCmd) Name() string     { return "audit" }
func (*auditCmd) Synopsis() string { return "print audit records as JSON lines" }
func (*auditCmd) Usage() string {
	return `simctl audit [-type <entity_type>] [-id <entity_id>] [-after <seq>] [-n <limit>]

  Prints matching audit records from DATABASE_URL in sequence order.
`
}

func (c *auditCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.entityType, "type", "", "entity type (portfolio, order_draft, risk_check, sim_order, ruleset)")
	f.StringVar(&c.entityID, "id", "", "entity id")
	f.Int64Var(&c.after, "after", 0, "only records with a greater sequence number")
	f.IntVar(&c.limit, "n", 100, "maximum number of records; 0 for all")
}

func (c *auditCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	st, closeFn, err := openStore(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer closeFn()

	recs, err := st.ListAudit(ctx, store.AuditFilter{
		EntityType: c.entityType,
		EntityID:   c.entityID,
		AfterSeq:   c.after,
		Limit:      c.limit,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	enc := json.NewEncoder(os.Stdout)
	for i := range recs {
		if err := enc.Encode(&recs[i]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

// openStore connects to the configured PostgreSQL database.
func openStore(ctx context.Context) (store.Reader, func(), error) {
	cfg, err := config.Load(os.Getenv("SIMENGINE_CONFIG"))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.URL == "" {
		return nil, nil, errors.New("DATABASE_URL is not set")
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}
