package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/config"
	"github.com/workbench/simengine/internal/instrument"
	"github.com/workbench/simengine/internal/model"
	"github.com/workbench/simengine/internal/quote"
)

type quoteCmd struct {
	status string
}

func (*quoteCmd) Name() string     { return "quote" }
func (*quoteCmd) Synopsis() string { return "publish a reference quote to Redis" }
func (*quoteCmd) Usage() string {
	return `simctl quote [-status TRADING|HALTED] <instrument> <price>

  Writes the quote hash read by the server's Redis quote provider
  (REDIS_URL). Example: simctl quote 600519.SH 1700.50
`
}

func (c *quoteCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.status, "status", string(model.TradingStatusTrading), "trading status")
}

func (c *quoteCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	q, err := parseQuoteArgs(f.Arg(0), f.Arg(1), c.status)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}

	cfg, err := config.Load(os.Getenv("SIMENGINE_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if cfg.Redis.URL == "" {
		fmt.Fprintln(os.Stderr, "REDIS_URL is not set")
		return subcommands.ExitFailure
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	if err := quote.NewRedisProvider(rdb).Publish(ctx, q); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%s %s %s\n", q.Instrument, q.Price, q.Status)
	return subcommands.ExitSuccess
}

func parseQuoteArgs(code, price, status string) (model.Quote, error) {
	inst, err := instrument.Parse(code)
	if err != nil {
		return model.Quote{}, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil || !p.IsPositive() {
		return model.Quote{}, fmt.Errorf("price must be a positive decimal, got %q", price)
	}
	st := model.TradingStatus(strings.ToUpper(status))
	switch st {
	case model.TradingStatusTrading, model.TradingStatusHalted:
	default:
		return model.Quote{}, errors.New("status must be TRADING or HALTED")
	}
	return model.Quote{Instrument: inst.Code, Price: p, Status: st}, nil
}
