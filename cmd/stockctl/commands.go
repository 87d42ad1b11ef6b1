package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/safar/go-card-fulfillment/internal/store"
	"github.com/shopspring/decimal"
)

const usage = `usage:
  stockctl product <name> <category> <price> [shared]
  stockctl load <productID> <file|->
  stockctl reserve <orderID> <productID> <count>
  stockctl show <cardID>`

var errUsage = errors.New(usage)

type command struct {
	name string

	productID int64
	cardID    int64
	orderID   string
	count     int
	source    string

	productName string
	category    string
	price       decimal.Decimal
	shared      bool
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errUsage
	}

	cmd := command{name: args[0]}
	rest := args[1:]

	var err error
	switch cmd.name {
	case "product":
		if len(rest) < 3 || len(rest) > 4 {
			return command{}, errUsage
		}
		cmd.productName, cmd.category = rest[0], rest[1]
		if cmd.price, err = decimal.NewFromString(rest[2]); err != nil || cmd.price.IsNegative() {
			return command{}, fmt.Errorf("invalid price %q", rest[2])
		}
		if len(rest) == 4 {
			if rest[3] != "shared" {
				return command{}, errUsage
			}
			cmd.shared = true
		}
	case "load":
		if len(rest) != 2 {
			return command{}, errUsage
		}
		if cmd.productID, err = parseID("product", rest[0]); err != nil {
			return command{}, err
		}
		cmd.source = rest[1]
	case "reserve":
		if len(rest) != 3 {
			return command{}, errUsage
		}
		cmd.orderID = rest[0]
		if cmd.productID, err = parseID("product", rest[1]); err != nil {
			return command{}, err
		}
		if cmd.count, err = strconv.Atoi(rest[2]); err != nil || cmd.count < 1 {
			return command{}, fmt.Errorf("invalid count %q", rest[2])
		}
	case "show":
		if len(rest) != 1 {
			return command{}, errUsage
		}
		if cmd.cardID, err = parseID("card", rest[0]); err != nil {
			return command{}, err
		}
	default:
		return command{}, fmt.Errorf("unknown command %q\n%s", cmd.name, usage)
	}

	return cmd, nil
}

func parseID(kind, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid %s id %q", kind, s)
	}
	return id, nil
}

// readKeys reads one card key per line. Blank lines and lines starting with
// # are skipped; surrounding whitespace is trimmed.
func readKeys(r io.Reader) ([]string, error) {
	var keys []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read keys: %w", err)
	}
	return keys, nil
}

type stockInvalidator interface {
	Invalidate(ctx context.Context, productID int64) error
}

type runner struct {
	db          *sql.DB
	staleWindow time.Duration
	stock       stockInvalidator
	open        func(name string) (io.ReadCloser, error)
	out         io.Writer
	now         func() time.Time
}

func (r *runner) run(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "product":
		p, err := store.CreateProduct(ctx, r.db, cmd.productName, cmd.category, cmd.shared, cmd.price)
		if err != nil {
			return err
		}
		return r.print(p)

	case "load":
		src, err := r.open(cmd.source)
		if err != nil {
			return fmt.Errorf("open %s: %w", cmd.source, err)
		}
		defer src.Close()

		keys, err := readKeys(src)
		if err != nil {
			return err
		}
		cards, err := store.CreateCards(ctx, r.db, cmd.productID, keys)
		if err != nil {
			return err
		}
		r.invalidate(ctx, cmd.productID)
		fmt.Fprintf(r.out, "loaded %d cards for product %d\n", len(cards), cmd.productID)
		return nil

	case "reserve":
		now := r.now()
		n, err := store.ReserveCards(ctx, r.db, cmd.orderID, cmd.productID, cmd.count, now.Add(-r.staleWindow), now)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "reserved %d of %d cards for order %s\n", n, cmd.count, cmd.orderID)
		return nil

	case "show":
		card, err := store.GetCard(ctx, r.db, cmd.cardID)
		if err != nil {
			return err
		}
		return r.print(card)
	}

	return errUsage
}

func (r *runner) invalidate(ctx context.Context, productID int64) {
	if r.stock == nil {
		return
	}
	if err := r.stock.Invalidate(ctx, productID); err != nil {
		fmt.Fprintf(r.out, "warning: stock cache not invalidated: %v\n", err)
	}
}

func (r *runner) print(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
