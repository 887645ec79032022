// Command splinterdb is a demo REPL over the storage-core KV and
// transaction API, grounded on the teacher's StartDB loop but trimmed
// to storage primitives: no SQL/table layer, since that is this
// spec's Non-goal.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/IVOES/splinterdb"
	"github.com/IVOES/splinterdb/errs"
	"github.com/IVOES/splinterdb/internal/config"
)

func main() {
	logger := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg := config.Default()
	cfg.Filename = "" // in-memory store for the demo REPL

	db, err := splinterdb.Create(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create database")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		shutdown(db, logger)
	}()

	ctx := db.RegisterThread()
	defer db.DeregisterThread(ctx)

	scanner := bufio.NewReader(os.Stdin)
	var tx *splinterdb.Txn

	fmt.Println("splinterdb> insert|update|delete|get|range|begin|commit|abort|exit")
	for {
		fmt.Print("> ")
		line, _, err := scanner.ReadLine()
		if err != nil {
			fmt.Println("error reading input:", err)
			continue
		}

		fields := strings.Fields(string(line))
		if len(fields) == 0 {
			continue
		}
		cmd := strings.ToLower(fields[0])
		args := fields[1:]

		switch cmd {
		case "begin":
			if tx != nil {
				fmt.Println("transaction already in progress")
				continue
			}
			tx = db.Begin(ctx)
			fmt.Println("OK")
		case "commit":
			tx = endTxn(tx, func(t *splinterdb.Txn) error { return t.Commit() })
		case "abort":
			tx = endTxn(tx, func(t *splinterdb.Txn) error { t.Abort(); return nil })
		case "insert":
			runKV(args, 2, func() error {
				if tx != nil {
					return tx.Insert([]byte(args[0]), []byte(args[1]))
				}
				return db.Insert(ctx, []byte(args[0]), []byte(args[1]))
			})
		case "update":
			runKV(args, 2, func() error {
				if tx != nil {
					return tx.Update([]byte(args[0]), []byte(args[1]))
				}
				return db.Update(ctx, []byte(args[0]), []byte(args[1]))
			})
		case "delete":
			runKV(args, 1, func() error {
				if tx != nil {
					return tx.Delete([]byte(args[0]))
				}
				return db.Delete(ctx, []byte(args[0]))
			})
		case "get":
			if len(args) < 1 {
				fmt.Println("usage: get <key>")
				continue
			}
			getKV(args[0], tx, db, ctx)
		case "range":
			if len(args) < 1 {
				fmt.Println("usage: range <start>")
				continue
			}
			rangeKV(args[0], db, ctx)
		case "exit":
			shutdown(db, logger)
			return
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
}

func runKV(args []string, want int, fn func() error) {
	if len(args) < want {
		fmt.Println("missing arguments")
		return
	}
	if err := fn(); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("OK")
}

func getKV(key string, tx *splinterdb.Txn, db *splinterdb.DB, ctx splinterdb.ThreadCtx) {
	var res splinterdb.Result
	var err error
	if tx != nil {
		res, err = tx.Lookup([]byte(key))
	} else {
		res, err = db.Lookup(ctx, []byte(key))
	}
	if errors.Is(err, errs.NotFound) {
		fmt.Println("(not found)")
		return
	}
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("%q\n", res.Value)
}

func rangeKV(start string, db *splinterdb.DB, ctx splinterdb.ThreadCtx) {
	it, err := db.Range(ctx, []byte(start))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for it.Valid() {
		fmt.Printf("%q = %q\n", it.Key(), it.Value())
		it.Next()
	}
}

func endTxn(tx *splinterdb.Txn, fn func(*splinterdb.Txn) error) *splinterdb.Txn {
	if tx == nil {
		fmt.Println("no transaction in progress")
		return nil
	}
	if err := fn(tx); err != nil {
		fmt.Println("error:", err)
	} else {
		fmt.Println("OK")
	}
	return nil
}

func shutdown(db *splinterdb.DB, logger zerolog.Logger) {
	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing database")
	}
	fmt.Println("exiting...")
	os.Exit(0)
}
