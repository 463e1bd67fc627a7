// Command consumer connects to an MBO feed, applies every record to an
// in-memory Market and prints aggregate latency/throughput stats on exit.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"mbobook/internal/book"
	"mbobook/internal/market"
	"mbobook/internal/mbo"
	"mbobook/internal/stream"
)

func main() {
	host := flag.String("host", "127.0.0.1", "feed host to connect to")
	port := flag.Int("port", 9001, "feed port to connect to")
	strict := flag.Bool("strict", false, "abort on the first contract violation instead of skipping it")
	depth := flag.Int("depth", 5, "book depth to print per (instrument, publisher) book on exit")
	snapshotOut := flag.String("snapshot-out", "", "if set, write a full include-orders snapshot to this JSON file on exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	m := market.New(market.WithBookOptions(book.StrictModify(*strict)))
	consumer := stream.New(stream.Strict(*strict))

	// F_LAST paces the aggregated-BBO print the same way consumer.py's
	// __main__ gates its print on mbo.flags & F_LAST: once per event group,
	// not once per record.
	handler := func(rec mbo.Record) error {
		if err := m.Apply(&rec); err != nil {
			return err
		}
		if rec.Flags.Has(mbo.FLast) {
			printAggregatedBBO(m, rec.InstrumentID)
		}
		return nil
	}

	var violationErr *mbo.ContractViolation
	runErr := consumer.Run(ctx, *host, *port, handler)

	printStats(consumer.Stats())
	printDepths(m, *depth)

	if *snapshotOut != "" {
		if err := writeSnapshot(m, *snapshotOut); err != nil {
			log.Error().Err(err).Str("path", *snapshotOut).Msg("failed to write snapshot")
		}
	}

	if runErr != nil {
		if errors.As(runErr, &violationErr) {
			fmt.Printf("fatal: %s: %s\n", violationErr.Kind, violationErr.Record)
			os.Exit(1)
		}
		log.Error().Err(runErr).Msg("consumer exited with error")
		os.Exit(1)
	}
}

func printStats(stats *stream.Stats) {
	pct := stats.Percentiles(50, 90, 99)
	log.Info().Uint64("applied", stats.Total()).Msg("feed session complete")

	fmt.Printf("Total applied messages: %d\n", stats.Total())
	if len(pct) == 0 {
		fmt.Println("Latency percentiles (apply): n/a")
		return
	}
	levels := make([]int, 0, len(pct))
	for p := range pct {
		levels = append(levels, p)
	}
	sort.Ints(levels)

	parts := make([]string, 0, len(levels))
	for _, p := range levels {
		parts = append(parts, fmt.Sprintf("p%d=%dus", p, pct[p]))
	}
	fmt.Printf("Latency percentiles (apply): %s\n", strings.Join(parts, ", "))
}

// printDepths prints the top `depth` bid/ask levels for every (instrument,
// publisher) book seen during the session.
func printDepths(m *market.Market, depth int) {
	snap, err := m.Snapshot(context.Background(), false, 0)
	if err != nil {
		log.Error().Err(err).Msg("failed to build final snapshot")
		return
	}

	for instKey, pubs := range snap {
		instID, err := strconv.ParseUint(instKey, 10, 32)
		if err != nil {
			continue
		}
		for pubKey := range pubs {
			pubID, err := strconv.ParseUint(pubKey, 10, 16)
			if err != nil {
				continue
			}
			b := m.GetBook(uint32(instID), uint16(pubID))
			fmt.Printf("instrument=%s publisher=%s:\n", instKey, pubKey)
			for i, pair := range b.GetSnapshot(depth) {
				fmt.Printf("  [%d] bid=%s ask=%s\n", i, describeLevel(pair.Bid), describeLevel(pair.Ask))
			}
		}
	}
}

// printAggregatedBBO logs and prints the current cross-publisher best
// bid/offer for an instrument, matching order_book.py's F_LAST-paced
// aggregated-BBO line.
func printAggregatedBBO(m *market.Market, instrumentID uint32) {
	bid, ask := m.AggregatedBBO(instrumentID)
	log.Info().
		Uint32("instrument", instrumentID).
		Str("bid", describeLevel(bid)).
		Str("ask", describeLevel(ask)).
		Msg("aggregated BBO")
	fmt.Printf("[agg] instrument=%d bid=%s ask=%s\n", instrumentID, describeLevel(bid), describeLevel(ask))
}

func describeLevel(l *book.PriceLevel) string {
	if l == nil {
		return "-"
	}
	return fmt.Sprintf("%.9f x %d (%d orders)", mbo.PrettyPrice(l.Price), l.Size, l.Count)
}

func writeSnapshot(m *market.Market, path string) error {
	snap, err := m.Snapshot(context.Background(), true, 0)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
