package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/allenwang28/monarch-rl-examples/pkg/journal"
)

var (
	journalPath  string
	journalLimit int
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the persisted event journal",
}

var journalTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent runtime events",
	RunE:  runJournalTail,
}

var journalStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize journaled events by type",
	RunE:  runJournalStats,
}

func init() {
	journalCmd.PersistentFlags().StringVar(&journalPath, "path", "rl-journal.db", "journal database file")
	journalTailCmd.Flags().IntVar(&journalLimit, "limit", 20, "number of events to print")
	journalCmd.AddCommand(journalTailCmd)
	journalCmd.AddCommand(journalStatsCmd)
	rootCmd.AddCommand(journalCmd)
}

// openJournal opens an existing journal read path. Opening through the
// driver would create an empty database, so missing files fail up front.
func openJournal() (*journal.Journal, error) {
	if _, err := os.Stat(journalPath); err != nil {
		return nil, fmt.Errorf("journal database not found at %s: %w", journalPath, err)
	}
	return journal.New(journal.Config{Path: journalPath})
}

func runJournalTail(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer j.Close(ctx)

	recent, err := j.Recent(ctx, journalLimit)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		fmt.Println("journal is empty")
		return nil
	}

	for _, event := range recent {
		line := fmt.Sprintf("%s  %-24s %-20s", event.Timestamp.Format(time.RFC3339), event.Type, event.Source)
		for _, key := range sortedKeys(event.Metadata) {
			line += fmt.Sprintf(" %s=%s", key, event.Metadata[key])
		}
		fmt.Println(line)
	}
	return nil
}

func runJournalStats(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer j.Close(ctx)

	total, err := j.Count(ctx)
	if err != nil {
		return err
	}
	counts, err := j.TypeCounts(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%d events in %s\n", total, journalPath)
	for _, eventType := range sortedKeys(counts) {
		fmt.Printf("  %-26s %d\n", eventType, counts[eventType])
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
