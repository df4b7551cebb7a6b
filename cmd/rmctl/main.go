// rmctl inspects the persistent state of a partition's resource manager:
// the local stm snapshot and the spilled abort segments.
package main

import (
	"fmt"
	"os"

	"github.com/pingcap-incubator/tinybroker/config"
	"github.com/pingcap-incubator/tinybroker/rm"
	"github.com/pingcap-incubator/tinybroker/util/engine_util"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
)

var (
	dbPath   string
	logLevel string
	conf     *config.Config
)

func setup(cmd *cobra.Command, args []string) error {
	conf = config.NewDefaultConfig()
	conf.DBPath = dbPath
	conf.LogLevel = logLevel
	conf.Engine.SyncWrites = false
	lg, p, err := log.InitLogger(&log.Config{Level: conf.LogLevel})
	if err != nil {
		return err
	}
	log.ReplaceGlobals(lg, p)
	return nil
}

func openStore() (*rm.SnapshotStore, *engine_util.Engines) {
	db := engine_util.CreateDB("", conf)
	engines := engine_util.NewEngines(db, dbPath)
	return rm.NewSnapshotStore(engines), engines
}

func loadSnapshot(store *rm.SnapshotStore) (*rm.TxSnapshot, error) {
	data, found, err := store.LoadSnapshot()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no stm snapshot in %s", dbPath)
	}
	return rm.DecodeTxSnapshot(data)
}

func newSnapshotCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Dump the local stm snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, engines := openStore()
			defer engines.Close()
			snap, err := loadSnapshot(store)
			if err != nil {
				return err
			}
			fmt.Printf("version: %d\n", snap.Version)
			fmt.Printf("offset: %d\n", snap.Offset)
			fmt.Printf("fenced producers: %d\n", len(snap.Fenced))
			for _, pid := range snap.Fenced {
				fmt.Printf("  %v\n", pid)
			}
			fmt.Printf("ongoing transactions: %d\n", len(snap.Ongoing))
			for _, r := range snap.Ongoing {
				fmt.Printf("  %v [%d, %d]\n", r.Pid, r.First, r.Last)
			}
			fmt.Printf("prepared (legacy): %d\n", len(snap.Prepared))
			fmt.Printf("aborted ranges in snapshot: %d\n", len(snap.Aborted))
			fmt.Printf("abort indexes: %d\n", len(snap.AbortIndexes))
			fmt.Printf("producer seq entries: %d\n", len(snap.Seqs))
			for _, e := range snap.Seqs {
				fmt.Printf("  %v seq=%d last_offset=%d cached=%d\n", e.Pid, e.Seq, e.LastOffset, len(e.Cache))
			}
			fmt.Printf("open tx data: %d\n", len(snap.TxData))
			for _, t := range snap.TxData {
				fmt.Printf("  %v tx_seq=%d tm=%d\n", t.Pid, t.TxSeq, t.Tm)
			}
			return nil
		},
	}
}

func newAbortIndexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort-index",
		Short: "List the spilled abort segments and their tx ranges",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, engines := openStore()
			defer engines.Close()
			snap, err := loadSnapshot(store)
			if err != nil {
				return err
			}
			if len(snap.AbortIndexes) == 0 {
				fmt.Println("no abort segments")
				return nil
			}
			for _, idx := range snap.AbortIndexes {
				ranges, err := store.AbortRanges(idx)
				if err != nil {
					return err
				}
				fmt.Printf("segment [%d, %d]: %d ranges\n", idx.First, idx.Last, len(ranges))
				for _, r := range ranges {
					fmt.Printf("  %v [%d, %d]\n", r.Pid, r.First, r.Last)
				}
			}
			return nil
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:               "rmctl",
		Short:             "Inspect partition resource manager state",
		PersistentPreRunE: setup,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the partition state db")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.NewDefaultConfig().LogLevel, "log level")
	rootCmd.MarkPersistentFlagRequired("db")
	rootCmd.AddCommand(newSnapshotCommand(), newAbortIndexCommand())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
