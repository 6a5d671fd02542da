package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nasdf/automerge"
	"github.com/nasdf/automerge/object"
	"github.com/nasdf/automerge/repo"
)

// maxSyncRounds bounds the message exchange of the sync command.
const maxSyncRounds = 100

type changeSummary struct {
	Hash    object.Hash   `yaml:"hash"`
	Actor   string        `yaml:"actor"`
	Seq     uint64        `yaml:"seq"`
	StartOp uint64        `yaml:"startOp"`
	Time    time.Time     `yaml:"time"`
	Message string        `yaml:"message,omitempty"`
	Deps    []object.Hash `yaml:"deps,omitempty"`
	Ops     int           `yaml:"ops"`
}

func summarize(change *object.Change) changeSummary {
	return changeSummary{
		Hash:    change.Hash,
		Actor:   change.Actor,
		Seq:     change.Seq,
		StartOp: change.StartOp,
		Time:    time.UnixMilli(change.Time).UTC(),
		Message: change.Message,
		Deps:    change.Deps,
		Ops:     len(change.Ops),
	}
}

type historyEntry struct {
	Change   changeSummary `yaml:"change"`
	Document any           `yaml:"document"`
}

func writeYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

var (
	changesCmd = &cobra.Command{
		Use:   "changes",
		Short: "List the changes of the document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(func(r *repo.Repository) error {
				changes, err := r.Changes(cmd.Context(), docName(), nil)
				if err != nil {
					return err
				}
				summaries := make([]changeSummary, 0, len(changes))
				for _, data := range changes {
					change, err := automerge.DecodeChange(data)
					if err != nil {
						return err
					}
					summaries = append(summaries, summarize(change))
				}
				return writeYAML(cmd, summaries)
			})
		},
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show the document after each of its changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(func(r *repo.Repository) error {
				history, err := r.History(cmd.Context(), docName())
				if err != nil {
					return err
				}
				entries := make([]historyEntry, 0, len(history))
				for _, entry := range history {
					entries = append(entries, historyEntry{
						Change:   summarize(entry.Change),
						Document: entry.Snapshot,
					})
				}
				return writeYAML(cmd, entries)
			})
		},
	}

	mergeCmd = &cobra.Command{
		Use:   "merge [source-doc]",
		Short: "Merge the changes of another document into the document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(func(r *repo.Repository) error {
				patch, err := r.Merge(cmd.Context(), docName(), args[0])
				if err != nil {
					return err
				}
				if patch.PendingChanges > 0 {
					slog.Warn("changes are waiting for missing dependencies", "pending", patch.PendingChanges)
				}
				return nil
			})
		},
	}

	exportCmd = &cobra.Command{
		Use:   "export [file]",
		Short: "Write the document history as a CAR file (- for stdout)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(func(r *repo.Repository) (err error) {
				f, err := openFile(args[0], true)
				if err != nil {
					return err
				}
				if f != os.Stdout {
					defer func() {
						err = errors.Join(err, f.Close())
					}()
				}
				return r.Export(cmd.Context(), docName(), f)
			})
		},
	}

	importCmd = &cobra.Command{
		Use:   "import [file]",
		Short: "Apply the changes of a CAR file to the document (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(func(r *repo.Repository) error {
				f, err := openFile(args[0], false)
				if err != nil {
					return err
				}
				if f != os.Stdin {
					defer f.Close()
				}
				_, err = r.Import(cmd.Context(), docName(), f)
				return err
			})
		},
	}

	syncCmd = &cobra.Command{
		Use:   "sync [data-dir]",
		Short: "Synchronize the document with the same document in another data directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(func(local *repo.Repository) (err error) {
				remote, err := openRepository(args[0], false, "")
				if err != nil {
					return err
				}
				defer func() {
					err = errors.Join(err, remote.Close())
				}()
				rounds, err := syncRepositories(cmd.Context(), docName(), local, remote)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "synchronized in %d rounds\n", rounds)
				return nil
			})
		},
	}
)

func init() {
	rootCmd.AddCommand(changesCmd, historyCmd, mergeCmd, exportCmd, importCmd, syncCmd)
}

// syncRepositories exchanges sync messages for a document until neither
// side has anything left to send. It returns the number of rounds.
func syncRepositories(ctx context.Context, name string, a, b *repo.Repository) (int, error) {
	for round := 1; round <= maxSyncRounds; round++ {
		fromA, err := a.GenerateSyncMessage(ctx, name, b.PeerID())
		if err != nil {
			return 0, err
		}
		if fromA != nil {
			if _, err := b.ReceiveSyncMessage(ctx, name, a.PeerID(), fromA); err != nil {
				return 0, err
			}
		}
		fromB, err := b.GenerateSyncMessage(ctx, name, a.PeerID())
		if err != nil {
			return 0, err
		}
		if fromB != nil {
			if _, err := a.ReceiveSyncMessage(ctx, name, b.PeerID(), fromB); err != nil {
				return 0, err
			}
		}
		if fromA == nil && fromB == nil {
			return round, nil
		}
	}
	return 0, fmt.Errorf("sync did not finish after %d rounds", maxSyncRounds)
}
