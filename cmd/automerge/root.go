package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nasdf/automerge/repo"
	"github.com/nasdf/automerge/storage"
)

var rootCmd = &cobra.Command{
	Use:   "automerge",
	Short: "Edit and synchronize automerge documents",
	Long: `automerge keeps named JSON-like documents in a local data directory.
Every modification is recorded as a change that can be merged, exported and
synchronized with other copies of the document.

Flags can also be set with environment variables of the form AUTOMERGE_<FLAG>
(e.g. AUTOMERGE_DATA_DIR=/tmp/docs) or in a .env file.`,
	SilenceUsage:      true,
	PersistentPreRunE: bindConfig,
}

func init() {
	cobra.OnInitialize(initConfig)

	key := "data-dir"
	rootCmd.PersistentFlags().String(key, "automerge-data", "directory holding the documents")

	key = "in-memory"
	rootCmd.PersistentFlags().Bool(key, false, "keep documents in memory only")

	key = "actor"
	rootCmd.PersistentFlags().String(key, "", "hex actor id of documents created by this command (default: random)")

	key = "log-level"
	rootCmd.PersistentFlags().String(key, "warn", "log level (debug, info, warn, error)")

	key = "doc"
	rootCmd.PersistentFlags().String(key, "default", "name of the document")
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("automerge")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// docName returns the document selected with --doc.
func docName() string {
	return viper.GetString("doc")
}

// openRepository opens the repository in dir, or an in-memory one. A
// non-empty actor is the actor id of documents that have none stored yet.
func openRepository(dir string, inMemory bool, actor string) (*repo.Repository, error) {
	logger := slog.Default()
	badgerCfg := storage.DefaultBadgerConfig(filepath.Join(dir, "db"))
	badgerCfg.InMemory = inMemory
	badgerCfg.Logger = logger.With("component", "badger")

	cfg := repo.DefaultConfig()
	if !inMemory {
		peerID, err := storedPeerID(dir)
		if err != nil {
			return nil, err
		}
		cfg.PeerID = peerID
	}
	if actor != "" {
		cfg.NewActor = func(string) string { return actor }
	}

	store, err := storage.NewBadger(badgerCfg)
	if err != nil {
		return nil, err
	}
	cfg.Storage = store
	cfg.Logger = logger
	r, err := repo.Open(cfg)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	return r, nil
}

// openDefault opens the repository selected by the global flags.
func openDefault() (*repo.Repository, error) {
	return openRepository(viper.GetString("data-dir"), viper.GetBool("in-memory"), viper.GetString("actor"))
}

// storedPeerID returns the peer id kept in dir, creating one on first use.
func storedPeerID(dir string) (string, error) {
	path := filepath.Join(dir, "peer-id")
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	peerID := repo.NewActorID()
	if err := os.WriteFile(path, []byte(peerID+"\n"), 0o640); err != nil {
		return "", err
	}
	return peerID, nil
}

// withRepository runs fn against the default repository and closes it.
func withRepository(fn func(r *repo.Repository) error) (err error) {
	r, err := openDefault()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, r.Close())
	}()
	return fn(r)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
