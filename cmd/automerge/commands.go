package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nasdf/automerge/edit"
	"github.com/nasdf/automerge/repo"
)

var (
	initCmd = &cobra.Command{
		Use:   "init [json-object]",
		Short: "Create the document, optionally with initial content",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content map[string]any
			if len(args) == 1 {
				if err := json.Unmarshal([]byte(args[0]), &content); err != nil {
					return fmt.Errorf("initial content must be a JSON object: %w", err)
				}
			}
			return withRepository(func(r *repo.Repository) error {
				_, err := r.Change(cmd.Context(), docName(), "init", func(c *edit.Context) error {
					for _, key := range slices.Sorted(maps.Keys(content)) {
						if err := c.Set("/"+pathEscaper.Replace(key), content[key]); err != nil {
							return err
						}
					}
					return nil
				})
				if err != nil {
					return err
				}
				actor, err := r.Actor(cmd.Context(), docName())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), actor)
				return nil
			})
		},
	}

	setCmd = &cobra.Command{
		Use:   "set [path] [json-value]",
		Short: "Set the value at a path",
		Long: `Set the value at a path. The value is parsed as JSON and falls back to a
plain string. Use --text to store a string as a collaborative text object
and --counter to store an integer as a counter.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := parseValue(args[1])
			if text, _ := cmd.Flags().GetBool("text"); text {
				value = edit.Text(args[1])
			}
			if counter, _ := cmd.Flags().GetBool("counter"); counter {
				n, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("counter must be an integer: %w", err)
				}
				value = edit.Counter(n)
			}
			return change(cmd, "set "+args[0], func(c *edit.Context) error {
				return c.Set(args[0], value)
			})
		},
	}

	delCmd = &cobra.Command{
		Use:   "del [path]",
		Short: "Delete the map key or list element at a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return change(cmd, "del "+args[0], func(c *edit.Context) error {
				return c.Delete(args[0])
			})
		},
	}

	insertCmd = &cobra.Command{
		Use:   "insert [path] [index] [json-value...]",
		Short: "Insert values into the list or text at a path",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("index must be a number: %w", err)
			}
			values := make([]any, 0, len(args)-2)
			for _, arg := range args[2:] {
				values = append(values, parseValue(arg))
			}
			return change(cmd, "insert "+args[0], func(c *edit.Context) error {
				return c.Insert(args[0], index, values...)
			})
		},
	}

	incCmd = &cobra.Command{
		Use:   "inc [path] [delta]",
		Short: "Increment the counter at a path",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta := int64(1)
			if len(args) == 2 {
				var err error
				if delta, err = strconv.ParseInt(args[1], 10, 64); err != nil {
					return fmt.Errorf("delta must be an integer: %w", err)
				}
			}
			return change(cmd, "inc "+args[0], func(c *edit.Context) error {
				return c.Increment(args[0], delta)
			})
		},
	}

	getCmd = &cobra.Command{
		Use:   "get [path]",
		Short: "Print the value at a path as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return withRepository(func(r *repo.Repository) error {
				value, err := r.Get(cmd.Context(), docName(), path)
				if err != nil {
					return err
				}
				return printJSON(cmd, value)
			})
		},
	}

	dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Print the whole document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(func(r *repo.Repository) error {
				value, err := r.Get(cmd.Context(), docName(), "")
				if err != nil {
					return err
				}
				if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
					enc := yaml.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent(2)
					if err := enc.Encode(value); err != nil {
						return err
					}
					return enc.Close()
				}
				return printJSON(cmd, value)
			})
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List the documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(func(r *repo.Repository) error {
				names, err := r.Names(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
)

func init() {
	setCmd.Flags().Bool("text", false, "store the value as a text object")
	setCmd.Flags().Bool("counter", false, "store the value as a counter")
	dumpCmd.Flags().Bool("yaml", false, "print YAML instead of JSON")

	rootCmd.AddCommand(initCmd, setCmd, delCmd, insertCmd, incCmd, getCmd, dumpCmd, listCmd)
}

var pathEscaper = strings.NewReplacer("~", "~0", "/", "~1")

// parseValue decodes s as JSON, or returns it as a string.
func parseValue(s string) any {
	var value any
	if err := json.Unmarshal([]byte(s), &value); err != nil {
		return s
	}
	return value
}

func change(cmd *cobra.Command, message string, fn func(*edit.Context) error) error {
	return withRepository(func(r *repo.Repository) error {
		_, err := r.Change(cmd.Context(), docName(), message, fn)
		return err
	})
}

func printJSON(cmd *cobra.Command, value any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func openFile(name string, write bool) (*os.File, error) {
	if name == "-" {
		if write {
			return os.Stdout, nil
		}
		return os.Stdin, nil
	}
	if write {
		return os.Create(name)
	}
	return os.Open(name)
}
