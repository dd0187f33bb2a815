package cmd

import (
	"fmt"

	"github.com/alessio/shellescape"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/szabado/stash/config"
	"github.com/szabado/stash/storage"
)

type options struct {
	verbose    bool
	clearStore bool
	configPath string
	logFile    string
	export     string
}

// NewRootCmd builds the stash command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "stash",
		Short:         "Store values in an encrypted key-value store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.ErrorLevel)
			}
			if opts.logFile != "" {
				logrus.SetOutput(&lumberjack.Logger{
					Filename:   opts.logFile,
					MaxSize:    10,
					MaxBackups: 3,
				})
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.clearStore {
				return errors.New("expected a command: set, get or rm")
			}
			return withStorage(opts, func(s *storage.Storage, settings storage.Settings) error {
				logrus.Info("Wiping store")
				return settings.Persister.Wipe()
			})
		},
	}
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose logging.")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file.")
	root.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "Write logs to this file, rotating it.")
	root.Flags().BoolVar(&opts.clearStore, "clear", false, "Remove every stored value.")

	root.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store VALUE under KEY.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(opts, func(s *storage.Storage, _ storage.Settings) error {
				return storage.StoreKey(s, args[0], args[1])
			})
		},
	})

	get := &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value stored under KEY.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(opts, func(s *storage.Storage, _ storage.Settings) error {
				exists, err := storage.Exists(s, args[0])
				if err != nil {
					return err
				}
				if !exists {
					return errors.Errorf("key not found: %s", args[0])
				}
				value, err := storage.RetrieveKey[string](s, args[0])
				if err != nil {
					return err
				}

				if opts.export != "" {
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", opts.export, shellescape.Quote(value))
				} else {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), value)
				}
				return err
			})
		},
	}
	get.Flags().StringVar(&opts.export, "export", "", "Print NAME=VALUE with VALUE quoted for the shell.")
	root.AddCommand(get)

	root.AddCommand(&cobra.Command{
		Use:   "rm KEY",
		Short: "Delete the value stored under KEY.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(opts, func(s *storage.Storage, _ storage.Settings) error {
				return storage.Delete(s, args[0])
			})
		},
	})

	return root
}

func withStorage(opts *options, fn func(*storage.Storage, storage.Settings) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}

	s := storage.New(settings)
	defer s.Close()
	return fn(s, settings)
}
