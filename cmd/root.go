// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vfsd/vfsd/cfg"
	"github.com/vfsd/vfsd/internal/locker"
	"github.com/vfsd/vfsd/internal/logger"
)

// loadConfig merges the config file, if any, under the flags bound to v.
func loadConfig(v *viper.Viper, configFile string) (c cfg.Config, err error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err = v.ReadInConfig(); err != nil {
			err = fmt.Errorf("error while reading the config file: %w", err)
			return
		}
	}

	err = v.Unmarshal(&c, viper.DecodeHook(cfg.DecodeHook()), func(decoderConfig *mapstructure.DecoderConfig) {
		decoderConfig.TagName = "yaml"
	})
	if err != nil {
		err = fmt.Errorf("error while unmarshaling the config: %w", err)
		return
	}

	if err = cfg.ValidateConfig(&c); err != nil {
		err = fmt.Errorf("invalid config: %w", err)
		return
	}
	return
}

// NewRootCmd builds the vfsd command tree. Every namespace command builds
// the namespace from the config, runs and tears it down again.
func NewRootCmd() (*cobra.Command, error) {
	var (
		configFile string
		c          cfg.Config
	)

	rootCmd := &cobra.Command{
		Use:   "vfsd",
		Short: "Operate on an in-process virtual file system namespace",
		Long: `vfsd assembles a namespace from an in-memory root and a mount table of
host directories, in-memory file systems and binds, then runs one command
or a script of commands against it.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "", "The path to the config file where all vfsd related config needs to be specified.")

	v, err := cfg.BindFlags(rootCmd.PersistentFlags())
	if err != nil {
		return nil, fmt.Errorf("error while binding flags: %w", err)
	}

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) (err error) {
		if c, err = loadConfig(v, configFile); err != nil {
			return
		}

		if err = logger.InitLogFile(c.Logging); err != nil {
			return fmt.Errorf("init log file: %w", err)
		}
		if c.Debug.ExitOnInvariantViolation {
			locker.EnableInvariantsCheck()
		}
		if c.Debug.LogMutex {
			locker.EnableDebugMessages()
		}
		return
	}

	for _, op := range operations {
		rootCmd.AddCommand(&cobra.Command{
			Use:   op.usage,
			Short: op.short,
			Args: func(cmd *cobra.Command, args []string) error {
				return op.checkArgs(args)
			},
			RunE: withNamespace(&c, func(ctx context.Context, e *env, args []string) error {
				return op.run(ctx, e, args)
			}),
		})
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "script",
		Short: "Run the commands read from stdin, one per line, against one namespace",
		Args:  cobra.NoArgs,
		RunE:  withNamespace(&c, runScript),
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := cfg.Stringify(&c)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	})

	return rootCmd, nil
}

func withNamespace(c *cfg.Config, f func(ctx context.Context, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		ns, err := newNamespace(ctx, c)
		if err != nil {
			return fmt.Errorf("building namespace: %w", err)
		}
		defer func() {
			// Tear down even when interrupted.
			if cerr := ns.Close(context.WithoutCancel(ctx)); cerr != nil {
				err = errors.Join(err, fmt.Errorf("destroying namespace: %w", cerr))
			}
		}()

		return f(ctx, &env{svc: ns, in: cmd.InOrStdin(), out: cmd.OutOrStdout()}, args)
	}
}

// runScript runs each line of stdin as a command. Blank lines and lines
// starting with '#' are skipped. It stops at the first failing line.
func runScript(ctx context.Context, e *env, _ []string) error {
	lineEnv := &env{svc: e.svc, in: strings.NewReader(""), out: e.out}

	scanner := bufio.NewScanner(e.in)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		op := lookupOperation(fields[0])
		if op == nil {
			return fmt.Errorf("line %d: unknown command %q", lineNo, fields[0])
		}
		if err := op.checkArgs(fields[1:]); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := op.run(ctx, lineEnv, fields[1:]); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Execute runs the command line of the process and exits non-zero on
// failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rootCmd, err := NewRootCmd()
	if err == nil {
		err = rootCmd.ExecuteContext(ctx)
	}
	stop()

	if err != nil {
		logger.Errorf("%v", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	logger.Close()

	if err != nil {
		os.Exit(1)
	}
}
