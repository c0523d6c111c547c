package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/capguest/capshim/application/harness"
	"github.com/capguest/capshim/config"
	"github.com/capguest/capshim/guest/demo"
	"github.com/capguest/capshim/hostfuncs"
	"github.com/spf13/cobra"
)

// staticOffset is where the reference guest keeps its static word, inside
// the globals region.
const staticOffset = 0x10

func runCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <guest.wasm> [params...]",
		Short: "Load a WASM guest and drive it through the boundary sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			wasmBytes, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read guest: %w", err)
			}

			e, logger, err := newExecutor(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close(ctx) }()

			g, err := e.LoadGuest(ctx, wasmBytes)
			if err != nil {
				return err
			}

			call, _ := cmd.Flags().GetString("call")
			if call != "" {
				params, err := parseParams(args[1:])
				if err != nil {
					return err
				}
				results, err := g.Call(ctx, call, params...)
				if err != nil {
					return reportFailure(ctx, logger, err)
				}
				for _, r := range results {
					fmt.Fprintln(cmd.OutOrStdout(), r)
				}
				return nil
			}

			_, err = harness.Run(ctx, g, harness.WithLogger(logger))
			return reportFailure(ctx, logger, err)
		},
	}
	cmd.Flags().String("call", "", "Call a single export instead of running the sequence")
	cmd.Args = func(cmd *cobra.Command, args []string) error {
		if call, _ := cmd.Flags().GetString("call"); call != "" {
			return cobra.MinimumNArgs(1)(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	}
	return cmd
}

func demoCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Drive the in-process reference guest through the boundary sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, logger, err := newExecutor(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close(ctx) }()

			session, err := e.NewLocalSession()
			if err != nil {
				return err
			}
			g, err := demo.New(session,
				demo.WithRunner(e.Runner()),
				demo.WithStatic(session.Globals().Narrow(staticOffset, 4)))
			if err != nil {
				return err
			}

			cycles, _ := cmd.Flags().GetInt("cycles")
			_, err = harness.Run(ctx, g, harness.WithLogger(logger), harness.WithCycles(cycles))
			return reportFailure(ctx, logger, err)
		},
	}
	cmd.Flags().Int("cycles", 2, "Number of make/speak/destroy cycles")
	return cmd
}

func lfsrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lfsr",
		Short: "Print bytes of the deterministic random stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			seed, _ := cmd.Flags().GetUint16("seed")
			if count < 0 {
				return fmt.Errorf("count must not be negative")
			}

			buf := make([]byte, count)
			if _, err := hostfuncs.NewRandomSource(seed).Read(buf); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(buf))
			return nil
		},
	}
	cmd.Flags().Int("count", 16, "Number of bytes")
	cmd.Flags().Uint16("seed", hostfuncs.DefaultSeed, "Register seed (zero means the default)")
	return cmd
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Schema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

// parseParams converts decimal or 0x-prefixed arguments to call parameters.
func parseParams(args []string) ([]uint64, error) {
	params := make([]uint64, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			n, nerr := strconv.ParseInt(a, 0, 64)
			if nerr != nil {
				return nil, fmt.Errorf("invalid parameter %q", a)
			}
			v = uint64(n)
		}
		params = append(params, v)
	}
	return params, nil
}
