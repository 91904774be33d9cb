package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bardlex/gomp-miner/internal/mining"
)

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "Edit the persisted pool list",
	Long: `Show and edit the pool list. Changes are written to the settings
backend and apply the next time the miner starts.`,
}

var poolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pools in priority order",
	Args:  cobra.NoArgs,
	RunE: withOffline(func(cmd *cobra.Command, o *offline, _ []string) error {
		return listPools(cmd.OutOrStdout(), o)
	}),
}

var poolsAddCmd = &cobra.Command{
	Use:   "add host:port[:difficulty]",
	Short: "Append a pool",
	Args:  cobra.ExactArgs(1),
	RunE: withOffline(func(cmd *cobra.Command, o *offline, args []string) error {
		return addPool(cmd.OutOrStdout(), o, args[0])
	}),
}

var poolsRemoveCmd = &cobra.Command{
	Use:   "remove index",
	Short: "Remove the pool at index",
	Args:  cobra.ExactArgs(1),
	RunE: withOffline(func(cmd *cobra.Command, o *offline, args []string) error {
		index, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		return removePool(cmd.OutOrStdout(), o, index)
	}),
}

var poolsMoveCmd = &cobra.Command{
	Use:   "move from to",
	Short: "Move a pool to another position",
	Args:  cobra.ExactArgs(2),
	RunE: withOffline(func(cmd *cobra.Command, o *offline, args []string) error {
		from, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		to, err := parseIndex(args[1])
		if err != nil {
			return err
		}
		return movePool(cmd.OutOrStdout(), o, from, to)
	}),
}

var poolsRestoreCmd = &cobra.Command{
	Use:   "restore-defaults",
	Short: "Fill an empty pool list with the default pools",
	Args:  cobra.NoArgs,
	RunE: withOffline(func(cmd *cobra.Command, o *offline, _ []string) error {
		return restorePools(cmd.OutOrStdout(), o)
	}),
}

var policyCmd = &cobra.Command{
	Use:   "policy [failover|random]",
	Short: "Show or set the pool schedule policy",
	Args:  cobra.MaximumNArgs(1),
	RunE: withOffline(func(cmd *cobra.Command, o *offline, args []string) error {
		if len(args) == 0 {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), o.mgr.SchedulePolicy())
			return err
		}
		return setPolicy(cmd.OutOrStdout(), o, args[0])
	}),
}

var coresCmd = &cobra.Command{
	Use:   "cores [count]",
	Short: "Show or set the number of CPU cores to mine with",
	Args:  cobra.MaximumNArgs(1),
	RunE: withOffline(func(cmd *cobra.Command, o *offline, args []string) error {
		if len(args) == 0 {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), o.mgr.CPUCoreCount())
			return err
		}
		count, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid core count %q", args[0])
		}
		return setCores(cmd.OutOrStdout(), o, count)
	}),
}

func init() {
	poolsCmd.AddCommand(poolsListCmd, poolsAddCmd, poolsRemoveCmd, poolsMoveCmd, poolsRestoreCmd)
	rootCmd.AddCommand(poolsCmd, policyCmd, coresCmd)
}

// withOffline opens the settings for the duration of fn
func withOffline(fn func(cmd *cobra.Command, o *offline, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		o, err := openOffline(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := o.Close(); err != nil {
				o.logger.WithError(err).Warn("failed to close settings backend")
			}
		}()
		return fn(cmd, o, args)
	}
}

func parseIndex(s string) (int, error) {
	index, err := strconv.Atoi(s)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid pool index %q", s)
	}
	return index, nil
}

func listPools(w io.Writer, o *offline) error {
	miners := o.mgr.Miners()
	if len(miners) == 0 {
		_, err := fmt.Fprintln(w, "no pools configured, see 'gompminer pools restore-defaults'")
		return err
	}

	fmt.Fprintf(w, "policy: %s, cpu cores: %d\n", o.mgr.SchedulePolicy(), o.mgr.CPUCoreCount())
	for i, m := range miners {
		pool := m.Pool()
		difficulty := "pool"
		if pool.Difficulty > 0 {
			difficulty = strconv.FormatUint(uint64(pool.Difficulty), 10)
		}
		if _, err := fmt.Fprintf(w, "%3d  %-40s difficulty=%s\n", i, pool.Address(), difficulty); err != nil {
			return err
		}
	}
	return nil
}

func addPool(w io.Writer, o *offline, entry string) error {
	pool, err := mining.ParsePool(entry)
	if err != nil {
		return err
	}
	index, err := o.mgr.AddMiner(pool.Host, pool.Port, pool.Difficulty)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "added %s at index %d\n", pool, index)
	return err
}

func removePool(w io.Writer, o *offline, index int) error {
	m, err := o.mgr.Miner(index)
	if err != nil {
		return err
	}
	pool := m.Pool()
	if err := o.mgr.RemoveMiner(index); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "removed %s\n", pool)
	return err
}

func movePool(w io.Writer, o *offline, from, to int) error {
	m, err := o.mgr.Miner(from)
	if err != nil {
		return err
	}
	if err := o.mgr.MoveMiner(from, to); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "moved %s to index %d\n", m.Pool(), to)
	return err
}

func restorePools(w io.Writer, o *offline) error {
	if err := o.mgr.RestoreDefaultMinerList(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "restored %d default pools\n", o.mgr.MinerCount())
	return err
}

func setPolicy(w io.Writer, o *offline, name string) error {
	policy, err := mining.ParseSchedulePolicy(name)
	if err != nil {
		return err
	}
	if err := o.mgr.SetSchedulePolicy(policy); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "schedule policy set to %s\n", policy)
	return err
}

func setCores(w io.Writer, o *offline, count int) error {
	if err := o.mgr.SetCPUCoreCount(count); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "cpu core count set to %d\n", count)
	return err
}
