// Command breenix-test drives the end-to-end kernel scenarios from
// spec.md section 8: boot a pre-built kernel image under QEMU, capture its
// serial console, and assert the TEST_MARKER: lines the kernel itself
// prints as each scenario completes. It is the hosted-side half of
// original_source/crates/breenix-test-runner and original_source/xtask's
// Workflow B test orchestration, ported to Go and wrapped in a
// github.com/spf13/cobra CLI the way the example pack's moby-moby,
// canonical-lxd and hashicorp-nomad all structure their own command-line
// tools (SPEC_FULL.md documents why this tool, unlike the kernel itself,
// loads its configuration from flags rather than a boot-handoff struct).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"breenix/cmd/breenix-test/runner"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "breenix-test",
		Short: "Boot a Breenix kernel image under QEMU and check its test markers",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newMarkerCmd())
	return root
}

// newRunCmd implements the general-purpose "run one kernel image, print
// its serial console" shape of run_kernel/run_test.
func newRunCmd() *cobra.Command {
	var (
		timeout  time.Duration
		runnerBin string
		extraArgs []string
	)
	cmd := &cobra.Command{
		Use:   "run <kernel-image>",
		Short: "Boot a kernel image and print its captured serial console",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := runner.Run(runner.Config{
				KernelBin: args[0],
				Args:      extraArgs,
				Timeout:   timeout,
				Runner:    runnerBin,
			})
			if run != nil {
				fmt.Fprint(cmd.OutOrStdout(), run.StdoutStr())
			}
			if err != nil {
				return err
			}
			if run.TimedOut {
				return fmt.Errorf("kernel did not exit within %s", timeout)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 20*time.Second, "how long to let the kernel run before killing it")
	cmd.Flags().StringVar(&runnerBin, "runner", "", "override the binary used to boot the image (default qemu-system-x86_64)")
	cmd.Flags().StringArrayVar(&extraArgs, "qemu-arg", nil, "extra argument to pass through to the runner, may be repeated")
	return cmd
}

// newMarkerCmd implements the scenario-assertion shape of
// KernelRun::assert_marker / assert_count and xtask's
// parse_and_report_results: boot the image once, then check one or more
// markers against the captured output, exiting non-zero on the first
// missing marker (or wrong count, if --count is given).
func newMarkerCmd() *cobra.Command {
	var (
		timeout   time.Duration
		runnerBin string
		extraArgs []string
		count     int
	)
	cmd := &cobra.Command{
		Use:   "marker <kernel-image> <marker>",
		Short: "Boot a kernel image and assert a TEST_MARKER: line appears in its output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := runner.Run(runner.Config{
				KernelBin: args[0],
				Args:      extraArgs,
				Timeout:   timeout,
				Runner:    runnerBin,
			})
			if err != nil {
				return err
			}
			if run.TimedOut {
				return fmt.Errorf("kernel did not exit within %s", timeout)
			}
			marker := args[1]
			if count > 0 {
				if err := run.AssertCount(marker, count); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %q occurred %d time(s)\n", marker, count)
				return nil
			}
			if err := run.AssertMarker(marker); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %q found\n", marker)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 20*time.Second, "how long to let the kernel run before killing it")
	cmd.Flags().StringVar(&runnerBin, "runner", "", "override the binary used to boot the image (default qemu-system-x86_64)")
	cmd.Flags().StringArrayVar(&extraArgs, "qemu-arg", nil, "extra argument to pass through to the runner, may be repeated")
	cmd.Flags().IntVar(&count, "count", 0, "assert the marker occurs exactly this many times, instead of just once")
	return cmd
}
