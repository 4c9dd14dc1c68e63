package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/danmuck/camlink/internal/client"
	"github.com/danmuck/camlink/internal/logging"
	"github.com/spf13/cobra"
)

type options struct {
	addr    string
	timeout time.Duration
}

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "camclient: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "camclient",
		Short:         "Talk to a camlink device over its access point socket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.addr, "addr", "a", "192.168.4.1:1879", "device socket address")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per message timeout")
	root.SetOut(out)

	root.AddCommand(
		&cobra.Command{
			Use:   "ls [dir]",
			Short: "List a directory",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				dir := ""
				if len(args) == 1 {
					dir = args[0]
				}
				return withClient(cmd.Context(), opts, func(c *client.Client) error {
					entries, err := c.List(dir)
					if err != nil {
						return err
					}
					for _, e := range entries {
						fmt.Fprintf(cmd.OutOrStdout(), "%10d  %s\n", e.Size, e.Name)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "get <path> [local]",
			Short: "Download a file",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				local := path.Base(args[0])
				if len(args) == 2 {
					local = args[1]
				}
				return withClient(cmd.Context(), opts, func(c *client.Client) error {
					return download(cmd.OutOrStdout(), local, func(w io.Writer) (int64, error) {
						return c.Fetch(args[0], w)
					})
				})
			},
		},
		&cobra.Command{
			Use:   "rm <path>",
			Short: "Delete a file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd.Context(), opts, func(c *client.Client) error {
					return c.Delete(args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "snap [local]",
			Short: "Download the newest camera frame",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				local := fmt.Sprintf("snap-%d.jpg", time.Now().Unix())
				if len(args) == 1 {
					local = args[0]
				}
				return withClient(cmd.Context(), opts, func(c *client.Client) error {
					return download(cmd.OutOrStdout(), local, c.Snap)
				})
			},
		},
		&cobra.Command{
			Use:   "flash <image>",
			Short: "Install a firmware image and restart the device",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				image, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				return withClient(cmd.Context(), opts, func(c *client.Client) error {
					if err := c.Flash(image); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "flashed %d bytes, device restarting\n", len(image))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "cancel",
			Short: "End the running command",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd.Context(), opts, func(c *client.Client) error {
					return c.Cancel()
				})
			},
		},
	)
	return root
}

func withClient(ctx context.Context, opts *options, fn func(*client.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	c, err := client.Dial(dialCtx, opts.addr, opts.timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func download(out io.Writer, local string, pull func(io.Writer) (int64, error)) error {
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	n, err := pull(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(local)
		return err
	}
	fmt.Fprintf(out, "%s: %d bytes\n", local, n)
	return nil
}
