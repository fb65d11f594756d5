package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
)

// Commands 是 queenbee migrate 支持的子命令
var Commands = []string{"up", "down", "down-all", "steps", "goto", "force", "version", "status"}

// CLI 把迁移结果输出到终端
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI 输出默认写到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput 修改输出目标
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// Run 执行子命令，steps/goto/force 需要一个数字参数
func (c *CLI) Run(ctx context.Context, command string, args []string) error {
	switch command {
	case "up":
		return c.report(ctx, "Applying pending migrations", c.migrator.Up(ctx))
	case "down":
		return c.report(ctx, "Rolling back last migration", c.migrator.Down(ctx))
	case "down-all":
		return c.report(ctx, "Rolling back all migrations", c.migrator.DownAll(ctx))
	case "steps", "goto", "force":
		if len(args) != 1 {
			return fmt.Errorf("%s requires exactly one numeric argument", command)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("%s: invalid number %q", command, args[0])
		}
		switch command {
		case "steps":
			return c.report(ctx, fmt.Sprintf("Applying %+d step(s)", n), c.migrator.Steps(ctx, n))
		case "goto":
			if n < 0 {
				return fmt.Errorf("goto: version must not be negative")
			}
			return c.report(ctx, fmt.Sprintf("Migrating to version %d", n), c.migrator.Goto(ctx, uint(n)))
		default:
			return c.report(ctx, fmt.Sprintf("Forcing version %d", n), c.migrator.Force(ctx, n))
		}
	case "version":
		return c.printVersion(ctx)
	case "status":
		return c.printStatus(ctx)
	default:
		return fmt.Errorf("unknown migrate command %q (want one of %v)", command, Commands)
	}
}

func (c *CLI) report(ctx context.Context, action string, err error) error {
	fmt.Fprintf(c.output, "%s...\n", action)
	if err != nil {
		return err
	}
	return c.printVersion(ctx)
}

func (c *CLI) printVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(c.output, "No migrations applied.")
		return nil
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	fmt.Fprintf(c.output, "Current version: %d%s\n", version, suffix)
	return nil
}

func (c *CLI) printStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	applied := 0
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		if s.Applied {
			applied++
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.output, "\nTotal: %d, applied: %d, pending: %d\n", len(statuses), applied, len(statuses)-applied)
	return nil
}
