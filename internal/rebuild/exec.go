package rebuild

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// PgBaseBackup invokes the pg_basebackup utility. The transfer itself
// is external; this type only owns the invocation contract. The -R
// flag makes pg_basebackup write standby configuration into the
// target, so the rebuilt store boots in replica mode.
type PgBaseBackup struct {
	// Binary overrides the pg_basebackup path. Empty means $PATH
	// lookup.
	Binary string
	Logger *zap.Logger
}

// TakeBaseBackup implements BaseBackup.
func (b *PgBaseBackup) TakeBaseBackup(ctx context.Context, primaryEndpoint, slotName, targetDataDir string) error {
	bin := b.Binary
	if bin == "" {
		bin = "pg_basebackup"
	}
	args := []string{
		"-d", primaryEndpoint,
		"-D", targetDataDir,
		"-S", slotName,
		"-X", "stream",
		"-R",
		"--no-password",
	}
	b.Logger.Info("invoking base backup",
		zap.String("target", targetDataDir),
		zap.String("slot", slotName))

	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_basebackup: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CommandRunner starts and stops replica services by running
// configured shell command templates. The token {service} is replaced
// by the service ID.
type CommandRunner struct {
	StopCommand  []string
	StartCommand []string
	Logger       *zap.Logger
}

// Stop implements ServiceRunner.
func (r *CommandRunner) Stop(ctx context.Context, serviceID string) error {
	return r.runTemplate(ctx, r.StopCommand, serviceID)
}

// Start implements ServiceRunner.
func (r *CommandRunner) Start(ctx context.Context, serviceID string) error {
	return r.runTemplate(ctx, r.StartCommand, serviceID)
}

func (r *CommandRunner) runTemplate(ctx context.Context, tmpl []string, serviceID string) error {
	if len(tmpl) == 0 {
		return fmt.Errorf("no command configured for service %q", serviceID)
	}
	args := make([]string, len(tmpl))
	for i, t := range tmpl {
		args[i] = strings.ReplaceAll(t, "{service}", serviceID)
	}
	r.Logger.Info("running service command", zap.Strings("argv", args))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
