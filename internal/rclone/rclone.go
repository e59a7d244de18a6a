// Package rclone drives the rclone binary: streaming uploads via rcat,
// deletes, and the startup sanity check that the configured remote exists.
package rclone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/technosupport/ts-protect-backup/internal/logging"
)

// ExitError is a non-zero rclone exit, with enough captured output to
// diagnose it from logs alone.
type ExitError struct {
	Args   []string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("rclone %s exited %d: %s", strings.Join(e.Args, " "), e.Code, strings.TrimSpace(e.Stderr))
}

// rclone's exit codes for objects that do not exist.
const (
	exitDirNotFound  = 3
	exitFileNotFound = 4
)

// IsNotFound reports whether err is rclone saying the object is already
// gone, which a delete can treat as success.
func IsNotFound(err error) bool {
	var xe *ExitError
	return errors.As(err, &xe) && (xe.Code == exitDirNotFound || xe.Code == exitFileNotFound)
}

// Runner invokes the rclone binary. The zero value is not usable; call
// New.
type Runner struct {
	// Binary is the executable to run, resolved against PATH.
	Binary string
	log    *slog.Logger
}

func New(log *slog.Logger) *Runner {
	return &Runner{Binary: "rclone", log: log.With("component", "rclone")}
}

// Check verifies the binary exists, the destination's remote is configured
// and the base directory exists. Failures here are configuration errors.
func (r *Runner) Check(ctx context.Context, destination, extraArgs string) error {
	if _, err := exec.LookPath(r.Binary); err != nil {
		return fmt.Errorf("rclone binary not found: %w", err)
	}

	// A destination without a remote prefix is a plain local path; only
	// remote destinations can be checked against listremotes.
	if idx := strings.Index(destination, ":"); idx > 0 {
		remote := destination[:idx+1]
		stdout, err := r.run(ctx, nil, "listremotes", "-vv")
		if err != nil {
			return fmt.Errorf("rclone listremotes: %w", err)
		}
		found := false
		for _, line := range strings.Split(stdout, "\n") {
			if strings.TrimSpace(line) == remote {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("rclone has no remote called %q, configure it with `rclone config`", remote)
		}
	}

	args := append([]string{"mkdir", "-vv"}, SplitArgs(extraArgs)...)
	args = append(args, destination)
	if _, err := r.run(ctx, nil, args...); err != nil {
		return fmt.Errorf("rclone mkdir: %w", err)
	}
	return nil
}

// Upload streams src to the destination path via rcat. The remote file
// appears atomically on success; a failed rcat leaves nothing behind.
func (r *Runner) Upload(ctx context.Context, src io.Reader, destPath, extraArgs string) error {
	args := append([]string{"rcat", "-vv"}, SplitArgs(extraArgs)...)
	args = append(args, destPath)
	_, err := r.run(ctx, src, args...)
	return err
}

// Delete removes one remote file.
func (r *Runner) Delete(ctx context.Context, remotePath, extraArgs string) error {
	args := append([]string{"delete", "-vv"}, SplitArgs(extraArgs)...)
	args = append(args, remotePath)
	_, err := r.run(ctx, nil, args...)
	return err
}

// TidyDirs removes directories left empty under the destination after a
// purge pass, keeping the destination itself.
func (r *Runner) TidyDirs(ctx context.Context, destination, extraArgs string) error {
	args := append([]string{"rmdirs", "-vv", "--ignore-errors", "--leave-root"}, SplitArgs(extraArgs)...)
	args = append(args, destination)
	_, err := r.run(ctx, nil, args...)
	return err
}

func (r *Runner) run(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	r.log.Log(ctx, logging.LevelExtraDebug, "running rclone", "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return stdout.String(), ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		code := -1
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return stdout.String(), &ExitError{Args: args, Code: code, Stderr: stderr.String()}
	}
	return stdout.String(), nil
}

// SplitArgs splits a flat argument string the way a shell would, honouring
// single and double quotes. It exists because extra rclone arguments are
// configured as one string.
func SplitArgs(s string) []string {
	var args []string
	var cur strings.Builder
	inSingle, inDouble, started := false, false, false
	for _, r := range s {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			started = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			started = true
		case (r == ' ' || r == '\t') && !inSingle && !inDouble:
			if started || cur.Len() > 0 {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
		}
	}
	if started || cur.Len() > 0 {
		args = append(args, cur.String())
	}
	return args
}
