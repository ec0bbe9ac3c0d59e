package host

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path"
	"strconv"
	"strings"
)

var _ Host = (*SSH)(nil)

// exitNotExist is the status scripts use to signal a missing file.
const exitNotExist = 44

type SSHOptions struct {
	Port    int
	KeyPath string
}

// SSH implements Host by piping a POSIX sh script to `ssh target sh -s` for
// every call.
type SSH struct {
	target string
	opts   SSHOptions
	// transport runs ssh; replaced in tests.
	transport func(ctx context.Context, args []string, script string) (stdout, stderr string, err error)
}

func NewSSH(target string, opts SSHOptions) (*SSH, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("ssh target is required")
	}
	return &SSH{target: target, opts: opts, transport: runSSH}, nil
}

func (s *SSH) Target() string { return s.target }

func (s *SSH) sshArgs() []string {
	args := []string{"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"}
	if s.opts.Port > 0 {
		args = append(args, "-p", strconv.Itoa(s.opts.Port))
	}
	if strings.TrimSpace(s.opts.KeyPath) != "" {
		args = append(args, "-i", s.opts.KeyPath)
	}
	return append(args, s.target, "sh", "-s")
}

func runSSH(ctx context.Context, args []string, script string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdin = strings.NewReader(script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// RunScript executes script on the remote host and returns its stdout.
func (s *SSH) RunScript(ctx context.Context, script string) (string, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	stdout, stderr, err := s.transport(ctx, s.sshArgs(), script)
	if err != nil {
		return stdout, &ExitError{Name: "ssh " + s.target, Stderr: stderr, Err: err}
	}
	return stdout, nil
}

func (s *SSH) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := s.RunScript(ctx, commandScript(name, args))
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			exitErr.Name = name
			exitErr.Args = args
		}
		return out, err
	}
	return out, nil
}

func (s *SSH) ReadFile(ctx context.Context, p string) ([]byte, error) {
	script := fmt.Sprintf("set -eu\nif [ ! -e %s ]; then exit %d; fi\ncat -- %s\n", shellQuote(p), exitNotExist, shellQuote(p))
	out, err := s.RunScript(ctx, script)
	if err != nil {
		if exitCode(err) == exitNotExist {
			return nil, fmt.Errorf("read %s: %w", p, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return []byte(out), nil
}

func (s *SSH) WriteFile(ctx context.Context, p string, data []byte, perm fs.FileMode) error {
	if _, err := s.RunScript(ctx, writeFileScript(p, data, perm)); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

func (s *SSH) Stat(ctx context.Context, p string) (FileInfo, error) {
	script := fmt.Sprintf("set -eu\nif [ ! -e %s ]; then exit %d; fi\nstat -c %%a -- %s\n", shellQuote(p), exitNotExist, shellQuote(p))
	out, err := s.RunScript(ctx, script)
	if err != nil {
		if exitCode(err) == exitNotExist {
			return FileInfo{}, nil
		}
		return FileInfo{}, fmt.Errorf("stat %s: %w", p, err)
	}
	mode, err := strconv.ParseUint(strings.TrimSpace(out), 8, 32)
	if err != nil {
		return FileInfo{}, fmt.Errorf("parse mode of %s: %w", p, err)
	}
	return FileInfo{Exists: true, Mode: fs.FileMode(mode).Perm()}, nil
}

func (s *SSH) ListeningPorts(ctx context.Context) (map[int]bool, error) {
	return ssListeningPorts(ctx, s)
}

func (s *SSH) Privilege(ctx context.Context) (Privilege, error) {
	out, err := s.RunScript(ctx, privilegeScript())
	if err != nil {
		return Privilege{}, fmt.Errorf("probe remote privileges: %w", err)
	}
	return parsePrivilege(out)
}

func (s *SSH) HomeDir(ctx context.Context) (string, error) {
	out, err := s.RunScript(ctx, "printf '%s' \"$HOME\"\n")
	if err != nil {
		return "", err
	}
	home := strings.TrimSpace(out)
	if home == "" {
		return "", fmt.Errorf("remote HOME is empty")
	}
	return home, nil
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func commandScript(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return "set -eu\n" + strings.Join(parts, " ") + "\n"
}

func writeFileScript(p string, data []byte, perm fs.FileMode) string {
	dir := path.Dir(p)
	tmp := p + ".podhost-tmp"
	var b strings.Builder
	b.WriteString("set -eu\n")
	fmt.Fprintf(&b, "mkdir -p -- %s\n", shellQuote(dir))
	fmt.Fprintf(&b, "printf '%%s' %s | base64 -d > %s\n", shellQuote(base64.StdEncoding.EncodeToString(data)), shellQuote(tmp))
	fmt.Fprintf(&b, "chmod %o %s\n", perm.Perm(), shellQuote(tmp))
	fmt.Fprintf(&b, "mv -f -- %s %s\n", shellQuote(tmp), shellQuote(p))
	return b.String()
}

func privilegeScript() string {
	return strings.TrimSpace(fmt.Sprintf(`set -u
echo "uid=$(id -u)"
if [ "$(id -u)" -ne 0 ] && command -v sudo >/dev/null 2>&1 && sudo -n true >/dev/null 2>&1; then
  echo "sudo=1"
else
  echo "sudo=0"
fi
if [ -r %s ]; then
  echo "port_start=$(cat %s)"
fi`, unprivilegedPortStartPath, unprivilegedPortStartPath)) + "\n"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}
