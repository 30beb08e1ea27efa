// Package host spawns and supervises the external programs bubbles
// delegates to. When bubbles runs inside a Flatpak sandbox, commands that
// must reach the host are relayed through flatpak-spawn, and bundled
// executables are resolved to their host-side install path.
package host

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ManifestPath is readable inside every Flatpak sandbox.
const ManifestPath = "/.flatpak-info"

// sandboxBinDir is where bundled executables live inside the sandbox.
const sandboxBinDir = "/app/bin"

// Placement says where a command has to execute.
type Placement int

const (
	// OnHost runs on the host, resolved through the host's PATH.
	OnHost Placement = iota
	// Bundled runs on the host but the executable ships with bubbles.
	Bundled
	// InSandbox runs where bubbles runs and is never relayed.
	InSandbox
)

func (p Placement) String() string {
	switch p {
	case OnHost:
		return "host"
	case Bundled:
		return "bundled"
	case InSandbox:
		return "sandbox"
	default:
		return "unknown"
	}
}

// Command is a logical command before resolution.
type Command struct {
	Name      string
	Args      []string
	Placement Placement
	// Env holds extra KEY=VALUE pairs for the child.
	Env []string
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Invocation is a resolved command ready for exec.
type Invocation struct {
	Argv []string
	// Env is appended to the parent environment.
	Env []string
}

// Resolver turns logical commands into invocations. One is chosen at
// startup and used for every command.
type Resolver interface {
	Resolve(cmd Command) Invocation
	Relayed() bool
}

// Direct passes commands to the operating system unchanged.
type Direct struct{}

// Resolve returns argv as given.
func (Direct) Resolve(cmd Command) Invocation {
	return Invocation{
		Argv: append([]string{cmd.Name}, cmd.Args...),
		Env:  cmd.Env,
	}
}

// Relayed reports false.
func (Direct) Relayed() bool { return false }

// Relay wraps host-bound commands with flatpak-spawn.
type Relay struct {
	// AppPath is the host path of the installed application, from the
	// manifest's app-path entry. Empty if unknown.
	AppPath string
	// UID selects /run/user/<uid> as the host runtime directory.
	UID int
}

// Resolve builds the relayed argv for host-bound commands and the
// sandbox-local argv for everything else.
func (r Relay) Resolve(cmd Command) Invocation {
	if cmd.Placement == InSandbox {
		name := cmd.Name
		if !filepath.IsAbs(name) {
			name = filepath.Join(sandboxBinDir, name)
		}
		return Invocation{Argv: append([]string{name}, cmd.Args...), Env: cmd.Env}
	}

	argv := []string{
		"flatpak-spawn",
		"--host",
		fmt.Sprintf("--env=XDG_RUNTIME_DIR=%s", r.RuntimeDir()),
	}
	for _, kv := range cmd.Env {
		argv = append(argv, "--env="+kv)
	}
	argv = append(argv, r.hostExecutable(cmd))
	argv = append(argv, cmd.Args...)
	return Invocation{Argv: argv}
}

// Relayed reports true.
func (Relay) Relayed() bool { return true }

// RuntimeDir returns the host's per-user runtime directory.
func (r Relay) RuntimeDir() string {
	return fmt.Sprintf("/run/user/%d", r.UID)
}

func (r Relay) hostExecutable(cmd Command) string {
	if cmd.Placement != Bundled || filepath.IsAbs(cmd.Name) || r.AppPath == "" {
		return cmd.Name
	}
	return filepath.Join(r.AppPath, "bin", cmd.Name)
}

// ParseManifest extracts the app-path entry from a Flatpak manifest.
// It returns "" if the entry is missing.
func ParseManifest(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if path, ok := strings.CutPrefix(line, "app-path="); ok {
			return path, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	return "", nil
}

// LoadRelay builds a Relay from the manifest at path.
func LoadRelay(path string, uid int) (Relay, error) {
	f, err := os.Open(path)
	if err != nil {
		return Relay{UID: uid}, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	appPath, err := ParseManifest(f)
	if err != nil {
		return Relay{UID: uid}, err
	}
	return Relay{AppPath: appPath, UID: uid}, nil
}
