// Package svn drives the Subversion command-line client. Only the handful of
// operations needed to mirror a directory into a working copy and commit it
// are provided.
package svn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultServer is the Sina App Engine Subversion server.
const DefaultServer = "https://svn.sinaapp.com/"

// DefaultCommitMessage is used for every deployment revision.
const DefaultCommitMessage = "x"

// Credentials authenticate against the remote repository. They are only ever
// rendered as command arguments; every printable form is redacted.
type Credentials struct {
	Username string
	Password string
}

// Args returns the credentials as svn flag/value pairs.
func (c Credentials) Args() []string {
	return []string{"--username", c.Username, "--password", c.Password}
}

// Complete reports whether both a username and a password are set.
func (c Credentials) Complete() bool {
	return c.Username != "" && c.Password != ""
}

func (c Credentials) String() string {
	return "[redacted]"
}

// LogValue keeps credentials out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// WorkingCopy is a local checkout of one application's repository.
type WorkingCopy struct {
	Root    string
	App     string
	Version string
}

// NewWorkingCopy places the checkout for app under workspace.
func NewWorkingCopy(workspace, app, version string) WorkingCopy {
	return WorkingCopy{
		Root:    filepath.Join(workspace, app),
		App:     app,
		Version: version,
	}
}

// VersionDir returns the subtree dedicated to the application version.
func (w WorkingCopy) VersionDir() string {
	return filepath.Join(w.Root, w.Version)
}

// URL returns the repository location of the application on server.
func (w WorkingCopy) URL(server string) string {
	return strings.TrimRight(server, "/") + "/" + w.App
}

// Exists reports whether the working copy has been checked out.
func (w WorkingCopy) Exists() (bool, error) {
	_, err := os.Stat(w.Root)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat working copy %s: %w", w.Root, err)
}

// Client provides the version control operations used by a deployment
type Client interface {
	// Acquire checks out the working copy, or refreshes an existing one
	Acquire(ctx context.Context, wc WorkingCopy, creds Credentials) error
	// Add stages a path that was just created on disk
	Add(ctx context.Context, path string) error
	// Delete stages a path that was just removed from disk
	Delete(ctx context.Context, path string) error
	// Status lists pending changes; diagnostic only
	Status(ctx context.Context, path string) error
	// Commit records all staged changes as one revision
	Commit(ctx context.Context, root string, creds Credentials, message string) error
}

// Runner executes one svn subcommand.
type Runner interface {
	Execute(ctx context.Context, subcommand string, args ...string) error
}

// ShellClient implements Client by shelling out to svn through a Runner
type ShellClient struct {
	runner Runner
	server string
}

// NewShellClient creates a client talking to the given server
func NewShellClient(runner Runner, server string) *ShellClient {
	if server == "" {
		server = DefaultServer
	}
	return &ShellClient{runner: runner, server: server}
}

// Acquire checks out wc if it is absent locally. Otherwise it clears stale
// locks and updates the existing checkout.
func (c *ShellClient) Acquire(ctx context.Context, wc WorkingCopy, creds Credentials) error {
	exists, err := wc.Exists()
	if err != nil {
		return err
	}

	if !exists {
		return c.Checkout(ctx, wc.URL(c.server), wc.Root, creds)
	}

	if err := c.Cleanup(ctx, wc.Root); err != nil {
		return err
	}
	return c.Update(ctx, wc.Root, creds)
}

// Checkout creates a working copy of url at dest
func (c *ShellClient) Checkout(ctx context.Context, url, dest string, creds Credentials) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return c.runner.Execute(ctx, "checkout", append([]string{url, dest}, creds.Args()...)...)
}

// Cleanup removes stale locks from the working copy at path
func (c *ShellClient) Cleanup(ctx context.Context, path string) error {
	return c.runner.Execute(ctx, "cleanup", path)
}

// Update brings the working copy at path up to date with the remote
func (c *ShellClient) Update(ctx context.Context, path string, creds Credentials) error {
	return c.runner.Execute(ctx, "update", append([]string{path}, creds.Args()...)...)
}

// Add schedules path for addition
func (c *ShellClient) Add(ctx context.Context, path string) error {
	return c.runner.Execute(ctx, "add", path)
}

// Delete schedules path for removal
func (c *ShellClient) Delete(ctx context.Context, path string) error {
	return c.runner.Execute(ctx, "delete", path)
}

// Status prints the pending changes below path
func (c *ShellClient) Status(ctx context.Context, path string) error {
	return c.runner.Execute(ctx, "status", path)
}

// Commit sends all staged changes below root to the server
func (c *ShellClient) Commit(ctx context.Context, root string, creds Credentials, message string) error {
	if message == "" {
		message = DefaultCommitMessage
	}
	return c.runner.Execute(ctx, "commit", append([]string{root, "-m", message}, creds.Args()...)...)
}

// CheckInstalled verifies that binary can be run and returns its version.
func CheckInstalled(ctx context.Context, binary string) (string, error) {
	if binary == "" {
		binary = DefaultBinary
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", &PrerequisiteError{Tool: binary, Err: err}
	}

	output, err := exec.CommandContext(ctx, path, "--version", "--quiet").CombinedOutput()
	if err != nil {
		return "", &PrerequisiteError{
			Tool: binary,
			Err:  fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output))),
		}
	}
	return strings.TrimSpace(string(output)), nil
}
