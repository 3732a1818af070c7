package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// RepoSync keeps one project's working copy checked out under BuildDir,
// cloning it on first use and fetch+checkout -f on every job after that,
// the same clone-or-sync sequence the original ran per job.
type RepoSync struct {
	// BuildDir is the directory a project's working copy lives under.
	BuildDir string
}

// projectDir returns BuildDir/projectName.
func (r *RepoSync) projectDir(projectName string) string {
	return filepath.Join(r.BuildDir, projectName)
}

// Exists reports whether the project's working copy has already been
// cloned into BuildDir.
func (r *RepoSync) Exists(projectName string) bool {
	_, err := os.Stat(r.projectDir(projectName))
	return err == nil
}

// Cleanup discards local changes in an already-cloned working copy so the
// next checkout starts from a clean tree.
func (r *RepoSync) Cleanup(ctx context.Context, projectName string) error {
	dir := r.projectDir(projectName)
	for _, args := range [][]string{
		{"git", "reset", "--hard"},
		{"git", "clean", "-ffdx"},
	} {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = dir
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%v: %w\n%s", args, err, output)
		}
	}
	return nil
}

// Sync ensures projectName's working copy exists under BuildDir and is
// checked out at revision, cloning it fresh if it isn't there yet.
// Returns the working copy's path.
func (r *RepoSync) Sync(ctx context.Context, repoURL, projectName, revision string, out func(string)) (string, error) {
	dir := r.projectDir(projectName)

	if r.Exists(projectName) {
		if err := r.Cleanup(ctx, projectName); err != nil {
			return "", fmt.Errorf("cleanup: %w", err)
		}
	} else {
		if err := os.MkdirAll(r.BuildDir, 0755); err != nil {
			return "", fmt.Errorf("create build dir: %w", err)
		}
		cmd := exec.CommandContext(ctx, "git", "clone", "-b", "master", repoURL, dir)
		if output, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("git clone: %w\n%s", err, output)
		}
	}

	for _, args := range [][]string{
		{"git", "fetch"},
		{"git", "checkout", "-f", revision},
	} {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = dir
		output, err := cmd.CombinedOutput()
		if out != nil && len(output) > 0 {
			out(string(output))
		}
		if err != nil {
			return "", fmt.Errorf("%v: %w\n%s", args, err, output)
		}
	}

	return dir, nil
}

// CloneLocal clones a local repository into dir (used by tests to seed a
// RepoSync's BuildDir without a network round-trip).
func CloneLocal(ctx context.Context, srcDir, branch, dir string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--branch", branch, srcDir, dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone failed: %w\n%s", err, output)
	}
	return nil
}

// EnsureGit checks that git is available.
func EnsureGit() error {
	return CheckCommand("git")
}

// GetRepoRoot finds the root of the current git repository.
func GetRepoRoot() (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not in a git repository")
	}
	return filepath.Clean(string(output[:len(output)-1])), nil
}

// GetCurrentBranch returns the current git branch.
func GetCurrentBranch() (string, error) {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get branch: %w", err)
	}
	return string(output[:len(output)-1]), nil
}

// GetCurrentCommit returns the current git commit SHA.
func GetCurrentCommit() (string, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get commit: %w", err)
	}
	return string(output[:len(output)-1]), nil
}
