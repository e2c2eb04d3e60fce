package projecttype

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/spiral/errors"
)

// gitProjectType checks out a git repository as the build workspace.
// It is the simplest real ProjectType and stands in for whatever build
// environments a production manager would actually send (container
// images, language toolchains, and so on).
type gitProjectType struct {
	url       string
	ref       string
	configCmd string
	workspace string
}

func newGitProjectType(params map[string]interface{}) (ProjectType, error) {
	const op = errors.Op("git_project_type_new")

	url, _ := params["url"].(string)
	if url == "" {
		return nil, errors.E(op, errors.Str("git project type requires a url"))
	}
	ref, _ := params["ref"].(string)
	if ref == "" {
		ref = "HEAD"
	}
	configCmd, _ := params["config_command"].(string)

	root, _ := params["workspace"].(string)
	dir, err := os.MkdirTemp(root, "clusterworker-build-*")
	if err != nil {
		return nil, errors.E(op, err)
	}

	return &gitProjectType{url: url, ref: ref, configCmd: configCmd, workspace: dir}, nil
}

func (g *gitProjectType) FetchProject(ctx context.Context) error {
	const op = errors.Op("git_project_type_fetch")

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--branch", g.ref, g.url, g.workspace)
	if out, err := cmd.CombinedOutput(); err != nil {
		return &SetupFailureError{Op: op, Err: errors.E(op, errors.Str(string(out)), err)}
	}
	return nil
}

func (g *gitProjectType) RunJobConfigSetup(ctx context.Context) error {
	const op = errors.Op("git_project_type_config_setup")
	if g.configCmd == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", g.configCmd)
	cmd.Dir = g.workspace
	if out, err := cmd.CombinedOutput(); err != nil {
		return &SetupFailureError{Op: op, Err: errors.E(op, errors.Str(string(out)), err)}
	}
	return nil
}

func (g *gitProjectType) TeardownBuild(ctx context.Context, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- os.RemoveAll(g.workspace) }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return errors.E(errors.Op("git_project_type_teardown"), errors.Str("teardown timed out"))
	}
}
