package versioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CommitMessagePrefix starts every version commit message.
const CommitMessagePrefix = "Update APOD data version - "

const commitTimeLayout = "2006-01-02_15-04-05"

// GitCommitter commits snapshot metadata into a git repository, initializing
// it on first use.
type GitCommitter struct {
	repoDir     string
	authorName  string
	authorEmail string
	now         func() time.Time
	logger      *slog.Logger
}

// NewGitCommitter commits into repoDir as the given author. A nil now uses
// time.Now.
func NewGitCommitter(repoDir, authorName, authorEmail string, now func() time.Time) *GitCommitter {
	if now == nil {
		now = time.Now
	}
	return &GitCommitter{
		repoDir:     repoDir,
		authorName:  authorName,
		authorEmail: authorEmail,
		now:         now,
		logger:      slog.Default().With("component", "git-committer", "repo", repoDir),
	}
}

// Commit stages the metadata and ignore files of res and commits them. When
// neither differs from HEAD it returns Committed=false without creating a
// commit.
func (g *GitCommitter) Commit(ctx context.Context, res CaptureResult) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}
	repo, err := g.open()
	if err != nil {
		return CommitResult{}, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return CommitResult{}, fmt.Errorf("opening worktree: %w", err)
	}

	var paths []string
	for _, p := range []string{res.MetadataPath, res.IgnorePath} {
		if p == "" {
			continue
		}
		rel, err := g.relative(p)
		if err != nil {
			return CommitResult{}, err
		}
		if _, err := wt.Add(rel); err != nil {
			return CommitResult{}, fmt.Errorf("staging %s: %w", rel, err)
		}
		paths = append(paths, filepath.ToSlash(rel))
	}

	status, err := wt.Status()
	if err != nil {
		return CommitResult{}, fmt.Errorf("reading worktree status: %w", err)
	}
	if !anyStaged(status, paths) {
		return CommitResult{Committed: false}, nil
	}

	now := g.now()
	msg := CommitMessagePrefix + now.Format(commitTimeLayout)
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.authorName,
			Email: g.authorEmail,
			When:  now,
		},
	})
	if err != nil {
		return CommitResult{}, fmt.Errorf("committing: %w", err)
	}
	g.logger.Debug("commit created", "hash", hash.String(), "paths", paths)
	return CommitResult{Committed: true, Hash: hash.String(), Message: msg}, nil
}

func (g *GitCommitter) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(g.repoDir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		g.logger.Info("initializing repository")
		repo, err = git.PlainInit(g.repoDir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", g.repoDir, err)
	}
	return repo, nil
}

// relative returns p relative to the repository root, rejecting paths
// outside it.
func (g *GitCommitter) relative(p string) (string, error) {
	root, err := filepath.Abs(g.repoDir)
	if err != nil {
		return "", fmt.Errorf("resolving repository root: %w", err)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside repository %s", p, root)
	}
	return rel, nil
}

func anyStaged(status git.Status, paths []string) bool {
	for _, p := range paths {
		fs, ok := status[p]
		if !ok {
			continue
		}
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			return true
		}
	}
	return false
}
