// Package versioning snapshots the tabular artifact into a content-addressed
// cache (capture) and records the snapshot metadata in a git history
// (commit). Both steps are no-ops when nothing changed.
package versioning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/metrics"
)

// Snapshot describes one captured version of the artifact. It is persisted
// as YAML next to the artifact.
type Snapshot struct {
	Path       string    `yaml:"path"`
	Digest     string    `yaml:"digest"`
	Size       int64     `yaml:"size"`
	Rows       int       `yaml:"rows"`
	CachePath  string    `yaml:"cache_path"`
	CapturedAt time.Time `yaml:"captured_at"`
}

// CaptureResult is the outcome of the capture step.
type CaptureResult struct {
	Snapshot     Snapshot
	MetadataPath string
	IgnorePath   string
	// Changed is false when the artifact matched the last captured digest.
	Changed bool
}

// CommitResult is the outcome of the commit step.
type CommitResult struct {
	Committed bool
	Hash      string
	Message   string
}

// Capturer snapshots an artifact.
type Capturer interface {
	Capture(ctx context.Context, artifact string) (CaptureResult, error)
}

// Committer records a captured snapshot in an append-only log.
type Committer interface {
	Commit(ctx context.Context, res CaptureResult) (CommitResult, error)
}

// Step names a versioning step.
type Step int

const (
	CaptureFailed Step = iota
	CommitFailed
)

func (s Step) String() string {
	if s == CommitFailed {
		return "commit_failed"
	}
	return "capture_failed"
}

// VersioningError reports a failed versioning step.
type VersioningError struct {
	Kind  Step
	Cause error
}

func (e *VersioningError) Error() string {
	return fmt.Sprintf("versioning %s: %v", e.Kind, e.Cause)
}

func (e *VersioningError) Unwrap() error { return e.Cause }

func (e *VersioningError) Is(target error) bool {
	if e.Kind == CommitFailed {
		return target == apperrors.ErrCommitFailed
	}
	return target == apperrors.ErrCaptureFailed
}

// Chain runs capture then commit for one artifact.
type Chain struct {
	artifact  string
	capturer  Capturer
	committer Committer
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewChain(artifact string, capturer Capturer, committer Committer, m *metrics.Metrics) *Chain {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Chain{
		artifact:  artifact,
		capturer:  capturer,
		committer: committer,
		metrics:   m,
		logger:    slog.Default().With("component", "versioning"),
	}
}

// Capture snapshots the artifact.
func (c *Chain) Capture(ctx context.Context) (CaptureResult, error) {
	res, err := c.capturer.Capture(ctx, c.artifact)
	if err != nil {
		c.metrics.VersionsTotal.WithLabelValues("capture", "error").Inc()
		return CaptureResult{}, &VersioningError{Kind: CaptureFailed, Cause: err}
	}
	c.metrics.VersionsTotal.WithLabelValues("capture", changedLabel(res.Changed)).Inc()
	c.logger.Info("snapshot captured",
		"digest", res.Snapshot.Digest,
		"rows", res.Snapshot.Rows,
		"changed", res.Changed,
	)
	return res, nil
}

// Commit records a snapshot produced by Capture in the same run.
func (c *Chain) Commit(ctx context.Context, res CaptureResult) (CommitResult, error) {
	out, err := c.committer.Commit(ctx, res)
	if err != nil {
		c.metrics.VersionsTotal.WithLabelValues("commit", "error").Inc()
		return CommitResult{}, &VersioningError{Kind: CommitFailed, Cause: err}
	}
	c.metrics.VersionsTotal.WithLabelValues("commit", changedLabel(out.Committed)).Inc()
	if out.Committed {
		c.logger.Info("snapshot committed", "hash", out.Hash, "message", out.Message)
	} else {
		c.logger.Info("no changes to commit", "digest", res.Snapshot.Digest)
	}
	return out, nil
}

func changedLabel(changed bool) string {
	if changed {
		return "changed"
	}
	return "unchanged"
}
