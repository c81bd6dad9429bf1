// Package distribute materializes per-user copies of a piece of content for
// every user the matcher admits.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/clock"
	"github.com/chirino/contentpool/internal/matcher"
	"github.com/chirino/contentpool/internal/metrics"
	"github.com/chirino/contentpool/internal/model"
	"github.com/chirino/contentpool/internal/pool"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const compensationTimeout = 10 * time.Second

// ErrStorageNotConfigured is returned for targets without a verified
// storage configuration.
var ErrStorageNotConfigured = errors.New("storage not configured")

// Request identifies the content being distributed.
type Request struct {
	ContentHash        string
	ProcessedContentID uuid.UUID
	EntryID            string
	Title              string
	Features           matcher.Features
}

// Result is the outcome for one target. Failures are reported here and
// never abort the rest of the batch.
type Result struct {
	UserID     string           `json:"userId"`
	Success    bool             `json:"success"`
	Path       string           `json:"path,omitempty"`
	Score      float64          `json:"score"`
	Priority   matcher.Priority `json:"priority"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"durationMs"`
}

type Options struct {
	// Maximum targets in flight. Default 20.
	Concurrency int
	// Deadline for a single target. Default 30s.
	TargetTimeout time.Duration
	Clock         clock.Clock
}

type Executor struct {
	store   registrystore.ContentStore
	pool    *pool.Pool
	matcher *matcher.Matcher
	opts    Options
}

func New(store registrystore.ContentStore, p *pool.Pool, m *matcher.Matcher, opts Options) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 20
	}
	if opts.TargetTimeout <= 0 {
		opts.TargetTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Executor{store: store, pool: p, matcher: m, opts: opts}
}

// Distribute selects targets for req and delivers to each of them.
func (e *Executor) Distribute(ctx context.Context, req Request) ([]Result, error) {
	targets, err := e.SelectTargets(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		log.Info("Distribute: no matching users", "entry", req.EntryID, "hash", req.ContentHash)
		return []Result{}, nil
	}
	return e.Execute(ctx, req, targets), nil
}

// SelectTargets loads every active preference and runs the matcher against
// it, excluding users who already hold the entry or reached today's limit.
func (e *Executor) SelectTargets(ctx context.Context, req Request) ([]matcher.Target, error) {
	prefs, err := e.store.ListActivePreferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	if len(prefs) == 0 {
		return nil, nil
	}
	userIDs := make([]string, len(prefs))
	for i, p := range prefs {
		userIDs[i] = p.UserID
	}
	holders, err := e.store.UsersWithEntry(ctx, req.EntryID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load existing references: %w", err)
	}
	dayStart := e.opts.Clock.Now().UTC().Truncate(24 * time.Hour)
	delivered, err := e.store.CountNotesSince(ctx, userIDs, dayStart)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}

	candidates := make([]matcher.Candidate, len(prefs))
	for i, p := range prefs {
		candidates[i] = matcher.Candidate{
			Profile:        matcher.ProfileFromPreference(p),
			HasEntry:       holders[p.UserID],
			DeliveredToday: delivered[p.UserID],
		}
	}
	return e.matcher.Select(req.Features, candidates), nil
}

// Execute delivers req to every target with bounded concurrency and waits
// for all of them. Results are in target order. Once ctx is done no further
// targets start; those report the context error.
func (e *Executor) Execute(ctx context.Context, req Request, targets []matcher.Target) []Result {
	results := make([]Result, len(targets))
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)

	for i, t := range targets {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(targets); j++ {
				results[j] = skipped(targets[j], err)
			}
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = skipped(t, err)
				return nil
			}
			results[i] = e.deliverOne(ctx, req, t)
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	log.Info("Distribute: batch finished", "entry", req.EntryID, "targets", len(targets), "succeeded", ok, "failed", len(targets)-ok)
	return results
}

func skipped(t matcher.Target, err error) Result {
	return Result{UserID: t.UserID, Score: t.Score, Priority: t.Priority, Error: err.Error()}
}

func (e *Executor) deliverOne(ctx context.Context, req Request, t matcher.Target) Result {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, e.opts.TargetTimeout)
	defer cancel()

	path, err := e.deliver(tctx, req, t)
	d := time.Since(start)
	metrics.Distribution(err == nil, d)
	res := Result{UserID: t.UserID, Score: t.Score, Priority: t.Priority, Path: path, Success: err == nil, DurationMs: d.Milliseconds()}
	if err != nil {
		res.Error = err.Error()
		res.Path = ""
		log.Warn("Distribute: target failed", "user", t.UserID, "entry", req.EntryID, "err", err)
	} else {
		log.Debug("Distribute: target delivered", "user", t.UserID, "entry", req.EntryID, "path", path, "priority", t.Priority)
	}
	return res
}

func (e *Executor) deliver(ctx context.Context, req Request, t matcher.Target) (string, error) {
	sc, err := e.store.GetStorageConfig(ctx, t.UserID)
	if registrystore.IsNotFound(err) || (err == nil && !sc.Verified) {
		return "", ErrStorageNotConfigured
	}
	if err != nil {
		return "", fmt.Errorf("storage config: %w", err)
	}

	_, err = e.store.GetReference(ctx, t.UserID, req.EntryID)
	existed := err == nil
	if err != nil && !registrystore.IsNotFound(err) {
		return "", err
	}

	path, err := e.pool.CreateUserCopy(ctx, t.UserID, req.EntryID, req.ContentHash)
	if err != nil {
		return "", fmt.Errorf("create user copy: %w", err)
	}

	note := &model.UserNote{
		UserID:             t.UserID,
		EntryID:            req.EntryID,
		ProcessedContentID: req.ProcessedContentID,
		ContentHash:        req.ContentHash,
		StoragePath:        path,
		Title:              req.Title,
		Score:              t.Score,
		Priority:           string(t.Priority),
		CreatedAt:          e.opts.Clock.Now().UTC(),
	}
	err = e.store.CreateNote(ctx, note)
	if err == nil {
		return path, nil
	}
	var ce *registrystore.ConflictError
	if errors.As(err, &ce) && ce.Code == registrystore.ConflictDuplicate {
		// Delivered by an earlier run.
		return path, nil
	}
	if !existed {
		e.compensate(ctx, t.UserID, req.EntryID)
	}
	return "", fmt.Errorf("write note: %w", err)
}

// compensate releases a copy whose note could not be written so a later run
// can deliver it again.
func (e *Executor) compensate(ctx context.Context, userID, entryID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if _, err := e.pool.ReleaseUserCopy(cctx, userID, entryID); err != nil {
		log.Error("Distribute: failed to release copy after note failure", "user", userID, "entry", entryID, "err", err)
		return
	}
	log.Info("Distribute: released copy after note failure", "user", userID, "entry", entryID)
}
