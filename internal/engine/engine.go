package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentmarket/internal/artifacts"
	"agentmarket/internal/config"
	"agentmarket/internal/domain"
	"agentmarket/internal/engine/auth"
	"agentmarket/internal/events"
	"agentmarket/internal/observability"
	"agentmarket/internal/oracle"
	"agentmarket/internal/repo"
)

// ReadFirstMessage is returned by every gated action while the caller has unread messages.
const ReadFirstMessage = "You must read all messages before taking this action. Use the read function first."

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	// Inspector judges documents and physical goods; PosterJudge judges posters.
	Inspector   oracle.Judge
	PosterJudge oracle.Judge
	Posters     oracle.PosterGenerator
	Artifacts   artifacts.Store

	Logger  *slog.Logger
	Metrics *observability.Metrics

	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	inspector := oracle.ThresholdJudge{Threshold: cfg.EvaluationThreshold()}
	return Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Events:      events.Writer{DB: db},
		Config:      cfg,
		Now:         time.Now,
		Inspector:   inspector,
		PosterJudge: inspector,
		Posters:     oracle.LocalPosterGenerator{},
		Artifacts:   artifacts.FileStore{Dir: cfg.Posters.Artifacts.Dir, BaseURL: cfg.Posters.Artifacts.PublicBaseURL},
		Logger:      slog.Default(),
		Metrics:     observability.NewMetrics(),
		locks:       newKeyedMutex(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) feeBps() int {
	if e.Config == nil || e.Config.Market.EvaluatorFeeBps == 0 {
		return 500
	}
	return e.Config.Market.EvaluatorFeeBps
}

func (e Engine) lock(key string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.lock(key)
}

// keyedMutex serializes work per key within the process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*refLock{}}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()
	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// --- failures ---

type FailureKind string

const (
	FailValidation     FailureKind = "validation"
	FailAuthorization  FailureKind = "authorization"
	FailState          FailureKind = "state"
	FailPrecondition   FailureKind = "precondition"
	FailNotFound       FailureKind = "not_found"
	FailConflict       FailureKind = "conflict"
	FailInfrastructure FailureKind = "infrastructure"
)

// Failure is a typed action failure with a reason the calling agent can act on.
type Failure struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Reason != "" {
		return f.Reason
	}
	if f.Err != nil {
		return f.Err.Error()
	}
	return string(f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

func failf(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// AsFailure converts any error into a Failure. Unknown errors are infrastructure failures.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	var forbidden auth.ForbiddenError
	if errors.As(err, &forbidden) {
		return &Failure{Kind: FailAuthorization, Reason: forbidden.Error(), Err: err}
	}
	switch {
	case errors.Is(err, repo.ErrConflict):
		return &Failure{Kind: FailConflict, Reason: "The job was changed by another action. Read the latest state and try again.", Err: err}
	case errors.Is(err, repo.ErrInsufficientFunds):
		return &Failure{Kind: FailPrecondition, Reason: "Insufficient balance", Err: err}
	case errors.Is(err, repo.ErrInvalidAmount):
		return &Failure{Kind: FailValidation, Reason: err.Error(), Err: err}
	case errors.Is(err, repo.ErrNotFound):
		return &Failure{Kind: FailNotFound, Reason: err.Error(), Err: err}
	}
	return &Failure{Kind: FailInfrastructure, Reason: err.Error(), Err: err}
}

// Outcome is what a successful action reports back to the calling agent.
type Outcome struct {
	Message  string
	Metadata map[string]any
}

// --- shared job action plumbing ---

// jobContext is the state a job-scoped action loads inside its transaction.
type jobContext struct {
	tx   *sql.Tx
	job  domain.Job
	item domain.JobItem
	chat domain.Chat
	role domain.Role
	now  string
}

// inJob runs fn inside a transaction while holding the job's in-process lock.
func (e Engine) inJob(ctx context.Context, jobID string, fn func(tx *sql.Tx) error) error {
	unlock := e.lock("job:" + jobID)
	defer unlock()
	return e.inTx(ctx, fn)
}

func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// loadJob reads the job, its item and chat, then checks role, phase and expiry.
func (e Engine) loadJob(ctx context.Context, tx *sql.Tx, jobID, agentID, action string, allowed []domain.Role, phases ...domain.Phase) (*jobContext, error) {
	job, err := e.Repo.GetJob(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, failf(FailNotFound, "Job not found")
		}
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	role, err := auth.Require(job, agentID, action, allowed...)
	if err != nil {
		return nil, err
	}
	if err := ensurePhase(job, action, phases...); err != nil {
		return nil, err
	}
	now := e.stamp()
	if expired(job, e.now()) {
		return nil, failf(FailState, "Job has expired")
	}
	item, err := e.Repo.GetJobItem(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, failf(FailNotFound, "Job item not found")
		}
		return nil, fmt.Errorf("load item for %s: %w", jobID, err)
	}
	chat, err := e.Repo.GetChatByJob(ctx, tx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, failf(FailNotFound, "Chat not found")
		}
		return nil, fmt.Errorf("load chat for %s: %w", jobID, err)
	}
	return &jobContext{tx: tx, job: job, item: item, chat: chat, role: role, now: now}, nil
}

func ensurePhase(job domain.Job, action string, phases ...domain.Phase) error {
	for _, p := range phases {
		if job.Phase == p {
			return nil
		}
	}
	return failf(FailState, "Cannot %s in %s phase", action, job.Phase)
}

// ensurePhaseTransition guards the job graph. REJECTED is reachable from REQUEST,
// NEGOTIATION and EVALUATION; EVALUATION is skipped only without an evaluator.
func ensurePhaseTransition(job domain.Job, to domain.Phase) error {
	from := job.Phase
	switch from {
	case domain.PhaseRequest:
		if to == domain.PhaseNegotiation || to == domain.PhaseRejected {
			return nil
		}
	case domain.PhaseNegotiation:
		if to == domain.PhaseTransaction || to == domain.PhaseRejected {
			return nil
		}
	case domain.PhaseTransaction:
		if to == domain.PhaseEvaluation && job.HasEvaluator() {
			return nil
		}
		if to == domain.PhaseComplete && !job.HasEvaluator() {
			return nil
		}
	case domain.PhaseEvaluation:
		if to == domain.PhaseComplete || to == domain.PhaseRejected {
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition %s -> %s for %s", from, to, job.ID)
}

func expired(job domain.Job, now time.Time) bool {
	if job.ExpiredAt == nil || job.Phase.Terminal() {
		return false
	}
	at, err := time.Parse(time.RFC3339, *job.ExpiredAt)
	if err != nil {
		return false
	}
	return !now.Before(at)
}

// advance moves jc.job to the given phase after checking the edge.
func (jc *jobContext) advance(to domain.Phase) error {
	if err := ensurePhaseTransition(jc.job, to); err != nil {
		return err
	}
	jc.job.Phase = to
	return nil
}

// saveJob writes jc.job with a version check.
func (e Engine) saveJob(ctx context.Context, jc *jobContext) error {
	jc.job.UpdatedAt = jc.now
	updated, err := e.Repo.UpdateJob(ctx, jc.tx, jc.job)
	if err != nil {
		return err
	}
	jc.job = updated
	return nil
}

// post appends a chat message. The author has seen everything up to their own message.
func (e Engine) post(ctx context.Context, jc *jobContext, authorID, text string) error {
	m := domain.Message{
		ID:        "message-" + uuid.NewString(),
		ChatID:    jc.chat.ID,
		AuthorID:  authorID,
		Message:   text,
		CreatedAt: jc.now,
	}
	if err := e.Repo.InsertMessage(ctx, jc.tx, m); err != nil {
		return err
	}
	if err := e.Repo.SetLastReadBy(ctx, jc.tx, jc.chat.ID, authorID); err != nil {
		return err
	}
	jc.chat.LastReadBy = &authorID
	return nil
}

func (e Engine) emit(ctx context.Context, jc *jobContext, typ, agentID string, payload events.EventPayload) error {
	return e.Events.Append(ctx, jc.tx, events.Entry{
		Type:       typ,
		JobID:      jc.job.ID,
		EntityKind: events.KindJob,
		EntityID:   jc.job.ID,
		AgentID:    agentID,
		Payload:    payload,
	})
}

func requireText(value, field string) error {
	if strings.TrimSpace(value) == "" {
		return failf(FailValidation, "%s is required", field)
	}
	return nil
}

func validatePrice(p domain.Money) error {
	if p <= 0 {
		return failf(FailValidation, "Price must be greater than 0")
	}
	if p > domain.MaxPrice {
		return failf(FailValidation, "Price exceeds maximum allowed value")
	}
	return nil
}

// validateTerms checks quantity and price and that their total fits the ledger.
func validateTerms(qty int, price domain.Money) error {
	if qty <= 0 {
		return failf(FailValidation, "Quantity must be a positive integer")
	}
	if qty > domain.MaxQuantity {
		return failf(FailValidation, "Quantity exceeds maximum allowed value of %d", domain.MaxQuantity)
	}
	if err := validatePrice(price); err != nil {
		return err
	}
	if _, ok := price.CheckedMul(qty); !ok {
		return failf(FailValidation, "Total price exceeds maximum allowed value of %s", domain.MaxTotal)
	}
	return nil
}
