package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"agentmarket/internal/domain"
	"agentmarket/internal/observability"
	"agentmarket/internal/repo"
)

// Result is the envelope every named action returns to the executor.
type Result struct {
	Status   string         `json:"status" enum:"success,failure"`
	Message  string         `json:"message"`
	Kind     string         `json:"kind,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func (r Result) OK() bool { return r.Status == StatusSuccess }

// actionArgs is the union of every action's arguments.
type actionArgs struct {
	ProviderID      string        `json:"providerId"`
	EvaluatorID     string        `json:"evaluatorId"`
	ItemName        string        `json:"itemName"`
	Quantity        *flexInt      `json:"quantity"`
	PricePerUnit    *domain.Money `json:"pricePerUnit"`
	Requirements    *string       `json:"requirements"`
	Message         string        `json:"message"`
	ChatID          string        `json:"chatId"`
	JobID           string        `json:"jobId"`
	Intention       string        `json:"intention"`
	TransactionHash string        `json:"transactionHash"`
}

// flexInt accepts 10, 10.0 and "10".
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v != float64(int(v)) {
		return fmt.Errorf("quantity must be an integer, got %s", string(data))
	}
	*f = flexInt(v)
	return nil
}

func (a actionArgs) quantity() int {
	if a.Quantity == nil {
		return 0
	}
	return int(*a.Quantity)
}

func (a actionArgs) quantityPtr() *int {
	if a.Quantity == nil {
		return nil
	}
	q := int(*a.Quantity)
	return &q
}

func (a actionArgs) requirements() string {
	if a.Requirements == nil {
		return ""
	}
	return *a.Requirements
}

type actionFunc func(ctx context.Context, e Engine, agentID string, args actionArgs) (Outcome, error)

var actions = map[string]actionFunc{
	"find": func(ctx context.Context, e Engine, agentID string, _ actionArgs) (Outcome, error) {
		list, err := e.Find(ctx, agentID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Message: fmt.Sprintf("Found %d providers", len(list)), Metadata: map[string]any{"providers": list}}, nil
	},
	"request": func(ctx context.Context, e Engine, agentID string, a actionArgs) (Outcome, error) {
		opts := RequestOptions{
			ClientID:     agentID,
			ProviderID:   a.ProviderID,
			EvaluatorID:  a.EvaluatorID,
			ItemName:     a.ItemName,
			Quantity:     a.quantity(),
			Requirements: a.requirements(),
			Message:      a.Message,
		}
		if a.PricePerUnit != nil {
			opts.PricePerUnit = *a.PricePerUnit
		}
		res, err := e.Request(ctx, opts)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Message: "Job requested successfully",
			Metadata: map[string]any{
				"jobId":  res.Job.ID,
				"chatId": res.Chat.ID,
				"phase":  res.Job.Phase,
				"budget": res.Job.Budget,
			},
		}, nil
	},
	"read": func(ctx context.Context, e Engine, agentID string, a actionArgs) (Outcome, error) {
		msgs, err := e.Read(ctx, ReadOptions{AgentID: agentID, ChatID: a.ChatID})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Message: fmt.Sprintf("Read %d messages", len(msgs)), Metadata: map[string]any{"messages": messageViews(msgs)}}, nil
	},
	"accept": func(ctx context.Context, e Engine, agentID string, a actionArgs) (Outcome, error) {
		return e.Accept(ctx, JobMessageOptions{JobID: a.JobID, AgentID: agentID, Message: a.Message})
	},
	"reject": func(ctx context.Context, e Engine, agentID string, a actionArgs) (Outcome, error) {
		return e.Reject(ctx, JobMessageOptions{JobID: a.JobID, AgentID: agentID, Message: a.Message})
	},
	"negotiate": func(ctx context.Context, e Engine, agentID string, a actionArgs) (Outcome, error) {
		return e.Negotiate(ctx, NegotiateOptions{
			JobID:        a.JobID,
			AgentID:      agentID,
			Message:      a.Message,
			Intention:    Intention(a.Intention),
			Quantity:     a.quantityPtr(),
			PricePerUnit: a.PricePerUnit,
			Requirements: a.Requirements,
		})
	},
	"pay": func(ctx context.Context, e Engine, agentID string, a actionArgs) (Outcome, error) {
		return e.Pay(ctx, PayOptions{JobID: a.JobID, AgentID: agentID, TransactionHash: a.TransactionHash, Message: a.Message})
	},
	"deliver": func(ctx context.Context, e Engine, agentID string, a actionArgs) (Outcome, error) {
		return e.Deliver(ctx, JobMessageOptions{JobID: a.JobID, AgentID: agentID, Message: a.Message})
	},
	"evaluate_document": evaluateAction(EvaluateDocument),
	"evaluate_physical": evaluateAction(EvaluatePhysical),
	"evaluate_poster":   evaluateAction(EvaluatePoster),
	"harvest_lemons": func(ctx context.Context, e Engine, agentID string, a actionArgs) (Outcome, error) {
		return e.HarvestLemons(ctx, HarvestOptions{AgentID: agentID, Quantity: a.quantity()})
	},
	"make_lemonade": func(ctx context.Context, e Engine, agentID string, a actionArgs) (Outcome, error) {
		return e.MakeLemonade(ctx, ProduceOptions{JobID: a.JobID, AgentID: agentID})
	},
	"make_permit": func(ctx context.Context, e Engine, agentID string, a actionArgs) (Outcome, error) {
		return e.MakePermit(ctx, ProduceOptions{JobID: a.JobID, AgentID: agentID})
	},
	"make_poster": func(ctx context.Context, e Engine, agentID string, a actionArgs) (Outcome, error) {
		return e.MakePoster(ctx, ProduceOptions{JobID: a.JobID, AgentID: agentID, Requirements: a.requirements()})
	},
	"state": func(ctx context.Context, e Engine, agentID string, _ actionArgs) (Outcome, error) {
		st, err := e.State(ctx, agentID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Message: "Agent state", Metadata: map[string]any{"state": st}}, nil
	},
}

func evaluateAction(kind EvaluationKind) actionFunc {
	return func(ctx context.Context, e Engine, agentID string, a actionArgs) (Outcome, error) {
		return e.Evaluate(ctx, EvaluateOptions{JobID: a.JobID, AgentID: agentID, Message: a.Message, Kind: kind})
	}
}

// unknownAction labels metrics and spans for names Dispatch does not know.
const unknownAction = "unknown"

// Actions lists the names Dispatch understands.
func Actions() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one named action for agentID. It never returns an error:
// every failure is reported in the Result.
func (e Engine) Dispatch(ctx context.Context, agentID, action string, args json.RawMessage) Result {
	action = strings.ToLower(strings.TrimSpace(action))
	fn, known := actions[action]
	// unknown names share one label so callers cannot grow metric or span sets
	label := action
	if !known {
		label = unknownAction
	}
	ctx, span := observability.StartSpan(ctx, "action."+label,
		attribute.String("agent.id", agentID),
		attribute.String("action", label),
	)
	defer span.End()
	start := time.Now()

	var a actionArgs
	res := func() (res Result) {
		defer func() {
			if r := recover(); r != nil {
				e.logger().Error("action panicked", "agent", agentID, "action", label, "panic", r, "stack", string(debug.Stack()))
				res = failureResult(&Failure{Kind: FailInfrastructure, Reason: "Internal error", Err: fmt.Errorf("panic: %v", r)})
			}
		}()
		if !known {
			return failureResult(failf(FailValidation, "Unknown action %q", action))
		}
		if len(bytes.TrimSpace(args)) > 0 && string(bytes.TrimSpace(args)) != "null" {
			if err := json.Unmarshal(args, &a); err != nil {
				return failureResult(failf(FailValidation, "Invalid arguments: %v", err))
			}
		}
		if _, err := e.Repo.GetAgent(ctx, nil, agentID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return failureResult(failf(FailNotFound, "Agent %s not found", agentID))
			}
			return failureResult(AsFailure(err))
		}
		out, err := fn(ctx, e, agentID, a)
		if err != nil {
			return failureResult(AsFailure(err))
		}
		return Result{Status: StatusSuccess, Message: out.Message, Metadata: out.Metadata}
	}()

	span.SetAttributes(attribute.String("job.id", a.JobID), attribute.String("outcome", res.Status))
	if res.OK() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("failure.kind", res.Kind))
		span.SetStatus(codes.Error, res.Message)
	}
	e.Metrics.IncAction(label, res.Status)

	attrs := []any{"agent", agentID, "action", label, "status", res.Status, "duration", time.Since(start).String()}
	if a.JobID != "" {
		attrs = append(attrs, "job", a.JobID)
	}
	switch {
	case res.OK():
		e.logger().Info("action", attrs...)
	case res.Kind == string(FailInfrastructure):
		e.logger().Error("action", append(attrs, "kind", res.Kind, "reason", res.Message)...)
	default:
		e.logger().Info("action", append(attrs, "kind", res.Kind, "reason", res.Message)...)
	}
	return res
}

func failureResult(f *Failure) Result {
	return Result{Status: StatusFailure, Message: f.Error(), Kind: string(f.Kind)}
}
