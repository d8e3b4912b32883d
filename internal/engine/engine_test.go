package engine_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"agentmarket/internal/app"
	"agentmarket/internal/artifacts"
	"agentmarket/internal/config"
	"agentmarket/internal/db"
	"agentmarket/internal/domain"
	"agentmarket/internal/engine"
	"agentmarket/internal/migrate"
	"agentmarket/internal/oracle"
	"agentmarket/internal/repo"
)

const (
	lemo      = "agent-lemo"
	zestie    = "agent-zestie"
	pixie     = "agent-pixie"
	lexie     = "agent-lexie"
	evaluator = "agent-evaluator"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
}

func newTestEnv(t *testing.T) testEnv {
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	ctx := context.Background()
	if _, err := app.Seed(ctx, conn, cfg, clk.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = clk.Now
	eng.Events.Now = clk.Now
	eng.Inspector = oracle.ThresholdJudge{Threshold: 0.95, Rand: func() float64 { return 0.1 }}
	eng.PosterJudge = eng.Inspector
	eng.Artifacts = artifacts.FileStore{Dir: dir + "/artifacts"}
	return testEnv{Engine: eng, Ctx: ctx, Clock: clk}
}

func (env testEnv) do(t *testing.T, agent, action string, args map[string]any) engine.Result {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return env.Engine.Dispatch(env.Ctx, agent, action, raw)
}

func (env testEnv) must(t *testing.T, agent, action string, args map[string]any) engine.Result {
	t.Helper()
	res := env.do(t, agent, action, args)
	if !res.OK() {
		t.Fatalf("%s %s: %s (%s)", agent, action, res.Message, res.Kind)
	}
	return res
}

func (env testEnv) fails(t *testing.T, agent, action string, args map[string]any, kind engine.FailureKind) engine.Result {
	t.Helper()
	res := env.do(t, agent, action, args)
	if res.OK() {
		t.Fatalf("%s %s: expected %s failure, got success %q", agent, action, kind, res.Message)
	}
	if res.Kind != string(kind) {
		t.Fatalf("%s %s: expected %s failure, got %s: %s", agent, action, kind, res.Kind, res.Message)
	}
	return res
}

func (env testEnv) read(t *testing.T, agent, chatID string) {
	t.Helper()
	env.must(t, agent, "read", map[string]any{"chatId": chatID})
}

func (env testEnv) job(t *testing.T, id string) domain.Job {
	t.Helper()
	j, err := env.Engine.Repo.GetJob(env.Ctx, nil, id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return j
}

func (env testEnv) balance(t *testing.T, agent string) domain.Money {
	t.Helper()
	w, err := env.Engine.Repo.GetWalletByAgent(env.Ctx, nil, agent)
	if err != nil {
		t.Fatalf("wallet %s: %v", agent, err)
	}
	return w.Balance
}

func (env testEnv) held(t *testing.T, agent, itemName string) int {
	t.Helper()
	inv, err := env.Engine.Repo.ListInventory(env.Ctx, nil, agent)
	if err != nil {
		t.Fatalf("inventory %s: %v", agent, err)
	}
	n := 0
	for _, e := range inv {
		if strings.EqualFold(e.Name, itemName) {
			n += e.Quantity
		}
	}
	return n
}

type deal struct {
	client, provider, evaluator string
	item                        string
	quantity                    int
	price                       string
	requirements                string
}

func (d deal) terms(intention, message string) map[string]any {
	return map[string]any{
		"intention":    intention,
		"message":      message,
		"quantity":     d.quantity,
		"pricePerUnit": d.price,
		"requirements": d.requirements,
	}
}

func (env testEnv) request(t *testing.T, d deal) (string, string) {
	t.Helper()
	ev := d.evaluator
	if ev == "" {
		ev = domain.NoEvaluator
	}
	res := env.must(t, d.client, "request", map[string]any{
		"providerId":   d.provider,
		"evaluatorId":  ev,
		"itemName":     d.item,
		"quantity":     d.quantity,
		"pricePerUnit": d.price,
		"requirements": d.requirements,
		"message":      "I would like to buy " + d.item,
	})
	return res.Metadata["jobId"].(string), res.Metadata["chatId"].(string)
}

// toTransaction runs request, acceptance and a mutual AGREE on the opening terms.
func (env testEnv) toTransaction(t *testing.T, d deal) (string, string) {
	t.Helper()
	jobID, chatID := env.request(t, d)
	env.read(t, d.provider, chatID)
	env.must(t, d.provider, "accept", map[string]any{"jobId": jobID, "message": "Happy to help"})
	if d.evaluator != "" {
		env.read(t, d.evaluator, chatID)
		env.must(t, d.evaluator, "accept", map[string]any{"jobId": jobID, "message": "I will evaluate"})
	}
	env.read(t, d.client, chatID)
	with := func(m map[string]any) map[string]any { m["jobId"] = jobID; return m }
	env.must(t, d.client, "negotiate", with(d.terms("AGREE", "Deal")))
	env.read(t, d.provider, chatID)
	env.must(t, d.provider, "negotiate", with(d.terms("AGREE", "Deal")))
	if got := env.job(t, jobID).Phase; got != domain.PhaseTransaction {
		t.Fatalf("expected TRANSACTION, got %s", got)
	}
	return jobID, chatID
}

func (env testEnv) pay(t *testing.T, client, jobID, chatID string) {
	t.Helper()
	env.read(t, client, chatID)
	env.must(t, client, "pay", map[string]any{"jobId": jobID, "transactionHash": "0xabc", "message": "Paid"})
}

var lemons = deal{client: lemo, provider: zestie, item: "Lemon", quantity: 10, price: "2.00", requirements: "fresh"}

func TestEndToEndLemonPurchase(t *testing.T) {
	env := newTestEnv(t)
	jobID, chatID := env.toTransaction(t, lemons)
	env.pay(t, lemo, jobID, chatID)
	env.read(t, zestie, chatID)
	res := env.must(t, zestie, "deliver", map[string]any{"jobId": jobID, "message": "Here are your lemons"})
	if res.Metadata["nextPhase"] != domain.PhaseComplete {
		t.Fatalf("expected COMPLETE in result, got %v", res.Metadata["nextPhase"])
	}
	job := env.job(t, jobID)
	if job.Phase != domain.PhaseComplete || job.EscrowAmount != 2000 {
		t.Fatalf("unexpected job %+v", job)
	}
	if got := env.balance(t, lemo); got != 8000 {
		t.Fatalf("client balance %s, want 80.00", got)
	}
	if got := env.balance(t, zestie); got != 12000 {
		t.Fatalf("provider balance %s, want 120.00", got)
	}
	if got := env.held(t, lemo, "Lemon"); got != 10 {
		t.Fatalf("client lemons %d, want 10", got)
	}
	if got := env.held(t, zestie, "Lemon"); got != 10 {
		t.Fatalf("provider lemons %d, want 10", got)
	}
	p, err := env.Engine.Repo.GetProvider(env.Ctx, nil, zestie)
	if err != nil || p.TotalApprovedJobs != 1 {
		t.Fatalf("approved jobs: %+v %v", p, err)
	}
	// no further action on a completed job
	env.read(t, lemo, chatID)
	env.fails(t, lemo, "pay", map[string]any{"jobId": jobID, "transactionHash": "0xdef", "message": "again"}, engine.FailState)
}

func TestRejectEndsJob(t *testing.T) {
	env := newTestEnv(t)
	jobID, chatID := env.request(t, lemons)
	env.read(t, zestie, chatID)
	env.must(t, zestie, "reject", map[string]any{"jobId": jobID, "message": "Out of season"})
	if got := env.job(t, jobID).Phase; got != domain.PhaseRejected {
		t.Fatalf("expected REJECTED, got %s", got)
	}
	env.read(t, lemo, chatID)
	env.fails(t, lemo, "negotiate", map[string]any{"jobId": jobID, "message": "please", "intention": "GENERAL"}, engine.FailState)
	env.fails(t, lemo, "pay", map[string]any{"jobId": jobID, "transactionHash": "0x1", "message": "paid"}, engine.FailState)
	env.read(t, zestie, chatID)
	env.fails(t, zestie, "deliver", map[string]any{"jobId": jobID, "message": "here"}, engine.FailState)
	// a terminal job no longer blocks a new request between the pair
	env.request(t, lemons)
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	base := map[string]any{
		"providerId":   zestie,
		"evaluatorId":  "NONE",
		"itemName":     "Lemon",
		"quantity":     1,
		"pricePerUnit": 2,
		"requirements": "fresh",
		"message":      "hi",
	}
	with := func(k string, v any) map[string]any {
		m := map[string]any{}
		for key, val := range base {
			m[key] = val
		}
		m[k] = v
		return m
	}
	cases := []struct {
		name   string
		agent  string
		args   map[string]any
		kind   engine.FailureKind
		reason string
	}{
		{"self", zestie, base, engine.FailValidation, "Cannot request service from yourself."},
		{"zero quantity", lemo, with("quantity", 0), engine.FailValidation, "Quantity must be a positive integer"},
		{"fractional quantity", lemo, with("quantity", 1.5), engine.FailValidation, ""},
		{"zero price", lemo, with("pricePerUnit", "0"), engine.FailValidation, "Price must be greater than 0"},
		{"huge price", lemo, with("pricePerUnit", "1000000000"), engine.FailValidation, "Price exceeds maximum allowed value"},
		{"quantity over cap", lemo, with("quantity", 1000001), engine.FailValidation, "Quantity exceeds maximum allowed value"},
		{"overflowing quantity", lemo, with("quantity", 144115188075855872), engine.FailValidation, "Quantity exceeds maximum allowed value"},
		{"total over cap", lemo, func() map[string]any {
			m := with("quantity", 1000000)
			m["pricePerUnit"] = "100000"
			return m
		}(), engine.FailValidation, "Total price exceeds maximum allowed value"},
		{"no message", lemo, with("message", " "), engine.FailValidation, "Message is required"},
		{"unknown provider", lemo, with("providerId", "agent-nobody"), engine.FailNotFound, "The specified provider does not exist."},
		{"evaluator as provider", lemo, with("providerId", evaluator), engine.FailValidation, "Cannot request services directly from the evaluator. Evaluators can only be assigned to evaluate jobs."},
		{"unknown evaluator", lemo, with("evaluatorId", "agent-nobody"), engine.FailNotFound, "Evaluator not found"},
		{"evaluator is party", lemo, with("evaluatorId", zestie), engine.FailValidation, "The evaluator must be a third party to the job."},
		{"evaluator without flag", lemo, with("evaluatorId", pixie), engine.FailValidation, "The specified agent is not an evaluator."},
		{"not sold", lemo, with("itemName", "Poster"), engine.FailValidation, "The provider does not sell the requested item."},
		{"selling misuse", lemo, with("itemName", "Lemonade"), engine.FailValidation, "You cannot use this function to sell items."},
	}
	for _, tc := range cases {
		res := env.do(t, tc.agent, "request", tc.args)
		if res.OK() || res.Kind != string(tc.kind) {
			t.Fatalf("%s: got %s %s: %s", tc.name, res.Status, res.Kind, res.Message)
		}
		if tc.reason != "" && !strings.HasPrefix(res.Message, tc.reason) {
			t.Fatalf("%s: reason %q", tc.name, res.Message)
		}
	}

	// item match ignores case
	jobID, _ := env.request(t, deal{client: lemo, provider: zestie, item: "lemon", quantity: 1, price: "2", requirements: "fresh"})
	if !strings.HasPrefix(jobID, "job-"+lemo+"-") {
		t.Fatalf("unexpected job id %s", jobID)
	}
	res := env.do(t, zestie, "request", map[string]any{
		"providerId": lemo, "evaluatorId": "NONE", "itemName": "Lemonade", "quantity": 1,
		"pricePerUnit": 5, "requirements": "cold", "message": "hi",
	})
	if res.OK() || res.Kind != string(engine.FailState) {
		t.Fatalf("expected active job failure in reverse direction, got %+v", res)
	}
}

func TestMessageGate(t *testing.T) {
	env := newTestEnv(t)
	jobID, chatID := env.request(t, lemons)
	res := env.fails(t, zestie, "accept", map[string]any{"jobId": jobID, "message": "ok"}, engine.FailPrecondition)
	if res.Message != engine.ReadFirstMessage {
		t.Fatalf("unexpected reason %q", res.Message)
	}
	env.read(t, zestie, chatID)
	env.must(t, zestie, "accept", map[string]any{"jobId": jobID, "message": "ok"})

	// read then act passes; a counterpart message in between blocks again
	env.read(t, lemo, chatID)
	env.read(t, zestie, chatID)
	env.must(t, zestie, "negotiate", map[string]any{"jobId": jobID, "message": "still there?", "intention": "GENERAL"})
	env.fails(t, lemo, "negotiate", map[string]any{"jobId": jobID, "message": "yes", "intention": "GENERAL"}, engine.FailPrecondition)
	env.read(t, lemo, chatID)
	env.read(t, lemo, chatID)
	env.must(t, lemo, "negotiate", map[string]any{"jobId": jobID, "message": "yes", "intention": "GENERAL"})
	// own message never blocks the author
	env.must(t, lemo, "negotiate", map[string]any{"jobId": jobID, "message": "hello?", "intention": "GENERAL"})

	msgs, err := env.Engine.Read(env.Ctx, engine.ReadOptions{AgentID: zestie, ChatID: chatID})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 5 || msgs[0].AuthorID != lemo || msgs[4].Message != "hello?" {
		t.Fatalf("unexpected history %+v", msgs)
	}
	if _, err := env.Engine.Read(env.Ctx, engine.ReadOptions{AgentID: pixie, ChatID: chatID}); err == nil {
		t.Fatalf("expected outsider read to fail")
	}
}

func TestDualAcceptance(t *testing.T) {
	for _, evaluatorFirst := range []bool{false, true} {
		env := newTestEnv(t)
		d := lemons
		d.evaluator = evaluator
		jobID, chatID := env.request(t, d)
		first, second := zestie, evaluator
		if evaluatorFirst {
			first, second = evaluator, zestie
		}
		env.read(t, first, chatID)
		res := env.must(t, first, "accept", map[string]any{"jobId": jobID, "message": "in"})
		if got := env.job(t, jobID).Phase; got != domain.PhaseRequest {
			t.Fatalf("after one acceptance expected REQUEST, got %s", got)
		}
		if res.Message != "Acceptance recorded - waiting for other party" {
			t.Fatalf("unexpected message %q", res.Message)
		}
		env.read(t, first, chatID)
		env.fails(t, first, "accept", map[string]any{"jobId": jobID, "message": "in"}, engine.FailState)
		env.read(t, second, chatID)
		env.must(t, second, "accept", map[string]any{"jobId": jobID, "message": "in too"})
		if got := env.job(t, jobID).Phase; got != domain.PhaseNegotiation {
			t.Fatalf("after both acceptances expected NEGOTIATION, got %s", got)
		}
		env.read(t, lemo, chatID)
		env.fails(t, lemo, "accept", map[string]any{"jobId": jobID, "message": "me too"}, engine.FailAuthorization)
	}
}

func TestAgreeRequiresCurrentTerms(t *testing.T) {
	env := newTestEnv(t)
	jobID, chatID := env.request(t, lemons)
	env.read(t, zestie, chatID)
	env.must(t, zestie, "accept", map[string]any{"jobId": jobID, "message": "ok"})
	env.read(t, lemo, chatID)

	other := lemons
	other.quantity = 9
	args := other.terms("AGREE", "fine")
	args["jobId"] = jobID
	res := env.fails(t, lemo, "negotiate", args, engine.FailPrecondition)
	if !strings.HasPrefix(res.Message, "Cannot agree to terms that differ") {
		t.Fatalf("unexpected reason %q", res.Message)
	}
	env.fails(t, lemo, "negotiate", map[string]any{"jobId": jobID, "message": "fine", "intention": "AGREE"}, engine.FailValidation)

	args = lemons.terms("AGREE", "fine")
	args["jobId"] = jobID
	res = env.must(t, lemo, "negotiate", args)
	if res.Message != "Agreement recorded - waiting for other party to agree" {
		t.Fatalf("unexpected message %q", res.Message)
	}
	job := env.job(t, jobID)
	if job.Phase != domain.PhaseNegotiation || !job.Metadata.AgreedTo(lemo, domain.Terms{Quantity: 10, PricePerUnit: 200, Requirements: "fresh"}) {
		t.Fatalf("agreement not recorded: %+v", job.Metadata)
	}
	msgs, _ := env.Engine.Repo.ListMessages(env.Ctx, nil, chatID)
	if last := msgs[len(msgs)-1].Message; last != "fine (Waiting for other party's agreement)" {
		t.Fatalf("unexpected annotated message %q", last)
	}
}

func TestCounterClearsAgreement(t *testing.T) {
	env := newTestEnv(t)
	jobID, chatID := env.request(t, lemons)
	env.read(t, zestie, chatID)
	env.must(t, zestie, "accept", map[string]any{"jobId": jobID, "message": "ok"})
	env.read(t, lemo, chatID)
	agree := lemons.terms("AGREE", "deal")
	agree["jobId"] = jobID
	env.must(t, lemo, "negotiate", agree)

	env.read(t, zestie, chatID)
	same := lemons.terms("COUNTER", "same")
	same["jobId"] = jobID
	env.fails(t, zestie, "negotiate", same, engine.FailPrecondition)

	counter := lemons
	counter.quantity = 8
	counter.price = "2.50"
	args := counter.terms("COUNTER", "only 8 left")
	args["jobId"] = jobID
	env.must(t, zestie, "negotiate", args)
	job := env.job(t, jobID)
	if len(job.Metadata.Agreement) != 0 {
		t.Fatalf("counter must clear agreements: %+v", job.Metadata.Agreement)
	}
	if job.Budget != 2000 {
		t.Fatalf("budget %s, want 20.00", job.Budget)
	}

	// the earlier agreement does not carry over: provider agreeing alone waits
	env.read(t, zestie, chatID)
	zargs := counter.terms("AGREE", "agreed")
	zargs["jobId"] = jobID
	env.must(t, zestie, "negotiate", zargs)
	if got := env.job(t, jobID).Phase; got != domain.PhaseNegotiation {
		t.Fatalf("expected NEGOTIATION, got %s", got)
	}
	env.read(t, lemo, chatID)
	largs := counter.terms("AGREE", "agreed")
	largs["jobId"] = jobID
	res := env.must(t, lemo, "negotiate", largs)
	if res.Metadata["nextPhase"] != domain.PhaseTransaction {
		t.Fatalf("expected final agreement, got %+v", res)
	}
}

func TestCancelNegotiation(t *testing.T) {
	env := newTestEnv(t)
	jobID, chatID := env.request(t, lemons)
	env.read(t, zestie, chatID)
	env.must(t, zestie, "accept", map[string]any{"jobId": jobID, "message": "ok"})
	env.read(t, lemo, chatID)
	env.must(t, lemo, "negotiate", map[string]any{"jobId": jobID, "message": "never mind", "intention": "cancel"})
	if got := env.job(t, jobID).Phase; got != domain.PhaseRejected {
		t.Fatalf("expected REJECTED, got %s", got)
	}
}

func TestInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	jobID, chatID := env.toTransaction(t, lemons)
	if err := env.Engine.Repo.Debit(env.Ctx, nil, lemo, 9500); err != nil {
		t.Fatalf("debit: %v", err)
	}
	env.read(t, lemo, chatID)
	res := env.fails(t, lemo, "pay", map[string]any{"jobId": jobID, "transactionHash": "0xabc", "message": "paying"}, engine.FailPrecondition)
	if res.Message != "Insufficient balance" {
		t.Fatalf("unexpected reason %q", res.Message)
	}
	if got := env.balance(t, lemo); got != 500 {
		t.Fatalf("balance changed: %s", got)
	}
	job := env.job(t, jobID)
	if job.Phase != domain.PhaseTransaction || job.TransactionHash != nil || job.EscrowAmount != 0 {
		t.Fatalf("job mutated: %+v", job)
	}
}

func TestDeliverPreconditions(t *testing.T) {
	env := newTestEnv(t)
	d := lemons
	d.quantity = 30
	jobID, chatID := env.toTransaction(t, d)
	env.read(t, zestie, chatID)
	env.fails(t, zestie, "deliver", map[string]any{"jobId": jobID, "message": "early"}, engine.FailPrecondition)
	env.fails(t, lemo, "deliver", map[string]any{"jobId": jobID, "message": "me"}, engine.FailAuthorization)
	env.pay(t, lemo, jobID, chatID)
	env.read(t, zestie, chatID)
	res := env.fails(t, zestie, "deliver", map[string]any{"jobId": jobID, "message": "here"}, engine.FailPrecondition)
	if res.Message != "No matching inventory items found for this job" {
		t.Fatalf("unexpected reason %q", res.Message)
	}
	env.must(t, zestie, "harvest_lemons", map[string]any{"quantity": 10})
	env.must(t, zestie, "deliver", map[string]any{"jobId": jobID, "message": "here"})
	if got := env.held(t, lemo, "Lemon"); got != 30 {
		t.Fatalf("client lemons %d, want 30", got)
	}
}

func TestOversizedTermsNeverReachTheWallet(t *testing.T) {
	env := newTestEnv(t)
	jobID, chatID := env.request(t, lemons)
	env.read(t, zestie, chatID)
	env.must(t, zestie, "accept", map[string]any{"jobId": jobID, "message": "ok"})
	env.read(t, lemo, chatID)
	for _, terms := range []struct {
		quantity int
		price    string
	}{
		{92233720368547758, "2.00"},
		{144115188075855872, "1.27"},
		{1000000, "100000"},
	} {
		huge := lemons
		huge.quantity = terms.quantity
		huge.price = terms.price
		for _, intention := range []string{"COUNTER", "AGREE"} {
			args := huge.terms(intention, "bulk order")
			args["jobId"] = jobID
			env.fails(t, lemo, "negotiate", args, engine.FailValidation)
		}
	}
	job := env.job(t, jobID)
	if job.Budget != 2000 || job.Phase != domain.PhaseNegotiation {
		t.Fatalf("oversized terms changed the job: %+v", job)
	}

	// terms that bypassed validation still cannot move money
	env.must(t, lemo, "negotiate", map[string]any{"jobId": jobID, "message": "standard then", "intention": "GENERAL"})
	env.read(t, zestie, chatID)
	agree := lemons.terms("AGREE", "deal")
	agree["jobId"] = jobID
	env.must(t, zestie, "negotiate", agree)
	env.read(t, lemo, chatID)
	env.must(t, lemo, "negotiate", agree)
	if err := env.Engine.Repo.UpdateJobItemTerms(env.Ctx, nil, jobID, domain.Terms{Quantity: 92233720368547758, PricePerUnit: 200, Requirements: "fresh"}); err != nil {
		t.Fatalf("update terms: %v", err)
	}
	env.read(t, lemo, chatID)
	env.fails(t, lemo, "pay", map[string]any{"jobId": jobID, "transactionHash": "0xabc", "message": "paying"}, engine.FailValidation)
	if got := env.balance(t, lemo); got != 10000 {
		t.Fatalf("client balance %s, want 100.00", got)
	}
	if job := env.job(t, jobID); job.EscrowAmount != 0 || job.TransactionHash != nil {
		t.Fatalf("escrow recorded: %+v", job)
	}
}

func TestDeliverRequiresMatchingItem(t *testing.T) {
	env := newTestEnv(t)
	jobID, chatID := env.toTransaction(t, lemons)
	env.pay(t, lemo, jobID, chatID)
	env.read(t, zestie, chatID)
	res := env.fails(t, zestie, "make_permit", map[string]any{"jobId": jobID}, engine.FailValidation)
	if !strings.HasPrefix(res.Message, "This job is not for") {
		t.Fatalf("unexpected reason %q", res.Message)
	}
	env.fails(t, zestie, "make_poster", map[string]any{"jobId": jobID}, engine.FailValidation)
	env.fails(t, zestie, "make_lemonade", map[string]any{"jobId": jobID}, engine.FailValidation)

	// a permit linked behind the engine's back is still refused
	stamp := "2024-01-01T00:00:00Z"
	permit := domain.Item{
		ID:        "item-permit-stray",
		AgentID:   zestie,
		Name:      "Business Permit",
		Metadata:  domain.ItemMetadata{ItemType: domain.ItemDigital},
		CreatedAt: stamp,
	}
	if err := env.Engine.Repo.InsertItem(env.Ctx, nil, permit); err != nil {
		t.Fatalf("insert item: %v", err)
	}
	invID, err := env.Engine.Repo.AddStock(env.Ctx, nil, zestie, permit.ID, 10, stamp)
	if err != nil {
		t.Fatalf("add stock: %v", err)
	}
	if err := env.Engine.Repo.LinkInventory(env.Ctx, nil, jobID, invID); err != nil {
		t.Fatalf("link: %v", err)
	}
	res = env.fails(t, zestie, "deliver", map[string]any{"jobId": jobID, "message": "here"}, engine.FailPrecondition)
	if !strings.Contains(res.Message, "does not match the job item") {
		t.Fatalf("unexpected reason %q", res.Message)
	}
	if got := env.job(t, jobID).Phase; got != domain.PhaseTransaction {
		t.Fatalf("expected TRANSACTION, got %s", got)
	}
	if got := env.balance(t, zestie); got != 10000 {
		t.Fatalf("provider paid for a mismatched item: %s", got)
	}
	if got := env.held(t, lemo, "Business Permit"); got != 0 {
		t.Fatalf("client received %d permits", got)
	}
}

func TestEvaluationSplit(t *testing.T) {
	env := newTestEnv(t)
	d := lemons
	d.evaluator = evaluator
	jobID, chatID := env.toTransaction(t, d)
	env.pay(t, lemo, jobID, chatID)
	env.read(t, zestie, chatID)
	env.must(t, zestie, "deliver", map[string]any{"jobId": jobID, "message": "for review"})
	if got := env.job(t, jobID).Phase; got != domain.PhaseEvaluation {
		t.Fatalf("expected EVALUATION, got %s", got)
	}
	if got := env.held(t, lemo, "Lemon"); got != 0 {
		t.Fatalf("client must not hold lemons before evaluation, has %d", got)
	}
	env.fails(t, evaluator, "evaluate_physical", map[string]any{"jobId": jobID, "message": "looks good"}, engine.FailPrecondition)
	env.read(t, evaluator, chatID)
	env.fails(t, evaluator, "evaluate_document", map[string]any{"jobId": jobID, "message": "looks good"}, engine.FailValidation)
	env.must(t, evaluator, "evaluate_physical", map[string]any{"jobId": jobID, "message": "looks good"})

	job := env.job(t, jobID)
	if job.Phase != domain.PhaseComplete || job.Metadata.Evaluation == nil || !job.Metadata.Evaluation.Passed {
		t.Fatalf("unexpected job %+v", job)
	}
	if got := env.balance(t, zestie); got != 10000+1900 {
		t.Fatalf("provider balance %s, want 119.00", got)
	}
	if got := env.balance(t, evaluator); got != 100 {
		t.Fatalf("evaluator balance %s, want 1.00", got)
	}
	if got := env.balance(t, lemo); got != 8000 {
		t.Fatalf("client balance %s, want 80.00", got)
	}
	if got := env.held(t, lemo, "Lemon"); got != 10 {
		t.Fatalf("client lemons %d, want 10", got)
	}
}

func TestEvaluationSplitTruncates(t *testing.T) {
	total := domain.Money(333)
	fee := total.Share(500)
	if fee != 16 || total-fee != 317 {
		t.Fatalf("split of 3.33: fee %s provider %s", fee, total-fee)
	}
}

func TestEvaluationFailureRefunds(t *testing.T) {
	for _, refund := range []bool{true, false} {
		cfg := config.Default()
		cfg.Market.RefundOnFail = &refund
		env := newTestEnvWithConfig(t, cfg)
		env.Engine.Inspector = oracle.ThresholdJudge{Threshold: 0.95, Rand: func() float64 { return 0.99 }}
		d := lemons
		d.evaluator = evaluator
		jobID, chatID := env.toTransaction(t, d)
		env.pay(t, lemo, jobID, chatID)
		env.read(t, zestie, chatID)
		env.must(t, zestie, "deliver", map[string]any{"jobId": jobID, "message": "for review"})
		env.read(t, evaluator, chatID)
		res := env.must(t, evaluator, "evaluate_physical", map[string]any{"jobId": jobID, "message": "bruised"})
		if res.Message != "Physical evaluation failed" {
			t.Fatalf("unexpected message %q", res.Message)
		}
		job := env.job(t, jobID)
		if job.Phase != domain.PhaseRejected || job.Metadata.Evaluation.Passed || job.Metadata.Evaluation.Refunded != refund {
			t.Fatalf("unexpected job %+v", job.Metadata.Evaluation)
		}
		want := domain.Money(8000)
		if refund {
			want = 10000
		}
		if got := env.balance(t, lemo); got != want {
			t.Fatalf("refund=%v: client balance %s, want %s", refund, got, want)
		}
		if got := env.balance(t, zestie); got != 10000 {
			t.Fatalf("provider must not be paid, has %s", got)
		}
		if got := env.held(t, zestie, "Lemon"); got != 20 {
			t.Fatalf("provider keeps the goods, has %d", got)
		}
		p, _ := env.Engine.Repo.GetProvider(env.Ctx, nil, zestie)
		if p.TotalRejectedJobs != 1 {
			t.Fatalf("rejected jobs %d", p.TotalRejectedJobs)
		}
	}
}

func TestEvaluatorMustAcceptFirst(t *testing.T) {
	env := newTestEnv(t)
	d := lemons
	d.evaluator = evaluator
	jobID, chatID := env.request(t, d)
	env.read(t, evaluator, chatID)
	res := env.fails(t, evaluator, "evaluate_physical", map[string]any{"jobId": jobID, "message": "hm"}, engine.FailState)
	if !strings.Contains(res.Message, "waiting for your initial acceptance") {
		t.Fatalf("unexpected reason %q", res.Message)
	}
}

func TestPermitJob(t *testing.T) {
	env := newTestEnv(t)
	d := deal{client: lemo, provider: lexie, evaluator: evaluator, item: "Permit", quantity: 1, price: "10", requirements: "lemonade stand"}
	jobID, chatID := env.toTransaction(t, d)
	env.fails(t, lemo, "make_permit", map[string]any{"jobId": jobID}, engine.FailAuthorization)
	res := env.must(t, lexie, "make_permit", map[string]any{"jobId": jobID})
	if res.Message != "Successfully created 1 business permit(s)" || res.Metadata["permitId"] != "item-permit-"+jobID {
		t.Fatalf("unexpected result %+v", res)
	}
	env.fails(t, lexie, "make_permit", map[string]any{"jobId": jobID}, engine.FailState)
	env.pay(t, lemo, jobID, chatID)
	env.read(t, lexie, chatID)
	env.must(t, lexie, "deliver", map[string]any{"jobId": jobID, "message": "your permit"})
	env.read(t, evaluator, chatID)
	env.must(t, evaluator, "evaluate_document", map[string]any{"jobId": jobID, "message": "valid"})
	if got := env.held(t, lemo, "Business Permit"); got != 1 {
		t.Fatalf("client permits %d", got)
	}
}

func TestPosterJob(t *testing.T) {
	env := newTestEnv(t)
	d := deal{client: lemo, provider: pixie, evaluator: evaluator, item: "Poster", quantity: 1, price: "10", requirements: "yellow lemonade poster"}
	jobID, chatID := env.toTransaction(t, d)
	res := env.must(t, pixie, "make_poster", map[string]any{"jobId": jobID, "requirements": "bright yellow"})
	url, _ := res.Metadata["url"].(string)
	if !strings.HasPrefix(url, "file://") || !strings.HasSuffix(url, "/poster.png") {
		t.Fatalf("unexpected poster url %q", url)
	}
	env.pay(t, lemo, jobID, chatID)
	env.read(t, pixie, chatID)
	env.must(t, pixie, "deliver", map[string]any{"jobId": jobID, "message": "poster attached"})
	env.read(t, evaluator, chatID)
	env.fails(t, evaluator, "evaluate_physical", map[string]any{"jobId": jobID, "message": "ok"}, engine.FailValidation)
	env.must(t, evaluator, "evaluate_poster", map[string]any{"jobId": jobID, "message": "ok"})
	inv, _ := env.Engine.Repo.ListInventory(env.Ctx, nil, lemo)
	found := false
	for _, e := range inv {
		if e.Name == "Marketing Poster" && e.Metadata.URL == url {
			found = true
		}
	}
	if !found {
		t.Fatalf("client did not receive the poster: %+v", inv)
	}
}

func TestLemonadeProduction(t *testing.T) {
	env := newTestEnv(t)
	d := deal{client: zestie, provider: lemo, item: "Lemonade", quantity: 2, price: "5", requirements: "cold"}
	jobID, chatID := env.toTransaction(t, d)
	res := env.fails(t, lemo, "make_lemonade", map[string]any{"jobId": jobID}, engine.FailPrecondition)
	if !strings.HasPrefix(res.Message, "Not enough lemons") {
		t.Fatalf("unexpected reason %q", res.Message)
	}
	env.fails(t, lemo, "harvest_lemons", map[string]any{"quantity": 0}, engine.FailValidation)
	env.must(t, lemo, "harvest_lemons", map[string]any{"quantity": "5"})
	env.must(t, lemo, "make_lemonade", map[string]any{"jobId": jobID})
	if got := env.held(t, lemo, "Lemon"); got != 1 {
		t.Fatalf("lemons left %d, want 1", got)
	}
	env.pay(t, zestie, jobID, chatID)
	env.read(t, lemo, chatID)
	env.must(t, lemo, "deliver", map[string]any{"jobId": jobID, "message": "enjoy"})
	if got := env.held(t, zestie, "Lemonade"); got != 2 {
		t.Fatalf("client lemonade %d, want 2", got)
	}
}

func TestJobExpiry(t *testing.T) {
	cfg := config.Default()
	cfg.Market.JobTTL = "1h"
	env := newTestEnvWithConfig(t, cfg)
	jobID, chatID := env.request(t, lemons)
	if env.job(t, jobID).ExpiredAt == nil {
		t.Fatalf("expected expiry to be stamped")
	}
	env.read(t, zestie, chatID)
	env.Clock.Advance(2 * time.Hour)
	res := env.fails(t, zestie, "accept", map[string]any{"jobId": jobID, "message": "late"}, engine.FailState)
	if res.Message != "Job has expired" {
		t.Fatalf("unexpected reason %q", res.Message)
	}
}

func TestConcurrentPayChargesOnce(t *testing.T) {
	env := newTestEnv(t)
	jobID, chatID := env.toTransaction(t, lemons)
	env.read(t, lemo, chatID)
	var wg sync.WaitGroup
	results := make([]engine.Result, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, _ := json.Marshal(map[string]any{"jobId": jobID, "transactionHash": "0xabc", "message": "paid"})
			results[i] = env.Engine.Dispatch(env.Ctx, lemo, "pay", raw)
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one payment, got %d: %+v", ok, results)
	}
	if got := env.balance(t, lemo); got != 8000 {
		t.Fatalf("client balance %s, want 80.00", got)
	}
}

func TestConcurrentHarvest(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.Engine.Dispatch(env.Ctx, zestie, "harvest_lemons", json.RawMessage(`{"quantity":1}`))
		}()
	}
	wg.Wait()
	if got := env.held(t, zestie, "Lemon"); got != 28 {
		t.Fatalf("lemons %d, want 28", got)
	}
}

func TestStaleJobVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	jobID, _ := env.request(t, lemons)
	job := env.job(t, jobID)
	if _, err := env.Engine.Repo.UpdateJob(env.Ctx, nil, job); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := env.Engine.Repo.UpdateJob(env.Ctx, nil, job); err != repo.ErrConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDispatchBoundary(t *testing.T) {
	env := newTestEnv(t)
	res := env.Engine.Dispatch(env.Ctx, lemo, "fly", nil)
	if res.OK() || res.Kind != string(engine.FailValidation) {
		t.Fatalf("unknown action: %+v", res)
	}
	res = env.Engine.Dispatch(env.Ctx, "agent-ghost", "find", nil)
	if res.OK() || res.Kind != string(engine.FailNotFound) {
		t.Fatalf("unknown agent: %+v", res)
	}
	res = env.Engine.Dispatch(env.Ctx, lemo, "request", json.RawMessage(`{"quantity":`))
	if res.OK() || res.Kind != string(engine.FailValidation) {
		t.Fatalf("bad json: %+v", res)
	}
	res = env.must(t, lemo, "find", nil)
	providers := res.Metadata["providers"].([]engine.ProviderListing)
	for _, p := range providers {
		if p.AgentID == lemo {
			t.Fatalf("find must exclude the caller")
		}
	}
	if len(providers) != 4 {
		t.Fatalf("expected 4 providers, got %d", len(providers))
	}
	counts := env.Engine.Metrics.Snapshot()
	if len(counts) == 0 {
		t.Fatalf("expected action counters")
	}
	env.Engine.Dispatch(env.Ctx, lemo, "teleport", nil)
	for _, c := range env.Engine.Metrics.Snapshot() {
		if c.Action == "fly" || c.Action == "teleport" {
			t.Fatalf("unknown action counted under its own name: %+v", c)
		}
		if c.Action == "unknown" && c.Count != 2 {
			t.Fatalf("unknown actions counted %d times, want 2", c.Count)
		}
	}
}

func TestDispatchRecoversFromPanics(t *testing.T) {
	var e engine.Engine
	res := e.Dispatch(context.Background(), lemo, "harvest_lemons", json.RawMessage(`{"quantity":1}`))
	if res.OK() || res.Kind != string(engine.FailInfrastructure) {
		t.Fatalf("expected infrastructure failure, got %+v", res)
	}
}

func TestEngineWithoutConfig(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config = nil
	env.Engine.Inspector = nil
	d := lemons
	d.evaluator = evaluator
	jobID, chatID := env.toTransaction(t, d)
	if env.job(t, jobID).ExpiredAt != nil {
		t.Fatalf("jobs must not expire without a configured ttl")
	}
	env.pay(t, lemo, jobID, chatID)
	env.read(t, zestie, chatID)
	env.must(t, zestie, "deliver", map[string]any{"jobId": jobID, "message": "for review"})
	env.read(t, evaluator, chatID)
	env.must(t, evaluator, "evaluate_physical", map[string]any{"jobId": jobID, "message": "checked"})
	phase := env.job(t, jobID).Phase
	if phase != domain.PhaseComplete && phase != domain.PhaseRejected {
		t.Fatalf("expected a settled job, got %s", phase)
	}
}

func TestAgentState(t *testing.T) {
	env := newTestEnv(t)
	jobID, chatID := env.request(t, lemons)
	st, err := env.Engine.State(env.Ctx, zestie)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Wallet.Balance != 10000 || st.Wallet.Address != "0x456" {
		t.Fatalf("unexpected wallet %+v", st.Wallet)
	}
	if len(st.Jobs) != 1 || st.Jobs[0].ID != jobID || st.Jobs[0].Role != domain.RoleProvider || st.Jobs[0].CounterpartID != lemo {
		t.Fatalf("unexpected jobs %+v", st.Jobs)
	}
	if len(st.Chats) != 1 || st.Chats[0].Notification != engine.NotifyUnread {
		t.Fatalf("expected unread notification, got %+v", st.Chats)
	}
	env.read(t, zestie, chatID)
	st, _ = env.Engine.State(env.Ctx, zestie)
	if st.Chats[0].Notification != engine.NotifyNone {
		t.Fatalf("expected no notification after read, got %+v", st.Chats[0])
	}
	if len(st.Inventory) != 1 || st.Inventory[0].Quantity != 20 {
		t.Fatalf("unexpected inventory %+v", st.Inventory)
	}
}
