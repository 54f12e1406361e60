package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flashoffer-dispatch/internal/apperror"
	"flashoffer-dispatch/internal/gateway"
	"flashoffer-dispatch/internal/models"
)

// Failure codes that do not come from the gateway.
const (
	CodeNoActiveToken   = "NO_ACTIVE_TOKEN"
	CodeGatewayRejected = "GATEWAY_REJECTED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeTimeout         = "TIMEOUT"
)

// TokenStore loads device tokens.
type TokenStore interface {
	GetActiveTokens(ctx context.Context, userIDs []string) ([]models.DeviceToken, error)
}

// Config bounds batching, concurrency and retries.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	Backoff      time.Duration
	MaxBackoff   time.Duration
	Concurrency  int
}

// DefaultConfig is a 500 token batch, 5s per call, two retries from 200ms.
func DefaultConfig() Config {
	return Config{
		BatchSize:    gateway.MaxBatchSize,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   2,
		Backoff:      200 * time.Millisecond,
		MaxBackoff:   2 * time.Second,
		Concurrency:  4,
	}
}

// Report is the outcome of a dispatch counted per recipient user. A user is
// sent when any of their tokens was delivered and failed otherwise, so
// Sent+Failed == Targeted.
type Report struct {
	Targeted int
	Sent     int
	Failed   int
	// FailureCodes counts failed users by the code that failed them.
	FailureCodes map[string]int
	// TerminalTokenIDs are tokens the gateway reported permanently invalid.
	TerminalTokenIDs []string
	Batches          []models.BatchPlan
	// GatewayCalls counts every attempt, including ones that never reached
	// the gateway. Receipts counts calls answered with per-token results.
	GatewayCalls int
	Receipts     int
}

// Errors renders FailureCodes as caller facing messages. Token values are
// never included.
func (r Report) Errors() []string {
	codes := make([]string, 0, len(r.FailureCodes))
	for code := range r.FailureCodes {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	out := make([]string, 0, len(codes))
	for _, code := range codes {
		n := r.FailureCodes[code]
		if code == CodeNoActiveToken {
			verb := "have"
			if n == 1 {
				verb = "has"
			}
			out = append(out, fmt.Sprintf("%d %s %s no active device token", n, plural(n), verb))
			continue
		}
		out = append(out, fmt.Sprintf("%d %s failed: %s", n, plural(n), code))
	}
	return out
}

func plural(n int) string {
	if n == 1 {
		return "recipient"
	}
	return "recipients"
}

// Dispatcher sends an offer to the push gateway.
type Dispatcher struct {
	tokens TokenStore
	sender gateway.Sender
	cfg    Config
	log    *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

func New(tokens TokenStore, sender gateway.Sender, cfg Config, log *zap.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 || cfg.BatchSize > gateway.MaxBatchSize {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff * 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{tokens: tokens, sender: sender, cfg: cfg, log: log, sleep: sleepCtx}
}

// group maps platform to the distinct token strings of that platform, and
// each token string to the rows that carry it.
type group struct {
	platform models.Platform
	tokens   []string
	rows     map[string][]models.DeviceToken
}

func (d *Dispatcher) load(ctx context.Context, userIDs []string) ([]group, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	tokens, err := d.tokens.GetActiveTokens(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load device tokens: %w", err)
	}

	byPlatform := make(map[models.Platform]*group)
	for _, t := range tokens {
		g, ok := byPlatform[t.Platform]
		if !ok {
			g = &group{platform: t.Platform, rows: make(map[string][]models.DeviceToken)}
			byPlatform[t.Platform] = g
		}
		if _, seen := g.rows[t.Token]; !seen {
			g.tokens = append(g.tokens, t.Token)
		}
		g.rows[t.Token] = append(g.rows[t.Token], t)
	}

	groups := make([]group, 0, len(byPlatform))
	for _, g := range byPlatform {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].platform < groups[j].platform })
	return groups, nil
}

func (d *Dispatcher) plan(groups []group) []models.BatchPlan {
	plans := make([]models.BatchPlan, 0, len(groups))
	for _, g := range groups {
		plans = append(plans, models.BatchPlan{
			Platform:   g.platform,
			Batches:    (len(g.tokens) + d.cfg.BatchSize - 1) / d.cfg.BatchSize,
			TokenCount: len(g.tokens),
		})
	}
	return plans
}

// Plan computes the batch plan for a dry run. Nothing is sent and every
// targeted user is reported as sent.
func (d *Dispatcher) Plan(ctx context.Context, userIDs []string) (Report, error) {
	groups, err := d.load(ctx, userIDs)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Targeted:     len(userIDs),
		Sent:         len(userIDs),
		FailureCodes: map[string]int{},
		Batches:      d.plan(groups),
	}, nil
}

// tokenOutcome is the final state of one token string.
type tokenOutcome struct {
	outcome gateway.Outcome
	code    string
}

// Dispatch sends msg to every active token of userIDs. Partial delivery is a
// normal outcome; an error is returned only when tokens cannot be loaded.
func (d *Dispatcher) Dispatch(ctx context.Context, userIDs []string, msg gateway.Message) (Report, error) {
	groups, err := d.load(ctx, userIDs)
	if err != nil {
		return Report{}, err
	}

	var (
		mu       sync.Mutex
		outcomes = make(map[models.Platform]map[string]tokenOutcome, len(groups))
		calls    int
		receipts int
	)
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Concurrency)

	for _, grp := range groups {
		outcomes[grp.platform] = make(map[string]tokenOutcome, len(grp.tokens))
		for start, n := 0, 0; start < len(grp.tokens); start, n = start+d.cfg.BatchSize, n+1 {
			end := start + d.cfg.BatchSize
			if end > len(grp.tokens) {
				end = len(grp.tokens)
			}
			batch := grp.tokens[start:end]
			platform := grp.platform
			batchNo := n

			g.Go(func() error {
				res, attempts, answered := d.sendBatch(ctx, platform, batchNo, batch, msg)
				mu.Lock()
				for tok, o := range res {
					outcomes[platform][tok] = o
				}
				calls += attempts
				receipts += answered
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	report := d.aggregate(userIDs, groups, outcomes)
	report.Batches = d.plan(groups)
	report.GatewayCalls = calls
	report.Receipts = receipts
	return report, nil
}

// sendBatch delivers one batch, retrying transient failures. It returns the
// final outcome of every token, the number of gateway calls made and how many
// of them returned per-token results.
func (d *Dispatcher) sendBatch(ctx context.Context, platform models.Platform, batchNo int, batch []string, msg gateway.Message) (map[string]tokenOutcome, int, int) {
	out := make(map[string]tokenOutcome, len(batch))
	pending := batch
	lastCode := make(map[string]string, len(batch))
	calls, receipts := 0, 0
	log := d.log.With(zap.String("platform", string(platform)), zap.Int("batch", batchNo))

	for attempt := 0; attempt <= d.cfg.MaxRetries && len(pending) > 0; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
				break
			}
		}

		bctx, cancel := context.WithTimeout(ctx, d.cfg.BatchTimeout)
		results, err := d.sender.SendMulticast(bctx, platform, pending, msg)
		cancel()
		calls++

		if err != nil {
			if !apperror.IsTransient(err) {
				log.Warn("gateway rejected batch", zap.Int("attempt", attempt), zap.Int("tokens", len(pending)), zap.Error(err))
				for _, tok := range pending {
					out[tok] = tokenOutcome{outcome: gateway.OutcomeTransient, code: CodeGatewayRejected}
				}
				return out, calls, receipts
			}
			log.Warn("gateway batch failed", zap.Int("attempt", attempt), zap.Int("tokens", len(pending)), zap.Error(err))
			for _, tok := range pending {
				lastCode[tok] = CodeUnavailable
			}
			continue
		}

		receipts++
		var retry []string
		for _, r := range results {
			switch gateway.Classify(r) {
			case gateway.OutcomeDelivered:
				out[r.Token] = tokenOutcome{outcome: gateway.OutcomeDelivered}
			case gateway.OutcomeTerminal:
				out[r.Token] = tokenOutcome{outcome: gateway.OutcomeTerminal, code: r.Code}
			default:
				lastCode[r.Token] = codeOr(r.Code, CodeUnavailable)
				retry = append(retry, r.Token)
			}
		}
		pending = retry
	}

	exhausted := CodeUnavailable
	if ctx.Err() != nil {
		exhausted = CodeTimeout
	}
	for _, tok := range pending {
		out[tok] = tokenOutcome{outcome: gateway.OutcomeTransient, code: codeOr(lastCode[tok], exhausted)}
	}
	if len(pending) > 0 {
		log.Info("tokens failed after retries", zap.Int("tokens", len(pending)))
	}
	return out, calls, receipts
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.Backoff << (attempt - 1)
	if b > d.cfg.MaxBackoff || b <= 0 {
		return d.cfg.MaxBackoff
	}
	return b
}

func (d *Dispatcher) aggregate(userIDs []string, groups []group, outcomes map[models.Platform]map[string]tokenOutcome) Report {
	type userState struct {
		delivered bool
		code      string
	}
	users := make(map[string]*userState, len(userIDs))
	for _, id := range userIDs {
		users[id] = &userState{}
	}

	report := Report{Targeted: len(userIDs), FailureCodes: make(map[string]int)}

	for _, grp := range groups {
		for tok, rows := range grp.rows {
			o, ok := outcomes[grp.platform][tok]
			if !ok {
				o = tokenOutcome{outcome: gateway.OutcomeTransient, code: CodeUnavailable}
			}
			for _, row := range rows {
				if o.outcome == gateway.OutcomeTerminal {
					report.TerminalTokenIDs = append(report.TerminalTokenIDs, row.ID)
				}
				st, ok := users[row.UserID]
				if !ok {
					continue
				}
				if o.outcome == gateway.OutcomeDelivered {
					st.delivered = true
					continue
				}
				// A transient code says more about the user than a dead token.
				if st.code == "" || o.outcome == gateway.OutcomeTransient {
					st.code = o.code
				}
			}
		}
	}

	for _, st := range users {
		switch {
		case st.delivered:
			report.Sent++
		case st.code == "":
			report.Failed++
			report.FailureCodes[CodeNoActiveToken]++
		default:
			report.Failed++
			report.FailureCodes[st.code]++
		}
	}
	sort.Strings(report.TerminalTokenIDs)
	return report
}

func codeOr(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
