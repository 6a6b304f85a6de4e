// Package twap executes Time-Weighted-Average-Price runs: a total
// quantity is split into chunks that are placed sequentially over a
// duration by a dedicated background goroutine per run.
package twap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/alerting"
	"github.com/tathienbao/exec-bot/internal/gateway"
	"github.com/tathienbao/exec-bot/internal/metrics"
	"github.com/tathienbao/exec-bot/internal/normalize"
	"github.com/tathienbao/exec-bot/internal/types"
)

// Config describes one TWAP run.
type Config struct {
	Symbol        string
	Side          types.Side
	TotalQuantity decimal.Decimal
	Duration      time.Duration
	// NumOrders is the chunk count. When zero it defaults to one chunk
	// per minute of duration, clamped to [2, 20].
	NumOrders int
	OrderType types.OrderType // MARKET or LIMIT
	// LimitPrice is required for LIMIT chunks.
	LimitPrice decimal.Decimal
	// MaxPriceDeviation is the fractional move from the initial reference
	// price that triggers a PRICE_DEVIATION event (0.01 = 1%). Zero
	// disables the monitor.
	MaxPriceDeviation decimal.Decimal
	OnEvent           types.Callback
}

// Snapshot is a caller-facing copy of a run's state.
type Snapshot struct {
	ID               string
	Symbol           string
	Side             types.Side
	TotalQuantity    decimal.Decimal
	Chunks           []decimal.Decimal
	ExecutedQuantity decimal.Decimal
	Interval         time.Duration
	StartTime        time.Time
	EndTime          time.Time
	Orders           []types.OrderHandle
	Status           types.RunStatus
	TWAPPrice        decimal.Decimal
}

// run is the loop-owned record for one TWAP execution. Only the run's
// goroutine writes the mutable section; snapshot readers take the lock.
type run struct {
	id       string
	cfg      Config
	rules    types.SymbolRules
	chunks   []decimal.Decimal
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	status      types.RunStatus
	executedQty decimal.Decimal
	fillValue   decimal.Decimal
	fillQty     decimal.Decimal
	orders      []types.OrderHandle
	startTime   time.Time
	endTime     time.Time
	twapPrice   decimal.Decimal
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *run) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Scheduler owns all TWAP runs. Each run executes on its own goroutine;
// the scheduler only hands out IDs, snapshots and stop signals.
type Scheduler struct {
	gw       gateway.Gateway
	alerter  alerting.Alerter
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup

	now func() time.Time
}

// NewScheduler creates a new TWAP scheduler. alerter may be nil.
func NewScheduler(gw gateway.Gateway, alerter alerting.Alerter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		gw:       gw,
		alerter:  alerter,
		logger:   logger.With("module", "twap"),
		recorder: metrics.NewRecorder(),
		runs:     make(map[string]*run),
		now:      time.Now,
	}
}

// Start validates the config, computes the chunk plan and launches the
// run's background goroutine. Returns the run ID.
func (s *Scheduler) Start(ctx context.Context, cfg Config) (string, error) {
	const op = "twap.Start"

	if !cfg.Side.Valid() {
		return "", types.Validationf(op, "invalid side %q", cfg.Side)
	}
	if cfg.Duration <= 0 {
		return "", types.Validationf(op, "duration must be positive")
	}
	if cfg.OrderType != types.OrderTypeMarket && cfg.OrderType != types.OrderTypeLimit {
		return "", types.Validationf(op, "order type must be MARKET or LIMIT, got %q", cfg.OrderType)
	}
	if cfg.MaxPriceDeviation.IsNegative() {
		return "", types.Validationf(op, "max price deviation must not be negative")
	}

	rules, err := gateway.Rules(ctx, s.gw, cfg.Symbol)
	if err != nil {
		return "", err
	}
	if err := normalize.ValidateQuantity(rules, cfg.TotalQuantity); err != nil {
		return "", err
	}
	if cfg.OrderType == types.OrderTypeLimit {
		if cfg.LimitPrice.IsZero() {
			return "", types.Validationf(op, "limit price required for LIMIT chunks")
		}
		if err := normalize.ValidatePrice(rules, cfg.LimitPrice); err != nil {
			return "", err
		}
	}

	numOrders := cfg.NumOrders
	if numOrders == 0 {
		numOrders = defaultChunkCount(cfg.Duration)
	}
	if numOrders < 1 {
		return "", types.Validationf(op, "chunk count must be at least 1, got %d", numOrders)
	}

	chunks, err := SplitQuantity(cfg.TotalQuantity, numOrders, rules)
	if err != nil {
		return "", err
	}

	r := &run{
		id:       fmt.Sprintf("TWAP_%s_%d", cfg.Symbol, s.now().Unix()),
		cfg:      cfg,
		rules:    rules,
		chunks:   chunks,
		interval: cfg.Duration / time.Duration(len(chunks)),
		stopCh:   make(chan struct{}),
		status:   types.RunStatusActive,
	}

	s.mu.Lock()
	if _, exists := s.runs[r.id]; exists {
		// Two runs for the same symbol within one second; disambiguate.
		r.id = fmt.Sprintf("%s_%d", r.id, len(s.runs))
	}
	s.runs[r.id] = r
	s.mu.Unlock()

	s.logger.Info("starting TWAP run",
		"run_id", r.id,
		"symbol", cfg.Symbol,
		"side", cfg.Side,
		"total_quantity", cfg.TotalQuantity,
		"chunks", len(chunks),
		"interval", r.interval,
	)
	s.recorder.RecordRunStarted("twap")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, r)
	}()

	return r.id, nil
}

// Stop requests a cooperative stop. The flag is observed before the next
// chunk placement; resting chunk orders are left untouched. Returns
// false for unknown or already-terminal runs.
func (s *Scheduler) Stop(runID string) bool {
	s.mu.Lock()
	r, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		s.logger.Error("TWAP run not found", "run_id", runID)
		return false
	}

	r.mu.Lock()
	terminal := r.status.IsTerminal()
	r.mu.Unlock()
	if terminal {
		return false
	}

	r.requestStop()
	s.logger.Info("TWAP run stop requested", "run_id", runID)
	return true
}

// Status returns a snapshot of the run, or false if the ID is unknown.
func (s *Scheduler) Status(runID string) (*Snapshot, bool) {
	s.mu.Lock()
	r, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &Snapshot{
		ID:               r.id,
		Symbol:           r.cfg.Symbol,
		Side:             r.cfg.Side,
		TotalQuantity:    r.cfg.TotalQuantity,
		Chunks:           append([]decimal.Decimal(nil), r.chunks...),
		ExecutedQuantity: r.executedQty,
		Interval:         r.interval,
		StartTime:        r.startTime,
		EndTime:          r.endTime,
		Orders:           append([]types.OrderHandle(nil), r.orders...),
		Status:           r.status,
		TWAPPrice:        r.twapPrice,
	}
	return snap, true
}

// ActiveRuns lists the IDs of runs that have not reached a terminal state.
func (s *Scheduler) ActiveRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, r := range s.runs {
		r.mu.Lock()
		active := r.status == types.RunStatusActive
		r.mu.Unlock()
		if active {
			ids = append(ids, id)
		}
	}
	return ids
}

// StopAll requests a stop for every active run.
func (s *Scheduler) StopAll() {
	for _, id := range s.ActiveRuns() {
		s.Stop(id)
	}
}

// Wait blocks until all run goroutines have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// execute is the run's background loop: one chunk per interval,
// strictly sequential, best-effort on per-chunk failures.
func (s *Scheduler) execute(ctx context.Context, r *run) {
	logger := s.logger.With("run_id", r.id, "symbol", r.cfg.Symbol)

	r.mu.Lock()
	r.startTime = s.now()
	r.mu.Unlock()

	initialPrice, err := s.gw.GetCurrentPrice(ctx, r.cfg.Symbol)
	if err != nil {
		logger.Error("cannot get initial reference price", "err", err)
		s.finish(ctx, r, types.RunStatusError)
		return
	}

	stopped := false
	for i, chunkQty := range r.chunks {
		if r.stopRequested() || ctx.Err() != nil {
			logger.Info("TWAP run stopped", "chunks_done", i)
			stopped = true
			break
		}

		currentPrice, err := s.gw.GetCurrentPrice(ctx, r.cfg.Symbol)
		if err != nil {
			logger.Error("cannot get current price for chunk", "chunk", i+1, "err", err)
			s.recorder.RecordError(types.KindGateway.String())
			continue
		}

		s.checkDeviation(r, initialPrice, currentPrice)

		handle, err := s.placeChunk(ctx, r, chunkQty)
		if err != nil {
			logger.Error("failed to place chunk",
				"chunk", i+1, "quantity", chunkQty, "err", err)
			s.recorder.RecordOrder("twap", r.cfg.Symbol, string(r.cfg.Side), "failed")
			s.recorder.RecordError(types.KindGateway.String())
			continue
		}
		s.recorder.RecordOrder("twap", r.cfg.Symbol, string(r.cfg.Side), "placed")
		s.recorder.RecordChunk(r.cfg.Symbol)

		executed := handle.ExecutedQty
		if executed.IsZero() {
			// Resting limit chunk: count the intent, fills come later.
			executed = chunkQty
		}

		r.mu.Lock()
		r.orders = append(r.orders, *handle)
		r.executedQty = r.executedQty.Add(executed)
		if handle.ExecutedQty.IsPositive() && handle.AvgFillPrice.IsPositive() {
			r.fillValue = r.fillValue.Add(handle.ExecutedQty.Mul(handle.AvgFillPrice))
			r.fillQty = r.fillQty.Add(handle.ExecutedQty)
		}
		avgPrice := decimal.Zero
		if r.fillQty.IsPositive() {
			avgPrice = r.fillValue.Div(r.fillQty)
		}
		totalExecuted := r.executedQty
		r.mu.Unlock()

		logger.Info("TWAP chunk executed",
			"chunk", i+1,
			"chunks", len(r.chunks),
			"quantity", executed,
			"order_id", handle.OrderID,
		)

		s.emit(r, types.EventChunkCompleted, types.ChunkCompletedPayload{
			ChunkNumber:   i + 1,
			ChunkCount:    len(r.chunks),
			ChunkQuantity: executed,
			TotalExecuted: totalExecuted,
			AveragePrice:  avgPrice,
		})

		if i < len(r.chunks)-1 {
			if !s.sleep(ctx, r) {
				// Stop or cancellation during the interval; the flag is
				// re-checked at the top of the loop.
				continue
			}
		}
	}

	if stopped {
		s.finish(ctx, r, types.RunStatusStopped)
		return
	}

	s.finish(ctx, r, types.RunStatusCompleted)
}

// sleep waits one interval, returning early (false) on stop or context
// cancellation.
func (s *Scheduler) sleep(ctx context.Context, r *run) bool {
	timer := time.NewTimer(r.interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// checkDeviation emits a PRICE_DEVIATION event when the market has moved
// further from the reference price than the configured limit. The run is
// never paused or aborted for it.
func (s *Scheduler) checkDeviation(r *run, initial, current decimal.Decimal) {
	if !r.cfg.MaxPriceDeviation.IsPositive() || !initial.IsPositive() {
		return
	}
	deviation := current.Sub(initial).Abs().Div(initial)
	if deviation.LessThanOrEqual(r.cfg.MaxPriceDeviation) {
		return
	}

	s.logger.Warn("price deviation exceeds limit",
		"run_id", r.id,
		"initial_price", initial,
		"current_price", current,
		"deviation", deviation,
	)
	s.recorder.RecordPriceDeviation(r.cfg.Symbol)
	s.emit(r, types.EventPriceDeviation, types.PriceDeviationPayload{
		CurrentPrice: current,
		InitialPrice: initial,
		Deviation:    deviation,
	})
}

func (s *Scheduler) placeChunk(ctx context.Context, r *run, qty decimal.Decimal) (*types.OrderHandle, error) {
	req := gateway.OrderRequest{
		Symbol:   r.cfg.Symbol,
		Side:     r.cfg.Side,
		Type:     r.cfg.OrderType,
		Quantity: qty,
	}
	if r.cfg.OrderType == types.OrderTypeLimit {
		req.Price = r.cfg.LimitPrice
		req.TimeInForce = types.TimeInForceGTC
	}
	return s.gw.PlaceOrder(ctx, req)
}

// finish moves the run to its terminal status and emits the completion
// event for normal exits. Terminal status is written exactly once.
func (s *Scheduler) finish(ctx context.Context, r *run, status types.RunStatus) {
	r.mu.Lock()
	if r.status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	r.status = status
	r.endTime = s.now()
	if r.fillQty.IsPositive() {
		r.twapPrice = r.fillValue.Div(r.fillQty)
	}
	totalExecuted := r.executedQty
	twapPrice := r.twapPrice
	duration := r.endTime.Sub(r.startTime)
	r.mu.Unlock()

	s.recorder.RecordRunFinished("twap")
	s.logger.Info("TWAP run finished",
		"run_id", r.id,
		"status", status,
		"total_executed", totalExecuted,
		"twap_price", twapPrice,
	)

	if status == types.RunStatusCompleted {
		s.emit(r, types.EventCompleted, types.CompletedPayload{
			TotalExecuted: totalExecuted,
			TWAPPrice:     twapPrice,
			Duration:      duration,
		})
	}

	if s.alerter != nil {
		severity := alerting.SeverityInfo
		if status == types.RunStatusError {
			severity = alerting.SeverityCritical
		}
		if err := s.alerter.Alert(ctx, severity, "TWAP run finished",
			"run_id", r.id,
			"status", string(status),
			"total_executed", totalExecuted.String(),
		); err != nil {
			s.logger.Warn("failed to send TWAP alert", "err", err)
		}
	}
}

// emit invokes the run's callback synchronously on the run goroutine.
func (s *Scheduler) emit(r *run, kind types.EventKind, payload any) {
	if r.cfg.OnEvent != nil {
		r.cfg.OnEvent(r.id, kind, payload)
	}
}

// defaultChunkCount is one chunk per minute, clamped to [2, 20].
func defaultChunkCount(d time.Duration) int {
	n := int(d.Minutes())
	if n < 2 {
		return 2
	}
	if n > 20 {
		return 20
	}
	return n
}

// SplitQuantity splits total into n chunks honoring the symbol's lot
// rules: the first n-1 chunks are the base size rounded down to the step
// (raised to minQty when needed); the final chunk absorbs the remainder
// rounded down to the step, and is folded into the previous chunk when
// the rounded remainder would be a dust order below minQty.
func SplitQuantity(total decimal.Decimal, n int, rules types.SymbolRules) ([]decimal.Decimal, error) {
	const op = "twap.SplitQuantity"

	if n < 1 {
		return nil, types.Validationf(op, "chunk count must be at least 1, got %d", n)
	}
	if !rules.StepSize.IsPositive() {
		return nil, types.Validationf(op, "symbol %s has no step size", rules.Symbol)
	}

	base := total.Div(decimal.NewFromInt(int64(n)))
	chunks := make([]decimal.Decimal, 0, n)
	remaining := total

	for i := 0; i < n-1; i++ {
		chunk := normalize.RoundDownToStep(base, decimal.Zero, rules.StepSize)
		if chunk.LessThan(rules.MinQty) {
			chunk = rules.MinQty
		}
		if remaining.Sub(chunk).LessThan(rules.MinQty) {
			return nil, types.Validationf(op, "total quantity %s too small to split into %d chunks of at least %s",
				total, n, rules.MinQty)
		}
		chunks = append(chunks, chunk)
		remaining = remaining.Sub(chunk)
	}

	last := normalize.RoundDownToStep(remaining, decimal.Zero, rules.StepSize)
	if last.GreaterThanOrEqual(rules.MinQty) {
		dust := remaining.Sub(last)
		chunks = append(chunks, last)
		if dust.IsPositive() && len(chunks) > 1 {
			chunks[len(chunks)-2] = chunks[len(chunks)-2].Add(dust)
		} else if dust.IsPositive() {
			chunks[0] = chunks[0].Add(dust)
		}
	} else if len(chunks) > 0 {
		chunks[len(chunks)-1] = chunks[len(chunks)-1].Add(remaining)
	} else {
		return nil, types.Validationf(op, "total quantity %s below minimum %s", total, rules.MinQty)
	}

	return chunks, nil
}
