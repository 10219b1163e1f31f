package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/wa-lead-router/internal/domain"
)

// MemoryStore keeps all entities in memory for local development and tests.
// Units of work are serialized by a single mutex and rolled back by restoring
// a snapshot taken when the unit started.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

type memoryState struct {
	leads      []domain.Lead
	agents     []domain.SalesAgent
	queue      []domain.QueueEntry
	cycles     []domain.DistributionCycle
	attempts   []domain.DistributionAttempt
	messages   []domain.InboundMessage
	activities []domain.Activity
	deliveries []domain.BroadcastDelivery
	settings   *domain.SystemSettings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memoryState{}}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.state.clone()
	if err := fn(&memoryTx{state: s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (st *memoryState) clone() *memoryState {
	clone := &memoryState{
		leads:      append([]domain.Lead(nil), st.leads...),
		agents:     append([]domain.SalesAgent(nil), st.agents...),
		queue:      append([]domain.QueueEntry(nil), st.queue...),
		cycles:     append([]domain.DistributionCycle(nil), st.cycles...),
		attempts:   append([]domain.DistributionAttempt(nil), st.attempts...),
		messages:   append([]domain.InboundMessage(nil), st.messages...),
		activities: append([]domain.Activity(nil), st.activities...),
		deliveries: append([]domain.BroadcastDelivery(nil), st.deliveries...),
	}
	if st.settings != nil {
		settings := *st.settings
		clone.settings = &settings
	}
	return clone
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) CreateLead(_ context.Context, lead *domain.Lead) error {
	t.state.leads = append(t.state.leads, *lead)
	return nil
}

func (t *memoryTx) GetLead(_ context.Context, leadID string) (*domain.Lead, error) {
	for i := range t.state.leads {
		if t.state.leads[i].ID == leadID {
			lead := t.state.leads[i]
			return &lead, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) LockLead(ctx context.Context, leadID string) (*domain.Lead, error) {
	return t.GetLead(ctx, leadID)
}

// LockPhone is a no-op: InTx already runs one transaction at a time.
func (t *memoryTx) LockPhone(context.Context, string) error {
	return nil
}

func (t *memoryTx) FindLatestLeadByPhone(_ context.Context, phone string) (*domain.Lead, error) {
	var latest *domain.Lead
	for i := range t.state.leads {
		lead := t.state.leads[i]
		if lead.Phone != phone {
			continue
		}
		if latest == nil || !lead.CreatedAt.Before(latest.CreatedAt) {
			latest = &lead
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (t *memoryTx) UpdateLeadFlow(
	_ context.Context,
	leadID string,
	flow domain.FlowStatus,
	assignedTo string,
	at time.Time,
) error {
	for i := range t.state.leads {
		if t.state.leads[i].ID == leadID {
			t.state.leads[i].FlowStatus = flow
			t.state.leads[i].AssignedTo = assignedTo
			t.state.leads[i].UpdatedAt = at
			return nil
		}
	}
	return ErrNotFound
}

func (t *memoryTx) ListLeads(_ context.Context, filter domain.LeadFilter) ([]domain.Lead, error) {
	statuses := make(map[string]struct{}, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses[status] = struct{}{}
	}

	items := make([]domain.Lead, 0)
	for _, lead := range t.state.leads {
		if len(statuses) > 0 {
			if _, ok := statuses[lead.Status]; !ok {
				continue
			}
		}
		if filter.AssignedTo != "" && lead.AssignedTo != filter.AssignedTo {
			continue
		}
		if filter.Source != "" && lead.Source != filter.Source {
			continue
		}
		items = append(items, lead)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (t *memoryTx) SaveAgent(_ context.Context, agent *domain.SalesAgent) error {
	for i := range t.state.agents {
		if t.state.agents[i].ID == agent.ID {
			t.state.agents[i] = *agent
			return nil
		}
	}
	t.state.agents = append(t.state.agents, *agent)
	return nil
}

func (t *memoryTx) GetAgent(_ context.Context, salesID string) (*domain.SalesAgent, error) {
	for i := range t.state.agents {
		if t.state.agents[i].ID == salesID {
			agent := t.state.agents[i]
			return &agent, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) FindActiveAgentByPhone(_ context.Context, phone string) (*domain.SalesAgent, error) {
	for i := range t.state.agents {
		agent := t.state.agents[i]
		if agent.Active && agent.Phone == phone {
			return &agent, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) SaveQueueEntry(_ context.Context, entry domain.QueueEntry) error {
	for i := range t.state.queue {
		if t.state.queue[i].SalesID == entry.SalesID {
			t.state.queue[i] = entry
			return nil
		}
	}
	t.state.queue = append(t.state.queue, entry)
	return nil
}

func (t *memoryTx) ListQueue(_ context.Context) ([]domain.QueueEntry, error) {
	items := append([]domain.QueueEntry(nil), t.state.queue...)
	sort.Slice(items, func(i, j int) bool {
		return items[i].Order < items[j].Order
	})
	return items, nil
}

func (t *memoryTx) NextEligibleEntry(ctx context.Context, afterOrder int) (*domain.QueueEntry, error) {
	entries, _ := t.ListQueue(ctx)
	for _, entry := range entries {
		if !entry.Active || entry.Order <= afterOrder {
			continue
		}
		agent, err := t.GetAgent(ctx, entry.SalesID)
		if err != nil || !agent.Active {
			continue
		}
		return &entry, nil
	}
	return nil, ErrNotFound
}

func (t *memoryTx) UpdateQueueOrder(_ context.Context, salesID string, expectedOrder, newOrder int) (bool, error) {
	for i := range t.state.queue {
		entry := &t.state.queue[i]
		if entry.SalesID != salesID {
			continue
		}
		if entry.Order != expectedOrder {
			return false, nil
		}
		for _, other := range t.state.queue {
			if other.SalesID != salesID && other.Order == newOrder {
				return false, nil
			}
		}
		entry.Order = newOrder
		return true, nil
	}
	return false, nil
}

func (t *memoryTx) CreateCycle(_ context.Context, cycle *domain.DistributionCycle) error {
	t.state.cycles = append(t.state.cycles, *cycle)
	return nil
}

func (t *memoryTx) GetCycle(_ context.Context, cycleID string) (*domain.DistributionCycle, error) {
	for i := range t.state.cycles {
		if t.state.cycles[i].ID == cycleID {
			cycle := t.state.cycles[i]
			return &cycle, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) FindOpenCycle(_ context.Context, leadID string) (*domain.DistributionCycle, error) {
	for i := len(t.state.cycles) - 1; i >= 0; i-- {
		cycle := t.state.cycles[i]
		if cycle.LeadID != leadID {
			continue
		}
		switch cycle.Status {
		case domain.CycleStatusActive, domain.CycleStatusAccepted, domain.CycleStatusExhausted:
			return &cycle, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) LatestCycle(_ context.Context, leadID string) (*domain.DistributionCycle, error) {
	for i := len(t.state.cycles) - 1; i >= 0; i-- {
		if t.state.cycles[i].LeadID == leadID {
			cycle := t.state.cycles[i]
			return &cycle, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) ListActiveCycles(_ context.Context) ([]domain.DistributionCycle, error) {
	items := make([]domain.DistributionCycle, 0)
	for _, cycle := range t.state.cycles {
		if cycle.Status == domain.CycleStatusActive {
			items = append(items, cycle)
		}
	}
	return items, nil
}

func (t *memoryTx) AdvanceCycle(_ context.Context, cycleID string, queueOrder int) (bool, error) {
	for i := range t.state.cycles {
		cycle := &t.state.cycles[i]
		if cycle.ID != cycleID {
			continue
		}
		if cycle.Status != domain.CycleStatusActive {
			return false, nil
		}
		cycle.CurrentQueueOrder = queueOrder
		return true, nil
	}
	return false, nil
}

func (t *memoryTx) TransitionCycle(
	_ context.Context,
	cycleID string,
	from, to domain.CycleStatus,
	at time.Time,
) (bool, error) {
	for i := range t.state.cycles {
		cycle := &t.state.cycles[i]
		if cycle.ID != cycleID {
			continue
		}
		if cycle.Status != from {
			return false, nil
		}
		cycle.Status = to
		if to.Terminal() {
			finishedAt := at
			cycle.FinishedAt = &finishedAt
		}
		return true, nil
	}
	return false, nil
}

func (t *memoryTx) CreateAttempt(_ context.Context, attempt *domain.DistributionAttempt) error {
	t.state.attempts = append(t.state.attempts, *attempt)
	return nil
}

func (t *memoryTx) GetAttempt(_ context.Context, attemptID string) (*domain.DistributionAttempt, error) {
	for i := range t.state.attempts {
		if t.state.attempts[i].ID == attemptID {
			attempt := t.state.attempts[i]
			return &attempt, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) FindWaitingAttempt(_ context.Context, leadID, salesID string) (*domain.DistributionAttempt, error) {
	for i := len(t.state.attempts) - 1; i >= 0; i-- {
		attempt := t.state.attempts[i]
		if attempt.LeadID == leadID && attempt.SalesID == salesID && attempt.Status == domain.AttemptStatusWaitingOK {
			return &attempt, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) LatestAttemptForPair(_ context.Context, leadID, salesID string) (*domain.DistributionAttempt, error) {
	for i := len(t.state.attempts) - 1; i >= 0; i-- {
		attempt := t.state.attempts[i]
		if attempt.LeadID == leadID && attempt.SalesID == salesID {
			return &attempt, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) LatestAttemptForSales(_ context.Context, salesID string) (*domain.DistributionAttempt, error) {
	for i := len(t.state.attempts) - 1; i >= 0; i-- {
		attempt := t.state.attempts[i]
		if attempt.SalesID == salesID {
			return &attempt, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) ListAttempts(_ context.Context, cycleID string) ([]domain.DistributionAttempt, error) {
	items := make([]domain.DistributionAttempt, 0)
	for _, attempt := range t.state.attempts {
		if attempt.CycleID == cycleID {
			items = append(items, attempt)
		}
	}
	return items, nil
}

func (t *memoryTx) ListExpiredAttempts(_ context.Context, now time.Time, limit int) ([]domain.DistributionAttempt, error) {
	items := make([]domain.DistributionAttempt, 0)
	for _, attempt := range t.state.attempts {
		if attempt.Status == domain.AttemptStatusWaitingOK && !attempt.AckDeadline.After(now) {
			items = append(items, attempt)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].AckDeadline.Before(items[j].AckDeadline)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (t *memoryTx) TransitionAttempt(
	_ context.Context,
	attemptID string,
	from, to domain.AttemptStatus,
	reason string,
	at time.Time,
) (bool, error) {
	for i := range t.state.attempts {
		attempt := &t.state.attempts[i]
		if attempt.ID != attemptID {
			continue
		}
		if attempt.Status != from {
			return false, nil
		}
		applyAttemptTransition(attempt, to, reason, at)
		return true, nil
	}
	return false, nil
}

func (t *memoryTx) CloseWaitingAttempts(
	_ context.Context,
	cycleID, exceptAttemptID, reason string,
	at time.Time,
) (int, error) {
	closed := 0
	for i := range t.state.attempts {
		attempt := &t.state.attempts[i]
		if attempt.CycleID != cycleID || attempt.ID == exceptAttemptID {
			continue
		}
		if attempt.Status != domain.AttemptStatusWaitingOK {
			continue
		}
		applyAttemptTransition(attempt, domain.AttemptStatusClosed, reason, at)
		closed++
	}
	return closed, nil
}

func applyAttemptTransition(attempt *domain.DistributionAttempt, to domain.AttemptStatus, reason string, at time.Time) {
	stamp := at
	attempt.Status = to
	if to == domain.AttemptStatusAccepted {
		attempt.AckAt = &stamp
		return
	}
	attempt.ClosedAt = &stamp
	attempt.CloseReason = reason
}

func (t *memoryTx) InboundMessageExists(_ context.Context, providerMessageID string) (bool, error) {
	if providerMessageID == "" {
		return false, nil
	}
	for _, message := range t.state.messages {
		if message.ProviderMessageID == providerMessageID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) SaveInboundMessage(ctx context.Context, message *domain.InboundMessage) (bool, error) {
	exists, _ := t.InboundMessageExists(ctx, message.ProviderMessageID)
	if exists {
		return false, nil
	}
	t.state.messages = append(t.state.messages, *message)
	return true, nil
}

func (t *memoryTx) CountLeadMessages(_ context.Context, leadID string) (int, error) {
	count := 0
	for _, message := range t.state.messages {
		if message.LeadID == leadID && message.SalesID == "" {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) AppendActivity(_ context.Context, activity *domain.Activity) error {
	t.state.activities = append(t.state.activities, *activity)
	return nil
}

func (t *memoryTx) ListActivities(_ context.Context, leadID string) ([]domain.Activity, error) {
	items := make([]domain.Activity, 0)
	for _, activity := range t.state.activities {
		if activity.LeadID == leadID {
			items = append(items, activity)
		}
	}
	return items, nil
}

func (t *memoryTx) GetSettings(_ context.Context) (domain.SystemSettings, error) {
	if t.state.settings == nil {
		return domain.DefaultSystemSettings(), nil
	}
	return *t.state.settings, nil
}

func (t *memoryTx) SaveSettings(_ context.Context, settings domain.SystemSettings) error {
	t.state.settings = &settings
	return nil
}

func (t *memoryTx) AppendDelivery(_ context.Context, delivery *domain.BroadcastDelivery) error {
	t.state.deliveries = append(t.state.deliveries, *delivery)
	return nil
}

func (t *memoryTx) ListDeliveries(_ context.Context, jobID string) ([]domain.BroadcastDelivery, error) {
	items := make([]domain.BroadcastDelivery, 0)
	for _, delivery := range t.state.deliveries {
		if delivery.JobID == jobID {
			items = append(items, delivery)
		}
	}
	return items, nil
}
