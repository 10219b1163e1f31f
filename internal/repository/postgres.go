package repository

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/wa-lead-router/internal/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create pg pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping pg")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&postgresTx{tx: tx})
	})
}

type postgresTx struct {
	tx pgx.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return errors.Wrapf(err, "query %s", what)
}

const leadColumns = `id, phone, name, source, status, flow_status, assigned_to, created_at, updated_at`

func scanLead(row rowScanner) (*domain.Lead, error) {
	var (
		lead       domain.Lead
		flow       string
		assignedTo *string
	)
	if err := row.Scan(
		&lead.ID,
		&lead.Phone,
		&lead.Name,
		&lead.Source,
		&lead.Status,
		&flow,
		&assignedTo,
		&lead.CreatedAt,
		&lead.UpdatedAt,
	); err != nil {
		return nil, err
	}
	lead.FlowStatus = domain.FlowStatus(flow)
	lead.AssignedTo = derefString(assignedTo)
	return &lead, nil
}

func (t *postgresTx) CreateLead(ctx context.Context, lead *domain.Lead) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO leads (`+leadColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		lead.ID,
		lead.Phone,
		lead.Name,
		lead.Source,
		lead.Status,
		string(lead.FlowStatus),
		nullIfEmpty(lead.AssignedTo),
		lead.CreatedAt,
		lead.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert lead")
	}
	return nil
}

func (t *postgresTx) GetLead(ctx context.Context, leadID string) (*domain.Lead, error) {
	lead, err := scanLead(t.tx.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, leadID))
	if err != nil {
		return nil, notFound(err, "lead")
	}
	return lead, nil
}

func (t *postgresTx) LockLead(ctx context.Context, leadID string) (*domain.Lead, error) {
	lead, err := scanLead(t.tx.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1 FOR UPDATE`, leadID))
	if err != nil {
		return nil, notFound(err, "lead for update")
	}
	return lead, nil
}

func (t *postgresTx) LockPhone(ctx context.Context, phone string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "lead-phone:"+phone); err != nil {
		return errors.Wrap(err, "lock phone")
	}
	return nil
}

func (t *postgresTx) FindLatestLeadByPhone(ctx context.Context, phone string) (*domain.Lead, error) {
	lead, err := scanLead(t.tx.QueryRow(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE phone = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, phone))
	if err != nil {
		return nil, notFound(err, "lead by phone")
	}
	return lead, nil
}

func (t *postgresTx) UpdateLeadFlow(
	ctx context.Context,
	leadID string,
	flow domain.FlowStatus,
	assignedTo string,
	at time.Time,
) error {
	command, err := t.tx.Exec(ctx, `
		UPDATE leads
		SET flow_status = $2,
			assigned_to = $3,
			updated_at = $4
		WHERE id = $1
	`, leadID, string(flow), nullIfEmpty(assignedTo), at)
	if err != nil {
		return errors.Wrap(err, "update lead flow")
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) ListLeads(ctx context.Context, filter domain.LeadFilter) ([]domain.Lead, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE (COALESCE(cardinality($1::text[]), 0) = 0 OR status = ANY($1::text[]))
			AND ($2::text = '' OR assigned_to = $2::text)
			AND ($3::text = '' OR source = $3::text)
		ORDER BY created_at ASC, id ASC
	`, filter.Statuses, filter.AssignedTo, filter.Source)
	if err != nil {
		return nil, errors.Wrap(err, "list leads")
	}
	defer rows.Close()

	items := make([]domain.Lead, 0)
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan lead")
		}
		items = append(items, *lead)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "iterate leads")
	}
	return items, nil
}

func (t *postgresTx) SaveAgent(ctx context.Context, agent *domain.SalesAgent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO sales_agents (id, name, phone, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			active = EXCLUDED.active
	`, agent.ID, agent.Name, agent.Phone, agent.Active, agent.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "upsert sales agent")
	}
	return nil
}

func scanAgent(row rowScanner) (*domain.SalesAgent, error) {
	var agent domain.SalesAgent
	if err := row.Scan(&agent.ID, &agent.Name, &agent.Phone, &agent.Active, &agent.CreatedAt); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (t *postgresTx) GetAgent(ctx context.Context, salesID string) (*domain.SalesAgent, error) {
	agent, err := scanAgent(t.tx.QueryRow(ctx, `
		SELECT id, name, phone, active, created_at FROM sales_agents WHERE id = $1
	`, salesID))
	if err != nil {
		return nil, notFound(err, "sales agent")
	}
	return agent, nil
}

func (t *postgresTx) FindActiveAgentByPhone(ctx context.Context, phone string) (*domain.SalesAgent, error) {
	agent, err := scanAgent(t.tx.QueryRow(ctx, `
		SELECT id, name, phone, active, created_at
		FROM sales_agents
		WHERE phone = $1 AND active
		ORDER BY created_at ASC
		LIMIT 1
	`, phone))
	if err != nil {
		return nil, notFound(err, "sales agent by phone")
	}
	return agent, nil
}

func (t *postgresTx) SaveQueueEntry(ctx context.Context, entry domain.QueueEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO sales_queue (sales_id, queue_order, label, active)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (sales_id) DO UPDATE
		SET queue_order = EXCLUDED.queue_order,
			label = EXCLUDED.label,
			active = EXCLUDED.active
	`, entry.SalesID, entry.Order, entry.Label, entry.Active)
	if err != nil {
		return errors.Wrap(err, "upsert queue entry")
	}
	return nil
}

func (t *postgresTx) ListQueue(ctx context.Context) ([]domain.QueueEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT sales_id, queue_order, label, active
		FROM sales_queue
		ORDER BY queue_order ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list queue")
	}
	defer rows.Close()

	items := make([]domain.QueueEntry, 0)
	for rows.Next() {
		var entry domain.QueueEntry
		if err := rows.Scan(&entry.SalesID, &entry.Order, &entry.Label, &entry.Active); err != nil {
			return nil, errors.Wrap(err, "scan queue entry")
		}
		items = append(items, entry)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "iterate queue")
	}
	return items, nil
}

func (t *postgresTx) NextEligibleEntry(ctx context.Context, afterOrder int) (*domain.QueueEntry, error) {
	var entry domain.QueueEntry
	err := t.tx.QueryRow(ctx, `
		SELECT q.sales_id, q.queue_order, q.label, q.active
		FROM sales_queue q
		JOIN sales_agents a ON a.id = q.sales_id
		WHERE q.active AND a.active AND q.queue_order > $1
		ORDER BY q.queue_order ASC
		LIMIT 1
	`, afterOrder).Scan(&entry.SalesID, &entry.Order, &entry.Label, &entry.Active)
	if err != nil {
		return nil, notFound(err, "next queue entry")
	}
	return &entry, nil
}

func (t *postgresTx) UpdateQueueOrder(ctx context.Context, salesID string, expectedOrder, newOrder int) (bool, error) {
	command, err := t.tx.Exec(ctx, `
		UPDATE sales_queue
		SET queue_order = $3
		WHERE sales_id = $1 AND queue_order = $2
	`, salesID, expectedOrder, newOrder)
	if err != nil {
		return false, errors.Wrap(err, "update queue order")
	}
	return command.RowsAffected() == 1, nil
}

const cycleColumns = `id, lead_id, status, current_queue_order, started_at, finished_at`

func scanCycle(row rowScanner) (*domain.DistributionCycle, error) {
	var (
		cycle  domain.DistributionCycle
		status string
	)
	if err := row.Scan(
		&cycle.ID,
		&cycle.LeadID,
		&status,
		&cycle.CurrentQueueOrder,
		&cycle.StartedAt,
		&cycle.FinishedAt,
	); err != nil {
		return nil, err
	}
	cycle.Status = domain.CycleStatus(status)
	return &cycle, nil
}

func (t *postgresTx) CreateCycle(ctx context.Context, cycle *domain.DistributionCycle) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO distribution_cycles (`+cycleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, cycle.ID, cycle.LeadID, string(cycle.Status), cycle.CurrentQueueOrder, cycle.StartedAt, cycle.FinishedAt)
	if err != nil {
		return errors.Wrap(err, "insert cycle")
	}
	return nil
}

func (t *postgresTx) GetCycle(ctx context.Context, cycleID string) (*domain.DistributionCycle, error) {
	cycle, err := scanCycle(t.tx.QueryRow(ctx, `SELECT `+cycleColumns+` FROM distribution_cycles WHERE id = $1`, cycleID))
	if err != nil {
		return nil, notFound(err, "cycle")
	}
	return cycle, nil
}

func (t *postgresTx) FindOpenCycle(ctx context.Context, leadID string) (*domain.DistributionCycle, error) {
	cycle, err := scanCycle(t.tx.QueryRow(ctx, `
		SELECT `+cycleColumns+`
		FROM distribution_cycles
		WHERE lead_id = $1 AND status IN ('active', 'accepted', 'exhausted')
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, leadID))
	if err != nil {
		return nil, notFound(err, "open cycle")
	}
	return cycle, nil
}

func (t *postgresTx) LatestCycle(ctx context.Context, leadID string) (*domain.DistributionCycle, error) {
	cycle, err := scanCycle(t.tx.QueryRow(ctx, `
		SELECT `+cycleColumns+`
		FROM distribution_cycles
		WHERE lead_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, leadID))
	if err != nil {
		return nil, notFound(err, "latest cycle")
	}
	return cycle, nil
}

func (t *postgresTx) ListActiveCycles(ctx context.Context) ([]domain.DistributionCycle, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+cycleColumns+`
		FROM distribution_cycles
		WHERE status = 'active'
		ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list active cycles")
	}
	defer rows.Close()

	items := make([]domain.DistributionCycle, 0)
	for rows.Next() {
		cycle, err := scanCycle(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan cycle")
		}
		items = append(items, *cycle)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "iterate cycles")
	}
	return items, nil
}

func (t *postgresTx) AdvanceCycle(ctx context.Context, cycleID string, queueOrder int) (bool, error) {
	command, err := t.tx.Exec(ctx, `
		UPDATE distribution_cycles
		SET current_queue_order = $2
		WHERE id = $1 AND status = 'active'
	`, cycleID, queueOrder)
	if err != nil {
		return false, errors.Wrap(err, "advance cycle")
	}
	return command.RowsAffected() == 1, nil
}

func (t *postgresTx) TransitionCycle(
	ctx context.Context,
	cycleID string,
	from, to domain.CycleStatus,
	at time.Time,
) (bool, error) {
	var finishedAt *time.Time
	if to.Terminal() {
		finishedAt = &at
	}
	command, err := t.tx.Exec(ctx, `
		UPDATE distribution_cycles
		SET status = $3,
			finished_at = COALESCE($4::timestamptz, finished_at)
		WHERE id = $1 AND status = $2
	`, cycleID, string(from), string(to), finishedAt)
	if err != nil {
		return false, errors.Wrap(err, "transition cycle")
	}
	return command.RowsAffected() == 1, nil
}

const attemptColumns = `id, cycle_id, lead_id, sales_id, queue_order, status, assigned_at, ack_deadline, ack_at, closed_at, close_reason`

func scanAttempt(row rowScanner) (*domain.DistributionAttempt, error) {
	var (
		attempt     domain.DistributionAttempt
		status      string
		closeReason *string
	)
	if err := row.Scan(
		&attempt.ID,
		&attempt.CycleID,
		&attempt.LeadID,
		&attempt.SalesID,
		&attempt.QueueOrder,
		&status,
		&attempt.AssignedAt,
		&attempt.AckDeadline,
		&attempt.AckAt,
		&attempt.ClosedAt,
		&closeReason,
	); err != nil {
		return nil, err
	}
	attempt.Status = domain.AttemptStatus(status)
	attempt.CloseReason = derefString(closeReason)
	return &attempt, nil
}

func (t *postgresTx) queryAttempts(ctx context.Context, query string, args ...any) ([]domain.DistributionAttempt, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list attempts")
	}
	defer rows.Close()

	items := make([]domain.DistributionAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan attempt")
		}
		items = append(items, *attempt)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "iterate attempts")
	}
	return items, nil
}

func (t *postgresTx) CreateAttempt(ctx context.Context, attempt *domain.DistributionAttempt) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO distribution_attempts (`+attemptColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		attempt.ID,
		attempt.CycleID,
		attempt.LeadID,
		attempt.SalesID,
		attempt.QueueOrder,
		string(attempt.Status),
		attempt.AssignedAt,
		attempt.AckDeadline,
		attempt.AckAt,
		attempt.ClosedAt,
		nullIfEmpty(attempt.CloseReason),
	)
	if err != nil {
		return errors.Wrap(err, "insert attempt")
	}
	return nil
}

func (t *postgresTx) GetAttempt(ctx context.Context, attemptID string) (*domain.DistributionAttempt, error) {
	attempt, err := scanAttempt(t.tx.QueryRow(ctx, `SELECT `+attemptColumns+` FROM distribution_attempts WHERE id = $1`, attemptID))
	if err != nil {
		return nil, notFound(err, "attempt")
	}
	return attempt, nil
}

func (t *postgresTx) FindWaitingAttempt(ctx context.Context, leadID, salesID string) (*domain.DistributionAttempt, error) {
	attempt, err := scanAttempt(t.tx.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM distribution_attempts
		WHERE lead_id = $1 AND sales_id = $2 AND status = 'waiting_ok'
		ORDER BY assigned_at DESC, id DESC
		LIMIT 1
	`, leadID, salesID))
	if err != nil {
		return nil, notFound(err, "waiting attempt")
	}
	return attempt, nil
}

func (t *postgresTx) LatestAttemptForPair(ctx context.Context, leadID, salesID string) (*domain.DistributionAttempt, error) {
	attempt, err := scanAttempt(t.tx.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM distribution_attempts
		WHERE lead_id = $1 AND sales_id = $2
		ORDER BY assigned_at DESC, id DESC
		LIMIT 1
	`, leadID, salesID))
	if err != nil {
		return nil, notFound(err, "latest attempt")
	}
	return attempt, nil
}

func (t *postgresTx) LatestAttemptForSales(ctx context.Context, salesID string) (*domain.DistributionAttempt, error) {
	attempt, err := scanAttempt(t.tx.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM distribution_attempts
		WHERE sales_id = $1
		ORDER BY assigned_at DESC, id DESC
		LIMIT 1
	`, salesID))
	if err != nil {
		return nil, notFound(err, "latest sales attempt")
	}
	return attempt, nil
}

func (t *postgresTx) ListAttempts(ctx context.Context, cycleID string) ([]domain.DistributionAttempt, error) {
	return t.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM distribution_attempts
		WHERE cycle_id = $1
		ORDER BY assigned_at ASC, id ASC
	`, cycleID)
}

func (t *postgresTx) ListExpiredAttempts(ctx context.Context, now time.Time, limit int) ([]domain.DistributionAttempt, error) {
	return t.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM distribution_attempts
		WHERE status = 'waiting_ok' AND ack_deadline <= $1
		ORDER BY ack_deadline ASC
		LIMIT $2
	`, now, limit)
}

func (t *postgresTx) TransitionAttempt(
	ctx context.Context,
	attemptID string,
	from, to domain.AttemptStatus,
	reason string,
	at time.Time,
) (bool, error) {
	var (
		ackAt    *time.Time
		closedAt *time.Time
	)
	if to == domain.AttemptStatusAccepted {
		ackAt = &at
	} else {
		closedAt = &at
	}
	command, err := t.tx.Exec(ctx, `
		UPDATE distribution_attempts
		SET status = $3,
			ack_at = COALESCE($4::timestamptz, ack_at),
			closed_at = COALESCE($5::timestamptz, closed_at),
			close_reason = COALESCE($6::text, close_reason)
		WHERE id = $1 AND status = $2
	`, attemptID, string(from), string(to), ackAt, closedAt, nullIfEmpty(reason))
	if err != nil {
		return false, errors.Wrap(err, "transition attempt")
	}
	return command.RowsAffected() == 1, nil
}

func (t *postgresTx) CloseWaitingAttempts(
	ctx context.Context,
	cycleID, exceptAttemptID, reason string,
	at time.Time,
) (int, error) {
	command, err := t.tx.Exec(ctx, `
		UPDATE distribution_attempts
		SET status = 'closed',
			closed_at = $3,
			close_reason = $4
		WHERE cycle_id = $1 AND id <> $2 AND status = 'waiting_ok'
	`, cycleID, exceptAttemptID, at, reason)
	if err != nil {
		return 0, errors.Wrap(err, "close waiting attempts")
	}
	return int(command.RowsAffected()), nil
}

func (t *postgresTx) InboundMessageExists(ctx context.Context, providerMessageID string) (bool, error) {
	if providerMessageID == "" {
		return false, nil
	}
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM inbound_messages WHERE provider_message_id = $1)
	`, providerMessageID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check inbound message")
	}
	return exists, nil
}

func (t *postgresTx) SaveInboundMessage(ctx context.Context, message *domain.InboundMessage) (bool, error) {
	command, err := t.tx.Exec(ctx, `
		INSERT INTO inbound_messages (id, lead_id, sales_id, provider_message_id, from_phone, body, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (provider_message_id) DO NOTHING
	`,
		message.ID,
		nullIfEmpty(message.LeadID),
		nullIfEmpty(message.SalesID),
		nullIfEmpty(message.ProviderMessageID),
		message.From,
		message.Text,
		message.ReceivedAt,
	)
	if err != nil {
		return false, errors.Wrap(err, "insert inbound message")
	}
	return command.RowsAffected() == 1, nil
}

func (t *postgresTx) CountLeadMessages(ctx context.Context, leadID string) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM inbound_messages WHERE lead_id = $1 AND sales_id IS NULL
	`, leadID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "count lead messages")
	}
	return count, nil
}

func (t *postgresTx) AppendActivity(ctx context.Context, activity *domain.Activity) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO lead_activities (id, lead_id, kind, note, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, activity.ID, activity.LeadID, string(activity.Kind), activity.Note, activity.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert activity")
	}
	return nil
}

func (t *postgresTx) ListActivities(ctx context.Context, leadID string) ([]domain.Activity, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, lead_id, kind, note, created_at
		FROM lead_activities
		WHERE lead_id = $1
		ORDER BY created_at ASC, id ASC
	`, leadID)
	if err != nil {
		return nil, errors.Wrap(err, "list activities")
	}
	defer rows.Close()

	items := make([]domain.Activity, 0)
	for rows.Next() {
		var (
			activity domain.Activity
			kind     string
		)
		if err := rows.Scan(&activity.ID, &activity.LeadID, &kind, &activity.Note, &activity.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan activity")
		}
		activity.Kind = domain.ActivityKind(kind)
		items = append(items, activity)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "iterate activities")
	}
	return items, nil
}

func (t *postgresTx) GetSettings(ctx context.Context) (domain.SystemSettings, error) {
	var settings domain.SystemSettings
	err := t.tx.QueryRow(ctx, `
		SELECT ack_timeout_minutes, operational_start_minute, operational_end_minute, timezone, outside_hours_reply, updated_at
		FROM system_settings
		WHERE id = 1
	`).Scan(
		&settings.AckTimeoutMinutes,
		&settings.OperationalStartMinute,
		&settings.OperationalEndMinute,
		&settings.Timezone,
		&settings.OutsideHoursReply,
		&settings.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DefaultSystemSettings(), nil
		}
		return domain.SystemSettings{}, errors.Wrap(err, "query settings")
	}
	return settings, nil
}

func (t *postgresTx) SaveSettings(ctx context.Context, settings domain.SystemSettings) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO system_settings (id, ack_timeout_minutes, operational_start_minute, operational_end_minute, timezone, outside_hours_reply, updated_at)
		VALUES (1,$1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE
		SET ack_timeout_minutes = EXCLUDED.ack_timeout_minutes,
			operational_start_minute = EXCLUDED.operational_start_minute,
			operational_end_minute = EXCLUDED.operational_end_minute,
			timezone = EXCLUDED.timezone,
			outside_hours_reply = EXCLUDED.outside_hours_reply,
			updated_at = EXCLUDED.updated_at
	`,
		settings.AckTimeoutMinutes,
		settings.OperationalStartMinute,
		settings.OperationalEndMinute,
		settings.Timezone,
		settings.OutsideHoursReply,
		settings.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "upsert settings")
	}
	return nil
}

func (t *postgresTx) AppendDelivery(ctx context.Context, delivery *domain.BroadcastDelivery) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO broadcast_deliveries (id, job_id, lead_id, phone, attempt, status, provider_message_id, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		delivery.ID,
		delivery.JobID,
		delivery.LeadID,
		delivery.Phone,
		delivery.Attempt,
		string(delivery.Status),
		delivery.ProviderMessageID,
		delivery.Error,
		delivery.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert broadcast delivery")
	}
	return nil
}

func (t *postgresTx) ListDeliveries(ctx context.Context, jobID string) ([]domain.BroadcastDelivery, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, job_id, lead_id, phone, attempt, status, provider_message_id, error, created_at
		FROM broadcast_deliveries
		WHERE job_id = $1
		ORDER BY created_at ASC, id ASC
	`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "list broadcast deliveries")
	}
	defer rows.Close()

	items := make([]domain.BroadcastDelivery, 0)
	for rows.Next() {
		var (
			delivery domain.BroadcastDelivery
			status   string
		)
		if err := rows.Scan(
			&delivery.ID,
			&delivery.JobID,
			&delivery.LeadID,
			&delivery.Phone,
			&delivery.Attempt,
			&status,
			&delivery.ProviderMessageID,
			&delivery.Error,
			&delivery.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan broadcast delivery")
		}
		delivery.Status = domain.DeliveryStatus(status)
		items = append(items, delivery)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "iterate broadcast deliveries")
	}
	return items, nil
}
