package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/broadcast"
	"github.com/iago/wa-lead-router/internal/channel"
	"github.com/iago/wa-lead-router/internal/distribution"
	"github.com/iago/wa-lead-router/internal/domain"
	httpserver "github.com/iago/wa-lead-router/internal/http"
	"github.com/iago/wa-lead-router/internal/http/handlers"
	"github.com/iago/wa-lead-router/internal/inbound"
	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/queue"
	"github.com/iago/wa-lead-router/internal/repository"
	"github.com/iago/wa-lead-router/internal/schedule"
	"github.com/iago/wa-lead-router/internal/worker"
)

const (
	loadToken  = "loadgen-token"
	loadSecret = "loadgen-secret"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	Acceptance     acceptanceResult `json:"acceptance"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

// acceptanceResult counts how many acks won per lead when every lead receives
// several concurrent "OK" replies.
type acceptanceResult struct {
	Leads             int `json:"leads"`
	AcceptedOnce      int `json:"accepted_once"`
	AcceptedMultiple  int `json:"accepted_multiple"`
	NeverAccepted     int `json:"never_accepted"`
	RejectedDuplicate int `json:"rejected_duplicates"`
}

type benchmarkEnv struct {
	server *httptest.Server
	cancel context.CancelFunc
}

func main() {
	leadsTotal := flag.Int("leads", 300, "distinct client phones sending a first message")
	inboundConcurrency := flag.Int("inbound-concurrency", 24, "concurrency for inbound routing requests")
	acksPerLead := flag.Int("acks-per-lead", 3, "concurrent OK replies sent for each lead")
	ackConcurrency := flag.Int("ack-concurrency", 32, "concurrency for ack requests")
	webhookTotal := flag.Int("webhooks", 200, "signed webhook deliveries to enqueue")
	webhookConcurrency := flag.Int("webhook-concurrency", 28, "concurrency for webhook requests")
	stateTotal := flag.Int("state-reads", 200, "cycle state reads")
	stateConcurrency := flag.Int("state-concurrency", 20, "concurrency for cycle state reads")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	logger, err := logging.New("production", "error")
	if err != nil {
		panic(err)
	}
	if *leadsTotal <= 0 {
		logger.Fatalw("--leads must be positive", "leads", *leadsTotal)
	}

	env, err := startBenchmarkEnvironment(logger)
	if err != nil {
		logger.Fatalw("failed to start local benchmark environment", "error", err)
	}
	defer env.cancel()
	defer env.server.Close()

	client := &http.Client{Timeout: 10 * time.Second}

	leadIDs := make([]string, *leadsTotal)
	inboundScenario := runScenario("inbound_first_message", *leadsTotal, *inboundConcurrency, func(index int) error {
		payload := map[string]any{
			"from_channel_id":     clientPhone(index),
			"text":                "Olá, quero um orçamento",
			"provider_message_id": "load-inbound-" + strconv.Itoa(index),
		}
		var result struct {
			LeadID string `json:"lead_id"`
		}
		if err := postJSON(client, env.server.URL+"/v1/inbound", payload, nil, http.StatusOK, &result); err != nil {
			return err
		}
		leadIDs[index] = result.LeadID
		return nil
	})

	var (
		acceptedMu sync.Mutex
		accepted   = make(map[string]int, len(leadIDs))
		duplicates int64
	)
	ackScenario := runScenario("agent_ack_race", len(leadIDs)*(*acksPerLead), *ackConcurrency, func(index int) error {
		leadID := leadIDs[index%len(leadIDs)]
		if leadID == "" {
			return errors.New("lead was not created")
		}
		var result struct {
			Accepted bool   `json:"accepted"`
			Reason   string `json:"reason"`
		}
		payload := map[string]any{"sales_id": "agent-1", "text": "OK"}
		if err := postJSON(client, env.server.URL+"/v1/leads/"+leadID+"/ack", payload, nil, http.StatusOK, &result); err != nil {
			return err
		}
		if result.Accepted {
			acceptedMu.Lock()
			accepted[leadID]++
			acceptedMu.Unlock()
		} else {
			atomic.AddInt64(&duplicates, 1)
		}
		return nil
	})

	webhookScenario := runScenario("webhook_enqueue", *webhookTotal, *webhookConcurrency, func(index int) error {
		body := webhookBody(index)
		headers := map[string]string{channel.SignatureHeader: channel.Sign(loadSecret, body)}
		return postRaw(client, env.server.URL+"/webhooks/whatsapp", body, headers, http.StatusOK)
	})

	stateScenario := runScenario("cycle_state_read", *stateTotal, *stateConcurrency, func(index int) error {
		leadID := leadIDs[index%len(leadIDs)]
		return getJSON(client, env.server.URL+"/v1/leads/"+leadID+"/distribution", http.StatusOK)
	})

	acceptance := acceptanceResult{Leads: len(leadIDs), RejectedDuplicate: int(duplicates)}
	for _, leadID := range leadIDs {
		switch count := accepted[leadID]; {
		case count == 1:
			acceptance.AcceptedOnce++
		case count > 1:
			acceptance.AcceptedMultiple++
		default:
			acceptance.NeverAccepted++
		}
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        []scenarioResult{inboundScenario, ackScenario, webhookScenario, stateScenario},
		Acceptance:     acceptance,
		SLOEvaluation: map[string]bool{
			"inbound_routing_p95_le_500ms": inboundScenario.P95MS <= 500,
			"ack_p95_le_500ms":             ackScenario.P95MS <= 500,
			"webhook_ack_p95_le_200ms":     webhookScenario.P95MS <= 200,
			"every_lead_accepted_once":     acceptance.AcceptedOnce == acceptance.Leads,
		},
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Fatalw("failed to marshal benchmark report", "error", err)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			logger.Fatalw("failed to write output file", "path", *outputPath, "error", err)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

// startBenchmarkEnvironment wires the full stack in memory: a two-agent
// roster, the local queue with its worker and a channel that only logs.
func startBenchmarkEnvironment(logger *zap.SugaredLogger) (*benchmarkEnv, error) {
	ctx, cancel := context.WithCancel(context.Background())

	store := repository.NewMemoryStore()
	err := store.InTx(ctx, func(tx repository.Tx) error {
		for i := 1; i <= 2; i++ {
			id := "agent-" + strconv.Itoa(i)
			agent := &domain.SalesAgent{ID: id, Name: "Agent " + strconv.Itoa(i), Phone: "+55119000000" + strconv.Itoa(i), Active: true}
			if err := tx.SaveAgent(ctx, agent); err != nil {
				return err
			}
			if err := tx.SaveQueueEntry(ctx, domain.QueueEntry{SalesID: id, Order: i, Active: true}); err != nil {
				return err
			}
		}
		// Keep the window open around the clock so every lead is distributed
		// immediately.
		settings := domain.DefaultSystemSettings()
		settings.OperationalStartMinute = 0
		settings.OperationalEndMinute = 24*60 - 1
		return tx.SaveSettings(ctx, settings)
	})
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "seed roster")
	}

	clock := schedule.RealClock{}
	outbound := channel.NewNoop(logger)
	engine := distribution.NewEngine(distribution.Dependencies{Store: store, Channel: outbound, Clock: clock, Logger: logger})
	router := inbound.NewRouter(inbound.Dependencies{Store: store, Engine: engine, Channel: outbound, Clock: clock, Logger: logger})
	localQueue := queue.NewLocalQueue(4096, 3, logger)

	api := handlers.NewAPI(handlers.Dependencies{
		Distribution:     engine,
		Sweeper:          distribution.NewSweeper(engine, nil, distribution.SweeperConfig{}, logger),
		Router:           router,
		Broadcasts:       broadcast.NewEngine(broadcast.Dependencies{Store: store, Channel: outbound, Clock: clock, Logger: logger}),
		Store:            store,
		Producer:         localQueue,
		Clock:            clock,
		Logger:           logger,
		WebhookAppSecret: loadSecret,
	})
	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      loadToken,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	processor := worker.NewProcessor(localQueue, router, logger)
	go processor.Start(ctx)

	return &benchmarkEnv{
		server: httptest.NewServer(handler),
		cancel: cancel,
	}, nil
}

func clientPhone(index int) string {
	return fmt.Sprintf("55119%08d", index)
}

func webhookBody(index int) []byte {
	payload := map[string]any{
		"object": "whatsapp_business_account",
		"entry": []any{map[string]any{
			"changes": []any{map[string]any{
				"field": "messages",
				"value": map[string]any{
					"messages": []any{map[string]any{
						"from":      clientPhone(index % 64),
						"id":        "load-webhook-" + strconv.Itoa(index),
						"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
						"type":      "text",
						"text":      map[string]any{"body": "Ainda estou aguardando"},
					}},
				},
			}},
		}},
	}
	encoded, _ := json.Marshal(payload)
	return encoded
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	throughput := 0.0
	if elapsed := time.Since(startedAt).Seconds(); elapsed > 0 {
		throughput = float64(total) / elapsed
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        total - success,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postJSON(
	client *http.Client,
	url string,
	payload any,
	headers map[string]string,
	expectedStatus int,
	out any,
) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	response, err := do(client, http.MethodPost, url, encoded, headers, expectedStatus)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	return errors.Wrap(json.NewDecoder(response.Body).Decode(out), "decode response")
}

func postRaw(client *http.Client, url string, body []byte, headers map[string]string, expectedStatus int) error {
	response, err := do(client, http.MethodPost, url, body, headers, expectedStatus)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func getJSON(client *http.Client, url string, expectedStatus int) error {
	response, err := do(client, http.MethodGet, url, nil, nil, expectedStatus)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func do(
	client *http.Client,
	method string,
	url string,
	body []byte,
	headers map[string]string,
	expectedStatus int,
) (*http.Response, error) {
	request, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "Bearer "+loadToken)
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != expectedStatus {
		defer response.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return nil, errors.Newf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(snippet))
	}
	return response, nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
