package handlers

import (
	"encoding/json"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/broadcast"
	"github.com/iago/wa-lead-router/internal/distribution"
	"github.com/iago/wa-lead-router/internal/http/middleware"
	"github.com/iago/wa-lead-router/internal/inbound"
	"github.com/iago/wa-lead-router/internal/logging"
	"github.com/iago/wa-lead-router/internal/queue"
	"github.com/iago/wa-lead-router/internal/repository"
	"github.com/iago/wa-lead-router/internal/schedule"
)

var errInvalidPayload = errors.New("invalid payload")

const maxBodyBytes = 24 << 20

type Dependencies struct {
	Distribution *distribution.Engine
	Sweeper      *distribution.Sweeper
	Router       *inbound.Router
	Broadcasts   *broadcast.Engine
	Store        repository.Store
	Producer     queue.Producer
	Clock        schedule.Clock
	Logger       *zap.SugaredLogger

	WebhookVerifyToken string
	WebhookAppSecret   string
}

type API struct {
	distribution *distribution.Engine
	sweeper      *distribution.Sweeper
	router       *inbound.Router
	broadcasts   *broadcast.Engine
	store        repository.Store
	producer     queue.Producer
	clock        schedule.Clock
	logger       *zap.SugaredLogger
	idempotency  *idempotencyStore

	verifyToken string
	appSecret   string
}

func NewAPI(deps Dependencies) *API {
	clock := deps.Clock
	if clock == nil {
		clock = schedule.RealClock{}
	}
	return &API{
		distribution: deps.Distribution,
		sweeper:      deps.Sweeper,
		router:       deps.Router,
		broadcasts:   deps.Broadcasts,
		store:        deps.Store,
		producer:     deps.Producer,
		clock:        clock,
		logger:       logging.OrNop(deps.Logger).Named("api"),
		idempotency:  newIdempotencyStore(),
		verifyToken:  deps.WebhookVerifyToken,
		appSecret:    deps.WebhookAppSecret,
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	middleware.WriteError(w, r, statusCode, code, message)
}

// writeInternal logs err and answers 500 without leaking details.
func (api *API) writeInternal(w http.ResponseWriter, r *http.Request, message string, err error) {
	api.logger.Errorw(message,
		"request_id", middleware.GetRequestID(r.Context()),
		"path", r.URL.Path,
		"error", err,
	)
	writeError(w, r, http.StatusInternalServerError, "INTERNAL", message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errors.Mark(errors.Wrap(err, "decode body"), errInvalidPayload)
	}
	return nil
}

func actorID(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor-Id")); actor != "" {
		return actor
	}
	return "api"
}

const idempotencyTTL = 24 * time.Hour

type idempotencyEntry struct {
	PayloadHash uint64
	JobID       string
	CreatedAt   time.Time
}

// idempotencyStore remembers which broadcast a client key started, so a
// retried request does not start a second run.
type idempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

func newIdempotencyStore() *idempotencyStore {
	return &idempotencyStore{
		entries: make(map[string]idempotencyEntry),
	}
}

func (s *idempotencyStore) Get(key string, now time.Time) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if ok && now.Sub(entry.CreatedAt) > idempotencyTTL {
		delete(s.entries, key)
		return idempotencyEntry{}, false
	}
	return entry, ok
}

func (s *idempotencyStore) Put(key string, payloadHash uint64, jobID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = idempotencyEntry{
		PayloadHash: payloadHash,
		JobID:       jobID,
		CreatedAt:   now,
	}
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
