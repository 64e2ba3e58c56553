package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IndexName is the Elasticsearch index holding audit events
const IndexName = "hr_audit_logs"

const indexMapping = `{
	"mappings": {
		"properties": {
			"id":         { "type": "keyword" },
			"timestamp":  { "type": "date" },
			"user_id":    { "type": "keyword" },
			"action":     { "type": "keyword" },
			"resource":   { "type": "keyword" },
			"ip_address": { "type": "ip", "ignore_malformed": true },
			"user_agent": { "type": "text" },
			"success":    { "type": "boolean" },
			"severity":   { "type": "keyword" },
			"details":    { "type": "object", "enabled": true }
		}
	}
}`

// Indexer copies documents into a search index
type Indexer interface {
	IndexDocument(ctx context.Context, index, docID string, doc interface{}) error
	EnsureIndex(ctx context.Context, index, mapping string) error
}

// Service writes audit events. Postgres is authoritative; the index copy is
// asynchronous and its failures are only logged.
type Service struct {
	store        Store
	indexer      Indexer
	logger       *zap.Logger
	now          func() time.Time
	indexTimeout time.Duration

	wg sync.WaitGroup
}

// NewService creates an audit service. indexer may be nil.
func NewService(store Store, indexer Indexer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        store,
		indexer:      indexer,
		logger:       logger.With(zap.String("service", "audit")),
		now:          time.Now,
		indexTimeout: 5 * time.Second,
	}
}

// InitIndex creates the search index when an indexer is configured
func (s *Service) InitIndex(ctx context.Context) error {
	if s.indexer == nil {
		return nil
	}
	if err := s.indexer.EnsureIndex(ctx, IndexName, indexMapping); err != nil {
		s.logger.Warn("failed to ensure audit index", zap.Error(err))
		return err
	}
	s.logger.Info("audit index ready", zap.String("index", IndexName))
	return nil
}

// Log stores event, filling ID, timestamp, resource and severity when empty
func (s *Service) Log(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	if event.Resource == "" {
		event.Resource = ResourceAuth
	}
	if event.Severity == "" {
		event.Severity = SeverityFor(event.Success)
	}

	s.logger.Debug("Logging audit event",
		zap.String("action", string(event.Action)),
		zap.String("user_id", event.UserID),
		zap.Bool("success", event.Success),
	)

	if err := s.store.Insert(ctx, event); err != nil {
		return err
	}

	if s.indexer != nil {
		doc := *event
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ictx, cancel := context.WithTimeout(context.Background(), s.indexTimeout)
			defer cancel()
			if err := s.indexer.IndexDocument(ictx, IndexName, doc.ID, doc); err != nil {
				s.logger.Warn("failed to index audit event",
					zap.String("event_id", doc.ID),
					zap.Error(err))
			}
		}()
	}
	return nil
}

// Record logs event and swallows the error after logging it. Request handlers
// use it so an audit outage does not fail a login.
func (s *Service) Record(ctx context.Context, event Event) {
	if s == nil {
		return
	}
	if err := s.Log(ctx, &event); err != nil {
		s.logger.Error("failed to write audit event",
			zap.String("action", string(event.Action)),
			zap.Error(err))
	}
}

// List returns stored events
func (s *Service) List(ctx context.Context, filter Filter) ([]Event, error) {
	return s.store.List(ctx, filter)
}

// Flush waits for in-flight index writes
func (s *Service) Flush() {
	s.wg.Wait()
}
