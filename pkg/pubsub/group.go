package pubsub

import (
	"fmt"
	"log/slog"
	"sync"
)

// Group is a set of workers sharing a logical consumer-group family. Each
// worker carries a distinct identity ("<group>-worker-<i>") and therefore
// its own committed-offset cursor on the broker: fan-out without partition
// rebalancing, acceptable because worker identities are stable.
type Group struct {
	id      string
	topics  []string
	workers []*Worker
}

// ID returns the logical group id.
func (g *Group) ID() string { return g.id }

// GroupStats aggregates per-worker statistics.
type GroupStats struct {
	GroupID      string        `json:"group_id"`
	WorkerCount  int           `json:"worker_count"`
	Processed    int64         `json:"processed"`
	Failed       int64         `json:"failed"`
	Retried      int64         `json:"retried"`
	DeadLettered int64         `json:"dead_lettered"`
	Workers      []WorkerStats `json:"workers"`
}

// Factory constructs and owns the lifecycle of consumer groups.
type Factory struct {
	broker         *Broker
	logger         *slog.Logger
	defaultCfg     WorkerConfig
	defaultWorkers int

	mu     sync.Mutex
	groups map[string]*Group
}

// NewFactory creates a consumer-group factory over the broker. defaultCfg
// applies to every group the factory creates.
func NewFactory(broker *Broker, defaultCfg WorkerConfig, logger *slog.Logger) *Factory {
	return &Factory{
		broker:         broker,
		logger:         logger,
		defaultCfg:     defaultCfg,
		defaultWorkers: 1,
		groups:         make(map[string]*Group),
	}
}

// SetDefaultWorkers sets the worker count used when a group is created with
// an unspecified (non-positive) count.
func (f *Factory) SetDefaultWorkers(n int) {
	if n > 0 {
		f.defaultWorkers = n
	}
}

// CreateGroup builds workerCount workers dispatching single messages to
// handler. Duplicate group ids and missing handlers are wiring errors and
// fail fast.
func (f *Factory) CreateGroup(groupID string, topics []string, workerCount int, handler Handler) (*Group, error) {
	if handler == nil {
		return nil, fmt.Errorf("pubsub: create group %s: nil handler", groupID)
	}
	return f.create(groupID, topics, workerCount, handler, nil)
}

// CreateBatchGroup builds workerCount workers dispatching whole batches to
// handler, preserving offset order within each batch.
func (f *Factory) CreateBatchGroup(groupID string, topics []string, workerCount int, handler BatchHandler) (*Group, error) {
	if handler == nil {
		return nil, fmt.Errorf("pubsub: create batch group %s: nil handler", groupID)
	}
	return f.create(groupID, topics, workerCount, nil, handler)
}

func (f *Factory) create(groupID string, topics []string, workerCount int, h Handler, bh BatchHandler) (*Group, error) {
	if groupID == "" {
		return nil, fmt.Errorf("pubsub: empty group id")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("pubsub: create group %s: no topics", groupID)
	}
	if workerCount <= 0 {
		workerCount = f.defaultWorkers
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.groups[groupID]; exists {
		return nil, fmt.Errorf("pubsub: group %s already exists", groupID)
	}

	g := &Group{id: groupID, topics: topics}
	for i := 0; i < workerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", groupID, i)
		w, err := newWorker(workerID, groupID, topics, f.broker, h, bh, f.defaultCfg, f.logger)
		if err != nil {
			return nil, err
		}
		g.workers = append(g.workers, w)
	}

	f.groups[groupID] = g
	f.logger.Info("consumer group created",
		slog.String("group", groupID),
		slog.Any("topics", topics),
		slog.Int("workers", workerCount),
	)
	return g, nil
}

// Start launches all workers of the group. Idempotent per worker.
func (f *Factory) Start(groupID string) error {
	g, err := f.group(groupID)
	if err != nil {
		return err
	}
	for _, w := range g.workers {
		if err := w.Start(); err != nil {
			return fmt.Errorf("start group %s: %w", groupID, err)
		}
	}
	return nil
}

// Stop halts all workers of the group, waiting out each worker's grace
// period. Idempotent.
func (f *Factory) Stop(groupID string) error {
	g, err := f.group(groupID)
	if err != nil {
		return err
	}
	for _, w := range g.workers {
		w.Stop()
	}
	return nil
}

// StopAll halts every group the factory owns.
func (f *Factory) StopAll() {
	f.mu.Lock()
	groups := make([]*Group, 0, len(f.groups))
	for _, g := range f.groups {
		groups = append(groups, g)
	}
	f.mu.Unlock()

	for _, g := range groups {
		for _, w := range g.workers {
			w.Stop()
		}
	}
}

// Stats aggregates statistics across the group's workers.
func (f *Factory) Stats(groupID string) (GroupStats, error) {
	g, err := f.group(groupID)
	if err != nil {
		return GroupStats{}, err
	}

	stats := GroupStats{GroupID: groupID, WorkerCount: len(g.workers)}
	for _, w := range g.workers {
		ws := w.Stats()
		stats.Processed += ws.Processed
		stats.Failed += ws.Failed
		stats.Retried += ws.Retried
		stats.DeadLettered += ws.DeadLettered
		stats.Workers = append(stats.Workers, ws)
	}
	return stats, nil
}

// Groups lists the ids of all groups the factory owns.
func (f *Factory) Groups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.groups))
	for id := range f.groups {
		ids = append(ids, id)
	}
	return ids
}

func (f *Factory) group(groupID string) (*Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	return g, nil
}
