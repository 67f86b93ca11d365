// Package visparam exposes a read-only view over the externally-managed
// visualization-parameter catalogue (§4.4). The catalogue itself lives in
// a MongoDB collection outside the core's ownership; this package only
// reads it and derives a deterministic, versioned capabilities snapshot.
package visparam

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Category is the sensor family a VisParam's band recipe targets.
type Category string

const (
	CategorySentinel Category = "sentinel"
	CategoryLandsat  Category = "landsat"
)

// VisParam is a read-only render recipe. Lifecycle is external; the core
// never mutates one.
type VisParam struct {
	Name     string   `bson:"name"`
	Category Category `bson:"category"`
	Bands    []string `bson:"bands"`
	Stretch  string   `bson:"stretch"`
	Palette  []string `bson:"palette"`
	Active   bool     `bson:"active"`
}

// layerCategory maps a known layer to the VisParam category it accepts,
// enforcing §3's "(layer, visparam) must be compatible" invariant.
var layerCategory = map[string]Category{
	"s2_harmonized": CategorySentinel,
	"landsat":       CategoryLandsat,
}

// Source fetches the current catalogue snapshot. Implemented by
// mongoSource in production and by a fixed in-memory list in tests.
type Source interface {
	// List returns every VisParam document currently in the catalogue.
	List(ctx context.Context) ([]VisParam, error)
}

// Registry is a polling, cached, read-only view over Source. It never
// mutates cached tiles on a catalogue change: a renamed or reparameterised
// recipe becomes a new visparam value, and since MosaicKey embeds
// visparam, the old cache entries simply age out under their own TTL.
type Registry struct {
	source      Source
	pollEvery   time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	byName   map[string]VisParam
	version  atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Registry and performs a synchronous first load so that
// lookups immediately after construction are never spuriously empty.
func New(ctx context.Context, source Source, pollEvery time.Duration, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pollEvery <= 0 {
		pollEvery = 30 * time.Second
	}
	r := &Registry{
		source:    source,
		pollEvery: pollEvery,
		logger:    logger,
		byName:    make(map[string]VisParam),
		stop:      make(chan struct{}),
	}
	if err := r.reload(ctx); err != nil {
		return nil, fmt.Errorf("visparam: initial load: %w", err)
	}
	go r.pollLoop()
	return r, nil
}

func (r *Registry) pollLoop() {
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.pollEvery)
			if err := r.reload(ctx); err != nil {
				r.logger.Warn("visparam catalogue reload failed", "error", err)
			}
			cancel()
		}
	}
}

func (r *Registry) reload(ctx context.Context) error {
	list, err := r.source.List(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]VisParam, len(list))
	for _, v := range list {
		next[strings.ToLower(v.Name)] = v
	}

	r.mu.Lock()
	changed := !sameSet(r.byName, next)
	r.byName = next
	r.mu.Unlock()

	if changed {
		r.version.Add(1)
		r.logger.Info("visparam catalogue changed", "version", r.version.Load(), "count", len(next))
	}
	return nil
}

func sameSet(a, b map[string]VisParam) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

// Close stops the background poller.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Lookup returns the VisParam for name, if it is known and active.
func (r *Registry) Lookup(name string) (VisParam, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byName[strings.ToLower(name)]
	if !ok || !v.Active {
		return VisParam{}, false
	}
	return v, true
}

// Exists implements keyspace.VisParamChecker.
func (r *Registry) Exists(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// IsCompatible implements keyspace.VisParamChecker: a visparam is
// compatible with layer only if its category matches the layer's sensor
// family (e.g. a landsat-* recipe is rejected on s2_harmonized).
func (r *Registry) IsCompatible(layer, name string) bool {
	v, ok := r.Lookup(name)
	if !ok {
		return false
	}
	want, known := layerCategory[strings.ToLower(layer)]
	if !known {
		return false
	}
	return v.Category == want
}

// Version returns the current capabilities-snapshot version. Callers
// (e.g. the capabilities endpoint's in-process cache) invalidate their
// derived view whenever this changes.
func (r *Registry) Version() int64 { return r.version.Load() }

// Capabilities describes, for a given layer, the visparams usable with it
// — the data backing GET /api/capabilities.
type Capabilities struct {
	Layer     string   `json:"layer"`
	VisParams []string `json:"visparams"`
}

// AllCapabilities returns the current (layer, visparams[]) pairing for
// every known layer.
func (r *Registry) AllCapabilities() []Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capabilities, 0, len(layerCategory))
	for layer, cat := range layerCategory {
		var names []string
		for name, v := range r.byName {
			if v.Active && v.Category == cat {
				names = append(names, name)
			}
		}
		out = append(out, Capabilities{Layer: layer, VisParams: names})
	}
	return out
}

// MongoSource reads the catalogue from a MongoDB collection, the backing
// store spec §1/§4.4 assumes ("the externally-managed visualization-
// parameter catalogue"). The core only ever issues Find: the collection
// is owned and written by a collaborator outside this system.
type MongoSource struct {
	collection *mongo.Collection
}

// NewMongoSource connects to uri and binds to database.collection.
func NewMongoSource(ctx context.Context, uri, database, collection string) (*MongoSource, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("visparam: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("visparam: mongo ping: %w", err)
	}
	return &MongoSource{collection: client.Database(database).Collection(collection)}, nil
}

// List implements Source.
func (m *MongoSource) List(ctx context.Context) ([]VisParam, error) {
	cur, err := m.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("visparam: find: %w", err)
	}
	defer cur.Close(ctx)

	var out []VisParam
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("visparam: decode: %w", err)
	}
	return out, nil
}

// StaticSource is a fixed in-memory Source, used by tests and by
// deployments that seed visparams from local configuration instead of
// Mongo.
type StaticSource struct {
	VisParams []VisParam
}

// List implements Source.
func (s StaticSource) List(context.Context) ([]VisParam, error) {
	return s.VisParams, nil
}
