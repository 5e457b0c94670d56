package job

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrUnknownType is returned when a job type id has no registered constructor.
var ErrUnknownType = errors.New("job: unknown type")

// Factory returns a new zero-valued job, ready to have its payload decoded
// into it. It must return a pointer.
type Factory func() Job

// Registry maps stable type ids to job constructors.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	typeIDs   map[reflect.Type]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		typeIDs:   make(map[reflect.Type]string),
	}
}

// Register associates typeID with factory. Each type id and each concrete
// job type may be registered once.
func (r *Registry) Register(typeID string, factory Factory) error {
	if typeID == "" {
		return errors.New("job: type id must not be empty")
	}
	if factory == nil {
		return errors.Newf("job: nil factory for type %q", typeID)
	}
	sample := factory()
	if sample == nil {
		return errors.Newf("job: factory for type %q returned nil", typeID)
	}
	rt := reflect.TypeOf(sample)
	if rt.Kind() != reflect.Ptr {
		return errors.Newf("job: factory for type %q must return a pointer, got %s", typeID, rt)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typeID]; ok {
		return errors.Newf("job: type %q already registered", typeID)
	}
	if existing, ok := r.typeIDs[rt]; ok {
		return errors.Newf("job: %s already registered as %q", rt, existing)
	}
	r.factories[typeID] = factory
	r.typeIDs[rt] = typeID
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(typeID string, factory Factory) {
	if err := r.Register(typeID, factory); err != nil {
		panic(err)
	}
}

// TypeID returns the registered type id of j.
func (r *Registry) TypeID(j Job) (string, error) {
	if j == nil {
		return "", errors.New("job: nil job")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.typeIDs[reflect.TypeOf(j)]
	if !ok {
		return "", errors.Wrapf(ErrUnknownType, "%T", j)
	}
	return id, nil
}

// Types returns the registered type ids, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Serialize returns the type id and payload of j.
func (r *Registry) Serialize(j Job) (string, string, error) {
	typeID, err := r.TypeID(j)
	if err != nil {
		return "", "", err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return "", "", errors.Wrapf(err, "serialize job %q", typeID)
	}
	return typeID, string(data), nil
}

// Deserialize rebuilds a job from its type id and payload. An empty payload
// yields the factory's zero value.
func (r *Registry) Deserialize(typeID, data string) (Job, error) {
	r.mu.RLock()
	factory, ok := r.factories[typeID]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q", typeID)
	}

	j := factory()
	if data != "" {
		if err := json.Unmarshal([]byte(data), j); err != nil {
			return nil, errors.Wrapf(err, "deserialize job %q", typeID)
		}
	}
	return j, nil
}

// Load rebuilds the job stored in rec and restores its try number.
func (r *Registry) Load(rec *Record) (Job, error) {
	j, err := r.Deserialize(rec.JobType, rec.Data)
	if err != nil {
		return nil, err
	}
	j.SetTryNumber(rec.TryNumber)
	return j, nil
}

// CreateRecord builds a Queued record for j, queued now.
func (r *Registry) CreateRecord(j Job) (*Record, error) {
	typeID, data, err := r.Serialize(j)
	if err != nil {
		return nil, err
	}
	return &Record{
		Name:      j.Name(),
		JobType:   typeID,
		Data:      data,
		Status:    StatusQueued,
		TryNumber: j.TryNumber(),
		QueueDate: time.Now().UTC(),
	}, nil
}
