/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package datastore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/matrixinfer-ai/pd-router/pkg/pd-router/logger"
)

var log = logger.NewLogger("datastore")

// EventType represents different types of events that can trigger callbacks
type EventType string

const (
	EventAdd    EventType = "add"
	EventUpdate EventType = "update"
	EventHealth EventType = "health"
	EventDelete EventType = "delete"
)

// EventData describes a registry mutation. Worker holds the state after the
// change, or the last known state for EventDelete.
type EventData struct {
	EventType EventType
	Worker    Worker
}

// CallbackFunc is the type of function that can be registered as a callback.
// Callbacks run synchronously on the mutating goroutine and must not call
// back into the store's write methods.
type CallbackFunc func(data EventData)

var ErrInvalidWorker = errors.New("invalid worker")

// Store is the authoritative set of prefill and decode workers.
type Store interface {
	// Register adds a worker or refreshes its metadata. Registering the same
	// (role, address) twice is idempotent and keeps the current health.
	Register(w Worker) error
	// Deregister removes the address from every role it is registered under.
	Deregister(address string) bool
	// DeregisterRole removes the address from one role only.
	DeregisterRole(role Role, address string) bool
	// UpdateHealth sets the status of every entry with this address. Unknown
	// addresses are ignored.
	UpdateHealth(address string, status HealthStatus) bool
	UpdateLoad(address string, load float64) bool
	// Acquire marks a request in flight on the worker until release is called.
	Acquire(role Role, address string) (release func())

	Get(role Role, address string) (Worker, bool)
	// List returns workers of the role ordered by address.
	List(role Role, healthyOnly bool) []Worker
	// Addresses returns the distinct registered addresses, sorted.
	Addresses() []string

	RegisterCallback(callback CallbackFunc)
}

type workerEntry struct {
	worker   Worker
	inFlight atomic.Int64
}

func (e *workerEntry) snapshot() Worker {
	w := e.worker
	w.InFlight = e.inFlight.Load()
	return w
}

type store struct {
	// writeMu orders mutations together with their callbacks.
	writeMu sync.Mutex

	mutex   sync.RWMutex
	workers map[Role]map[string]*workerEntry

	callbackMutex sync.RWMutex
	callbacks     []CallbackFunc

	now func() time.Time
}

func New() Store {
	s := &store{
		workers: make(map[Role]map[string]*workerEntry, len(Roles)),
		now:     time.Now,
	}
	for _, role := range Roles {
		s.workers[role] = make(map[string]*workerEntry)
	}
	return s
}

func (s *store) Register(w Worker) error {
	if w.Address == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidWorker)
	}
	if _, err := ParseRole(string(w.Role)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorker, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mutex.Lock()
	event := EventUpdate
	entry, exists := s.workers[w.Role][w.Address]
	if !exists {
		event = EventAdd
		if w.Status == "" {
			w.Status = Healthy
		}
		w.InFlight = 0
		w.RegisteredAt = s.now()
		w.LastTransition = w.RegisteredAt
		entry = &workerEntry{worker: w}
		s.workers[w.Role][w.Address] = entry
	} else {
		// last write wins on metadata, health belongs to the monitor
		entry.worker.KVAddress = w.KVAddress
		if w.Source != "" {
			entry.worker.Source = w.Source
		}
		if w.Load != 0 {
			entry.worker.Load = w.Load
		}
	}
	snapshot := entry.snapshot()
	s.mutex.Unlock()

	if event == EventAdd {
		log.Infof("registered %s worker %s (kv %s, source %s)", w.Role, w.Address, snapshot.TransferAddress(), snapshot.Source)
	} else {
		log.Debugf("refreshed %s worker %s", w.Role, w.Address)
	}
	s.notify(EventData{EventType: event, Worker: snapshot})
	return nil
}

func (s *store) Deregister(address string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mutex.Lock()
	var removed []Worker
	for _, role := range Roles {
		if entry, ok := s.workers[role][address]; ok {
			removed = append(removed, entry.snapshot())
			delete(s.workers[role], address)
		}
	}
	s.mutex.Unlock()

	if len(removed) == 0 {
		log.Debugf("deregister of unknown worker %s ignored", address)
		return false
	}
	for _, w := range removed {
		log.Infof("deregistered %s worker %s", w.Role, w.Address)
		s.notify(EventData{EventType: EventDelete, Worker: w})
	}
	return true
}

func (s *store) DeregisterRole(role Role, address string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mutex.Lock()
	entry, ok := s.workers[role][address]
	if ok {
		delete(s.workers[role], address)
	}
	s.mutex.Unlock()

	if !ok {
		log.Debugf("deregister of unknown %s worker %s ignored", role, address)
		return false
	}
	w := entry.snapshot()
	log.Infof("deregistered %s worker %s", role, address)
	s.notify(EventData{EventType: EventDelete, Worker: w})
	return true
}

func (s *store) UpdateHealth(address string, status HealthStatus) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mutex.Lock()
	found := false
	var changed []Worker
	for _, role := range Roles {
		entry, ok := s.workers[role][address]
		if !ok {
			continue
		}
		found = true
		if entry.worker.Status == status {
			continue
		}
		entry.worker.Status = status
		entry.worker.LastTransition = s.now()
		changed = append(changed, entry.snapshot())
	}
	s.mutex.Unlock()

	if !found {
		log.Warnf("health update for unknown worker %s ignored", address)
		return false
	}
	for _, w := range changed {
		log.Infof("%s worker %s is now %s", w.Role, w.Address, w.Status)
		s.notify(EventData{EventType: EventHealth, Worker: w})
	}
	return true
}

func (s *store) UpdateLoad(address string, load float64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	found := false
	for _, role := range Roles {
		if entry, ok := s.workers[role][address]; ok {
			entry.worker.Load = load
			found = true
		}
	}
	return found
}

func (s *store) Acquire(role Role, address string) func() {
	s.mutex.RLock()
	entry, ok := s.workers[role][address]
	s.mutex.RUnlock()
	if !ok {
		return func() {}
	}
	entry.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { entry.inFlight.Add(-1) })
	}
}

func (s *store) Get(role Role, address string) (Worker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	entry, ok := s.workers[role][address]
	if !ok {
		return Worker{}, false
	}
	return entry.snapshot(), true
}

func (s *store) List(role Role, healthyOnly bool) []Worker {
	s.mutex.RLock()
	result := make([]Worker, 0, len(s.workers[role]))
	for _, entry := range s.workers[role] {
		if healthyOnly && !entry.worker.Available() {
			continue
		}
		result = append(result, entry.snapshot())
	}
	s.mutex.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Address < result[j].Address
	})
	return result
}

func (s *store) Addresses() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	seen := sets.New[string]()
	for _, role := range Roles {
		for addr := range s.workers[role] {
			seen.Insert(addr)
		}
	}
	return sets.List(seen)
}

func (s *store) RegisterCallback(callback CallbackFunc) {
	s.callbackMutex.Lock()
	defer s.callbackMutex.Unlock()
	s.callbacks = append(s.callbacks, callback)
}

func (s *store) notify(data EventData) {
	s.callbackMutex.RLock()
	callbacks := make([]CallbackFunc, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.callbackMutex.RUnlock()

	for _, cb := range callbacks {
		cb(data)
	}
}
