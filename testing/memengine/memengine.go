// Package memengine is an in-memory reference implementation of
// engine.Bucket, used only by tests (spec.md §1 explicitly puts the real
// storage engine out of scope). It follows the atomic-counter/mutex
// pattern of the teacher's lib/store/lstore.storeImpl rather than
// anything engine-specific, since that is the closest in-pack precedent
// for "a goroutine-safe map guarded by one mutex, with a monotonic
// counter for CAS".
package memengine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mcbpd/mcbpd/internal/engine"
	"github.com/mcbpd/mcbpd/internal/errcode"
)

type entry struct {
	value      []byte
	flags      uint32
	expiration uint32
	cas        uint64
	datatype   byte
	locked     bool
	lockCas    uint64
}

// Bucket is a single in-memory bucket. Zero value is not usable; use New.
type Bucket struct {
	name  string
	index int

	mu    sync.Mutex
	items map[string]*entry
	casCounter uint64
	state      atomic.Int32

	cdc *cdcEngine
}

// New constructs a ready in-memory bucket.
func New(name string, index int) *Bucket {
	b := &Bucket{name: name, index: index, items: make(map[string]*entry)}
	b.state.Store(int32(engine.BucketReady))
	b.cdc = newCDCEngine(b)
	return b
}

func (b *Bucket) Name() string              { return b.name }
func (b *Bucket) Index() int                { return b.index }
func (b *Bucket) State() engine.BucketState { return engine.BucketState(b.state.Load()) }
func (b *Bucket) CDC() engine.CDCEngine     { return b.cdc }

func vbKey(vbucket uint16, key []byte) string {
	return string(key)
}

func (b *Bucket) nextCas() uint64 {
	return atomic.AddUint64(&b.casCounter, 1)
}

func (b *Bucket) Get(ctx context.Context, vbucket uint16, key []byte) (engine.ItemInfo, errcode.Code) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.items[vbKey(vbucket, key)]
	if !ok {
		return engine.ItemInfo{}, errcode.KeyNotFound
	}
	return itemInfo(e, vbucket), errcode.Success
}

func (b *Bucket) GetAndTouch(ctx context.Context, vbucket uint16, key []byte, expiration uint32) (engine.ItemInfo, errcode.Code) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.items[vbKey(vbucket, key)]
	if !ok {
		return engine.ItemInfo{}, errcode.KeyNotFound
	}
	e.expiration = expiration
	e.cas = b.nextCas()
	return itemInfo(e, vbucket), errcode.Success
}

func (b *Bucket) GetLocked(ctx context.Context, vbucket uint16, key []byte, lockTimeout uint32) (engine.ItemInfo, errcode.Code) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.items[vbKey(vbucket, key)]
	if !ok {
		return engine.ItemInfo{}, errcode.KeyNotFound
	}
	if e.locked {
		return engine.ItemInfo{}, errcode.LockedTmpFail
	}
	e.locked = true
	e.lockCas = b.nextCas()
	e.cas = e.lockCas
	return itemInfo(e, vbucket), errcode.Success
}

func (b *Bucket) Unlock(ctx context.Context, vbucket uint16, key []byte, cas uint64) errcode.Code {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.items[vbKey(vbucket, key)]
	if !ok {
		return errcode.KeyNotFound
	}
	if !e.locked || e.lockCas != cas {
		return errcode.TmpFail
	}
	e.locked = false
	return errcode.Success
}

func (b *Bucket) GetMeta(ctx context.Context, vbucket uint16, key []byte) (engine.ItemInfo, errcode.Code) {
	return b.Get(ctx, vbucket, key)
}

func (b *Bucket) Store(ctx context.Context, vbucket uint16, key, value []byte, flags uint32, expiration uint32, datatype byte, cas uint64) (uint64, errcode.Code) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := vbKey(vbucket, key)
	e, exists := b.items[k]
	if exists && e.locked && e.lockCas != cas {
		return 0, errcode.LockedTmpFail
	}
	if cas != 0 {
		if !exists {
			return 0, errcode.KeyNotFound
		}
		if e.cas != cas {
			return 0, errcode.KeyExists
		}
	}
	newCas := b.nextCas()
	b.items[k] = &entry{value: value, flags: flags, expiration: expiration, cas: newCas, datatype: datatype}
	return newCas, errcode.Success
}

func (b *Bucket) Remove(ctx context.Context, vbucket uint16, key []byte, cas uint64) errcode.Code {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := vbKey(vbucket, key)
	e, ok := b.items[k]
	if !ok {
		return errcode.KeyNotFound
	}
	if cas != 0 && e.cas != cas {
		return errcode.KeyExists
	}
	delete(b.items, k)
	return errcode.Success
}

func (b *Bucket) Flush(ctx context.Context, vbucket uint16) errcode.Code {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[string]*entry)
	return errcode.Success
}

func (b *Bucket) AllocateEx(ctx context.Context, args engine.AllocateArgs) (*engine.Item, errcode.Code) {
	if args.PrivNBytes > 0 && args.NBytes > args.PrivNBytes {
		return nil, errcode.E2Big
	}
	return &engine.Item{
		Key:   args.Key,
		Value: make([]byte, 0, args.NBytes),
		Info: engine.ItemInfo{
			Flags:      args.Flags,
			Expiration: args.Expiration,
			Datatype:   args.Datatype,
			Vbucket:    args.Vbucket,
		},
	}, errcode.Success
}

func (b *Bucket) StoreItem(ctx context.Context, vbucket uint16, item *engine.Item, cas uint64) (uint64, errcode.Code) {
	return b.Store(ctx, vbucket, item.Key, item.Value, item.Info.Flags, item.Info.Expiration, item.Info.Datatype, cas)
}

func (b *Bucket) Stats(ctx context.Context, key string) (map[string]string, errcode.Code) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]string{
		"items": itoa(len(b.items)),
		"name":  b.name,
	}, errcode.Success
}

func (b *Bucket) UnknownCommand(ctx context.Context, opcode byte, key, extras, value []byte) ([]byte, []byte, errcode.Code) {
	return nil, nil, errcode.ENotSup
}

func itemInfo(e *entry, vbucket uint16) engine.ItemInfo {
	return engine.ItemInfo{
		Value:      e.value,
		Flags:      e.flags,
		Expiration: e.expiration,
		Cas:        e.cas,
		Datatype:   e.datatype,
		Vbucket:    vbucket,
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Registry is an in-memory bucket registry (spec.md §3 Registry) that
// grows by one slot per Create, with slot 0 reserved for the no-bucket
// sentinel.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Bucket
	byIndex []*Bucket
	none    *Bucket
}

func NewRegistry() *Registry {
	none := New("", 0)
	return &Registry{
		byName:  map[string]*Bucket{},
		byIndex: []*Bucket{none},
		none:    none,
	}
}

func (r *Registry) Create(name string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := New(name, len(r.byIndex))
	r.byIndex = append(r.byIndex, b)
	r.byName[name] = b
	return b
}

func (r *Registry) ByName(name string) (engine.Bucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byName[name]
	return b, ok
}

func (r *Registry) ByIndex(index int) (engine.Bucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.byIndex) {
		return nil, false
	}
	return r.byIndex[index], true
}

func (r *Registry) NoBucket() engine.Bucket { return r.none }
