// Package cmdctx implements command contexts (spec.md §4.8): small state
// machines owned by a cookie, stepped until Done or WouldBlock. Resumption
// is a plain method call on the same object, never a host coroutine,
// per spec.md §9's explicit re-architecture guidance.
package cmdctx

import (
	"context"

	"github.com/mcbpd/mcbpd/internal/engine"
	"github.com/mcbpd/mcbpd/internal/errcode"
)

// StepResult is what Context.Step returns each time it is driven.
type StepResult int

const (
	Done StepResult = iota
	WouldBlock
)

// Context is the interface a cookie holds in its CommandContext slot.
type Context interface {
	Step(ctx context.Context) (StepResult, errcode.Code)
}

// maxCasRetries bounds the auto-retry loop for CAS-mismatch contexts
// (spec.md §4.8: "MAY auto-retry up to 100 times; exceeding that
// surfaces TempFail").
const maxCasRetries = 100

// MutationContext drives a single store/remove-style mutation, including
// transparent CAS-mismatch retry for operations that compute their new
// value from the old one (append/prepend/arithmetic).
type MutationContext struct {
	Bucket   engine.Bucket
	Vbucket  uint16
	Key      []byte
	Cas      uint64

	// Compute derives the next value to store from the currently-stored
	// item (nil if the key does not exist). Returning ok=false aborts the
	// context with the given code without retrying.
	Compute func(current *engine.ItemInfo) (value []byte, flags uint32, expiration uint32, datatype byte, ok bool, code errcode.Code)

	retries int
	NewCas  uint64
	Result  errcode.Code
}

func (m *MutationContext) Step(ctx context.Context) (StepResult, errcode.Code) {
	var current *engine.ItemInfo
	info, code := m.Bucket.Get(ctx, m.Vbucket, m.Key)
	if code == errcode.Success {
		current = &info
	} else if code != errcode.KeyNotFound {
		m.Result = code
		return Done, code
	}

	value, flags, expiration, datatype, ok, computeCode := m.Compute(current)
	if !ok {
		m.Result = computeCode
		return Done, computeCode
	}

	cas := m.Cas
	if current != nil && cas == 0 {
		cas = current.Cas
	}

	newCas, storeCode := m.Bucket.Store(ctx, m.Vbucket, m.Key, value, flags, expiration, datatype, cas)
	if storeCode == errcode.KeyExists {
		m.retries++
		if m.retries >= maxCasRetries {
			m.Result = errcode.TmpFail
			return Done, errcode.TmpFail
		}
		return m.Step(ctx)
	}
	m.NewCas = newCas
	m.Result = storeCode
	return Done, storeCode
}

// RemoveContext drives a delete, honoring an optional CAS constraint.
type RemoveContext struct {
	Bucket  engine.Bucket
	Vbucket uint16
	Key     []byte
	Cas     uint64
}

func (r *RemoveContext) Step(ctx context.Context) (StepResult, errcode.Code) {
	code := r.Bucket.Remove(ctx, r.Vbucket, r.Key, r.Cas)
	return Done, code
}

// GetContext drives a plain fetch.
type GetContext struct {
	Bucket  engine.Bucket
	Vbucket uint16
	Key     []byte

	Info engine.ItemInfo
}

func (g *GetContext) Step(ctx context.Context) (StepResult, errcode.Code) {
	info, code := g.Bucket.Get(ctx, g.Vbucket, g.Key)
	g.Info = info
	return Done, code
}
