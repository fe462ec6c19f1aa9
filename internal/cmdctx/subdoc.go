package cmdctx

import (
	"context"

	"github.com/mcbpd/mcbpd/internal/engine"
	"github.com/mcbpd/mcbpd/internal/errcode"
)

// subdocState is the illustrative hardest path from spec.md §4.8:
// ValidateInput -> InflateInputData? -> GetItem -> AllocateNewItem ->
// StoreItem -> Done, with a Reset state between CAS-mismatch retries.
type subdocState int

const (
	subdocValidateInput subdocState = iota
	subdocInflateInputData
	subdocGetItem
	subdocAllocateNewItem
	subdocStoreItem
	subdocDone
	subdocReset
)

// SubdocOperation is one parsed path operation within a multi-path
// subdocument request (spec.md §4.8 "phases, each iterating over parsed
// sub-operations").
type SubdocOperation struct {
	Path  string
	Value []byte
	// Apply computes the rewritten document from doc (the phase's
	// accumulating buffer) and returns it plus this operation's result
	// code; the returned slice replaces the buffer.
	Apply func(doc []byte, path string, value []byte) (rewritten []byte, code errcode.Code)
}

// SubdocContext drives a subdocument mutation across its two phases —
// xattrs then body — exactly as spec.md §4.8 describes, accumulating the
// rewritten document into a contiguous temporary buffer per phase.
type SubdocContext struct {
	Bucket  engine.Bucket
	Vbucket uint16
	Key     []byte
	Cas     uint64

	XattrOps []SubdocOperation
	BodyOps  []SubdocOperation

	// MkDoc, when set, allocates a fresh document (spec.md §8 scenario 4:
	// "Mkdoc ... allocates a fresh JSON document") if the key does not
	// exist instead of failing with KeyNotFound.
	MkDoc       bool
	EmptyDoc    []byte

	state     subdocState
	current   *engine.ItemInfo
	doc       []byte
	inflated  bool
	retries   int

	NewCas uint64
	Result errcode.Code
}

// Doc returns the accumulated document as of the last completed phase,
// for callers (e.g. a counter operation) that need the rewritten bytes
// after Step returns Done.
func (s *SubdocContext) Doc() []byte { return s.doc }

func (s *SubdocContext) Step(ctx context.Context) (StepResult, errcode.Code) {
	for {
		switch s.state {
		case subdocValidateInput:
			if len(s.XattrOps) == 0 && len(s.BodyOps) == 0 {
				s.Result = errcode.EInval
				return Done, errcode.EInval
			}
			s.state = subdocInflateInputData

		case subdocInflateInputData:
			// Snappy-compressed input would be inflated here before the
			// path engine runs; the in-memory reference engine never
			// stores compressed values, so this is a pass-through.
			s.inflated = true
			s.state = subdocGetItem

		case subdocGetItem:
			info, code := s.Bucket.Get(ctx, s.Vbucket, s.Key)
			switch code {
			case errcode.Success:
				s.current = &info
				s.doc = info.Value
				s.state = subdocAllocateNewItem
			case errcode.KeyNotFound:
				if !s.MkDoc {
					s.Result = errcode.KeyNotFound
					return Done, errcode.KeyNotFound
				}
				s.current = nil
				s.doc = append([]byte(nil), s.EmptyDoc...)
				s.state = subdocAllocateNewItem
			default:
				s.Result = code
				return Done, code
			}

		case subdocAllocateNewItem:
			for _, op := range s.XattrOps {
				rewritten, code := op.Apply(s.doc, op.Path, op.Value)
				if code != errcode.Success {
					s.Result = code
					return Done, code
				}
				s.doc = rewritten
			}
			for _, op := range s.BodyOps {
				rewritten, code := op.Apply(s.doc, op.Path, op.Value)
				if code != errcode.Success {
					s.Result = code
					return Done, code
				}
				s.doc = rewritten
			}
			s.state = subdocStoreItem

		case subdocStoreItem:
			cas := s.Cas
			if s.current != nil && cas == 0 {
				cas = s.current.Cas
			}
			var flags uint32
			var datatype byte = 1 // JSON
			newCas, code := s.Bucket.Store(ctx, s.Vbucket, s.Key, s.doc, flags, 0, datatype, cas)
			if code == errcode.KeyExists {
				s.retries++
				if s.retries >= maxCasRetries {
					s.Result = errcode.TmpFail
					return Done, errcode.TmpFail
				}
				s.state = subdocReset
				continue
			}
			s.NewCas = newCas
			s.Result = code
			s.state = subdocDone
			return Done, code

		case subdocReset:
			s.current = nil
			s.doc = nil
			s.inflated = false
			s.state = subdocGetItem

		case subdocDone:
			return Done, s.Result
		}
	}
}
