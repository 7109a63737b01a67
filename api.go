package isleimg

import (
	"errors"

	"github.com/ankur-anand/isleimg/bitmap"
	"github.com/ankur-anand/isleimg/cachestore"
)

var (
	ErrNoSource     = errors.New("isleimg: no source configured")
	ErrWorkerClosed = errors.New("isleimg: worker is shut down")
)

// Key identifies an image. Keys are equal when their String forms are.
type Key interface {
	String() string
}

type StringKey string

func (k StringKey) String() string { return string(k) }

// HashKey is the name a key is stored under in the persistent tier.
func HashKey(k Key) string {
	return cachestore.HashKey(k.String())
}

// Target is a display target. It must be comparable; pointers to widgets
// and small value identifiers both work.
type Target any

// Renderer applies results to display targets. Calls for one target never
// overlap and arrive in the order they were decided.
type Renderer interface {
	Show(target Target, res *bitmap.Resource)
	// ShowPlaceholder shows the loading or failure placeholder. res may be nil.
	ShowPlaceholder(target Target, res *bitmap.Resource)
}

// Progress receives fetch progress in bytes. total is -1 when unknown.
type Progress interface {
	SetProgress(total, current int64)
}

type ProgressFunc func(total, current int64)

func (f ProgressFunc) SetProgress(total, current int64) { f(total, current) }

// Dispatcher runs fn on the coordinating context, such as a UI event loop.
type Dispatcher interface {
	Dispatch(fn func())
}

type DispatcherFunc func(fn func())

func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

type inlineDispatcher struct{}

func (inlineDispatcher) Dispatch(fn func()) { fn() }

// OperationID names an asynchronous cache operation reported to its callback.
type OperationID int

const (
	OpClear OperationID = iota
	OpInit
	OpFlush
	OpClose
)

func (op OperationID) String() string {
	switch op {
	case OpClear:
		return "clear"
	case OpInit:
		return "init"
	case OpFlush:
		return "flush"
	case OpClose:
		return "close"
	default:
		return "unknown"
	}
}

// DisplayConfig overrides the worker defaults for one request.
type DisplayConfig struct {
	Width   int
	Height  int
	Format  bitmap.Format
	Loading *bitmap.Resource
	Failure *bitmap.Resource
}
