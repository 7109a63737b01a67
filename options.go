package isleimg

import (
	"net/http"

	"github.com/ankur-anand/isleimg/bitmap"
	"github.com/ankur-anand/isleimg/config"
)

type WorkerOptions struct {
	Config config.Config

	// Source fetches encoded bytes for keys that miss both cache tiers.
	Source   Source
	Renderer Renderer
	// Dispatcher delivers renders and operation callbacks. Defaults to
	// running them inline on the calling goroutine.
	Dispatcher Dispatcher

	LoadingPlaceholder *bitmap.Resource
	FailurePlaceholder *bitmap.Resource

	Metrics *WorkerMetrics

	// OnCacheOp receives completion of the initial cache open and of cache
	// operations started without their own callback.
	OnCacheOp func(OperationID)
}

func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		Config:     config.Default(),
		Dispatcher: inlineDispatcher{},
	}
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	o.Config = o.Config.WithDefaults()
	if o.Dispatcher == nil {
		o.Dispatcher = inlineDispatcher{}
	}
	return o
}

type LoaderOptions struct {
	// StageDir holds in-flight downloads. It is emptied when the loader
	// starts.
	StageDir string
}

type HTTPSourceOptions struct {
	Client    *http.Client
	UserAgent string
	// Header is added to every request.
	Header http.Header
}

func DefaultHTTPSourceOptions() HTTPSourceOptions {
	return HTTPSourceOptions{
		UserAgent: "isleimg",
	}
}
