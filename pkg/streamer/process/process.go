package process

import (
	"context"
	"sync"

	"github.com/tauraamui/streamerd/pkg/log"
)

// Runner is anything that streams until its context is cancelled or it
// stops on its own.
type Runner interface {
	Run(ctx context.Context) error
}

// Process runs a single Runner on its own goroutine and keeps whatever it
// returned, so callers learn why streaming stopped.
type Process interface {
	Setup() Process
	Start()
	Stop()
	Wait() error
}

type Settings struct {
	WaitForShutdownMsg string
	Runner             Runner
}

func New(settings Settings) Process {
	return &process{
		runner:             settings.Runner,
		waitForShutdownMsg: settings.WaitForShutdownMsg,
	}
}

type process struct {
	runner             Runner
	waitForShutdownMsg string

	mu        sync.Mutex
	canceller context.CancelFunc
	done      chan struct{}
	err       error
}

func (p *process) logShutdown() {
	if len(p.waitForShutdownMsg) > 0 {
		log.Info(p.waitForShutdownMsg)
	}
}

func (p *process) Setup() Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		p.done = make(chan struct{})
	}
	return p
}

// Start is a no-op once the runner has been started.
func (p *process) Start() {
	p.Setup()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.canceller != nil {
		return
	}

	ctx, canceller := context.WithCancel(context.Background())
	p.canceller = canceller
	go func(ctx context.Context, done chan struct{}) {
		defer close(done)
		err := p.runner.Run(ctx)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}(ctx, p.done)
}

func (p *process) Stop() {
	p.logShutdown()
	p.mu.Lock()
	canceller := p.canceller
	p.mu.Unlock()
	if canceller != nil {
		canceller()
	}
}

// Wait blocks until the runner returned and hands back its error. It
// returns nil straight away for a process that was never started.
func (p *process) Wait() error {
	p.mu.Lock()
	started, done := p.canceller != nil, p.done
	p.mu.Unlock()
	if !started {
		return nil
	}

	<-done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
