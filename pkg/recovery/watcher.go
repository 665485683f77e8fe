package recovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
)

// Watcher runs a Resolver pass on a fixed interval
type Watcher struct {
	resolver *Resolver
	interval time.Duration
	logger   *zap.Logger
	onPass   func(*protocol.ResolveResponse, error)
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher. onPass, if set, receives every pass result.
func NewWatcher(resolver *Resolver, interval time.Duration, onPass func(*protocol.ResolveResponse, error)) *Watcher {
	return &Watcher{
		resolver: resolver,
		interval: interval,
		logger:   resolver.logger.Named("watcher"),
		onPass:   onPass,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the loop
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
	w.logger.Info("started", zap.Duration("interval", w.interval))
}

// Stop ends the loop and waits for a running pass
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("stopped")
}

func (w *Watcher) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Initial pass
	w.pass()

	for {
		select {
		case <-ticker.C:
			w.pass()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()

	resp, err := w.resolver.Resolve(ctx)
	if err != nil {
		w.logger.Warn("recovery pass failed", zap.Error(err))
	}
	if w.onPass != nil {
		w.onPass(resp, err)
	}
}
