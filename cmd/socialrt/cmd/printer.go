package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tsarna/socialrt/pkg/socialrt/dispatch"
	"github.com/tsarna/socialrt/pkg/socialrt/transform"
	"go.uber.org/zap"
)

// eventPrinter writes each event as "destination<TAB>json", one per line.
type eventPrinter struct {
	out       io.Writer
	logger    *zap.Logger
	transform transform.EventTransformFunc

	mu sync.Mutex
}

// eventFilter selects which events are printed and how.
type eventFilter struct {
	// Drop lists destination patterns whose events are skipped.
	Drop []string
	// Only keeps events whose destination has this prefix.
	Only string
	// Jq rewrites payloads after the destination filters.
	Jq string
}

func newEventPrinter(out io.Writer, filter eventFilter, logger *zap.Logger) (*eventPrinter, error) {
	var transforms []transform.EventTransformFunc
	for _, pattern := range filter.Drop {
		transforms = append(transforms, transform.DropDestinationPattern(pattern))
	}
	if filter.Only != "" {
		transforms = append(transforms, transform.KeepDestinationPrefix(filter.Only))
	}
	if filter.Jq != "" {
		jq, err := transform.JqTransform(filter.Jq, logger)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, jq)
	}

	p := &eventPrinter{out: out, logger: logger}
	if len(transforms) > 0 {
		p.transform = transform.ChainTransforms(transforms...)
	}
	return p, nil
}

func (p *eventPrinter) Handle(ctx context.Context, event dispatch.Event) {
	e := &event
	if p.transform != nil {
		if e, _ = p.transform(e); e == nil {
			return
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, e.Payload); err != nil {
		p.logger.Warn("Failed to compact payload", zap.String("destination", e.Destination), zap.Error(err))
		buf.Reset()
		buf.Write(e.Payload)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s\t%s\n", e.Destination, buf.String())
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
