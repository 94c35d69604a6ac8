// Package plugin hosts the compile-time registries for ingress (input) and
// export (output) plug-ins. Chains are resolved from string identifiers at
// configuration time; an unresolved identifier is a configuration error
// reported with every other unresolved name at once.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hazyhaar/imgw/mq"
	"github.com/hazyhaar/imgw/store"
)

// Input transforms a received object before it is buffered. Both the bytes
// and the metadata may be rewritten.
type Input interface {
	Name() string
	Execute(ctx context.Context, data []byte, m *store.FileMetadata) ([]byte, *store.FileMetadata, error)
}

// ExportMessage is the unit flowing through an export task's stages.
type ExportMessage struct {
	ExportTaskID  string
	CorrelationID string
	Filename      string // object-store key
	Data          []byte
	Destinations  []string
	Status        mq.FileExportStatus
	Error         string
}

// Output transforms an export message between download and remote send.
type Output interface {
	Name() string
	Execute(ctx context.Context, msg *ExportMessage) (*ExportMessage, error)
}

var (
	mu      sync.RWMutex
	inputs  = map[string]Input{}
	outputs = map[string]Output{}
)

// RegisterInput adds an input plug-in; duplicate names panic at init time.
func RegisterInput(p Input) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := inputs[p.Name()]; dup {
		panic(fmt.Sprintf("plugin: duplicate input %q", p.Name()))
	}
	inputs[p.Name()] = p
}

// RegisterOutput adds an output plug-in; duplicate names panic at init
// time.
func RegisterOutput(p Output) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := outputs[p.Name()]; dup {
		panic(fmt.Sprintf("plugin: duplicate output %q", p.Name()))
	}
	outputs[p.Name()] = p
}

// InputNames lists the registered input plug-ins, sorted.
func InputNames() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(inputs))
	for n := range inputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InputChain is an ordered sequence of input plug-ins.
type InputChain []Input

// ResolveInputs builds a chain from identifiers, aggregating every
// unresolved name into one error.
func ResolveInputs(names []string) (InputChain, error) {
	mu.RLock()
	defer mu.RUnlock()
	var chain InputChain
	var errs []error
	for _, n := range names {
		p, ok := inputs[n]
		if !ok {
			errs = append(errs, fmt.Errorf("plugin: unknown input %q", n))
			continue
		}
		chain = append(chain, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return chain, nil
}

// Execute runs the chain in order; a plug-in error fails only the in-flight
// instance.
func (c InputChain) Execute(ctx context.Context, data []byte, m *store.FileMetadata) ([]byte, *store.FileMetadata, error) {
	for _, p := range c {
		var err error
		data, m, err = p.Execute(ctx, data, m)
		if err != nil {
			return nil, nil, fmt.Errorf("plugin: input %s: %w", p.Name(), err)
		}
	}
	return data, m, nil
}

// OutputChain is an ordered sequence of output plug-ins.
type OutputChain []Output

// ResolveOutputs builds a chain from identifiers, aggregating every
// unresolved name into one error.
func ResolveOutputs(names []string) (OutputChain, error) {
	mu.RLock()
	defer mu.RUnlock()
	var chain OutputChain
	var errs []error
	for _, n := range names {
		p, ok := outputs[n]
		if !ok {
			errs = append(errs, fmt.Errorf("plugin: unknown output %q", n))
			continue
		}
		chain = append(chain, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return chain, nil
}

// Execute runs the chain in order. Messages already failed upstream pass
// through untouched.
func (c OutputChain) Execute(ctx context.Context, msg *ExportMessage) (*ExportMessage, error) {
	if msg.Status != mq.ExportStatusUnknown && msg.Status != "" {
		return msg, nil
	}
	for _, p := range c {
		var err error
		msg, err = p.Execute(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("plugin: output %s: %w", p.Name(), err)
		}
	}
	return msg, nil
}
