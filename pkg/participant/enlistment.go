package participant

import (
	"context"

	"go.uber.org/zap"

	"github.com/baxromumarov/xa-participant/pkg/xaerr"
)

// Enlister registers a participant with the transaction manager's current
// global transaction, typically by calling Start on one of its resources.
type Enlister interface {
	Enlist(ctx context.Context, p *Participant) error
}

// EnlisterFunc adapts a function to Enlister.
type EnlisterFunc func(ctx context.Context, p *Participant) error

func (f EnlisterFunc) Enlist(ctx context.Context, p *Participant) error {
	return f(ctx, p)
}

// EnlistmentStrategy decides when a connection joins the current transaction.
type EnlistmentStrategy interface {
	Name() string
	defers() bool
}

type enlistment struct {
	name string
	lazy bool
}

func (e enlistment) Name() string { return e.name }
func (e enlistment) defers() bool { return e.lazy }

var (
	// EagerEnlistment enlists when the connection is acquired.
	EagerEnlistment EnlistmentStrategy = enlistment{name: "eager"}
	// LazyEnlistment marks the connection and enlists on first use.
	LazyEnlistment EnlistmentStrategy = enlistment{name: "lazy", lazy: true}
)

// AssociationStrategy decides whether a handle may give up its connection
// between uses.
type AssociationStrategy interface {
	Name() string
	dissociable() bool
}

type association struct {
	name string
	lazy bool
}

func (a association) Name() string      { return a.name }
func (a association) dissociable() bool { return a.lazy }

var (
	// EagerAssociation keeps the connection associated for the handle's lifetime.
	EagerAssociation AssociationStrategy = association{name: "eager"}
	// LazyAssociation lets an idle handle release its connection.
	LazyAssociation AssociationStrategy = association{name: "lazy", lazy: true}
)

// Acquire is called when a handle obtains the connection while a global
// transaction may be active. With eager enlistment e runs now; with lazy
// enlistment it runs on the first EnsureEnlisted.
func (p *Participant) Acquire(ctx context.Context, e Enlister) error {
	p.mu.Lock()
	p.associated = true
	if p.enlistment.defers() {
		p.enlister = e
		p.deferred = e != nil
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if e == nil {
		return nil
	}
	return e.Enlist(ctx, p)
}

// EnsureEnlisted runs a deferred enlistment, if any. Statement execution calls
// it before touching the connection.
func (p *Participant) EnsureEnlisted(ctx context.Context) error {
	p.mu.Lock()
	if !p.deferred {
		p.mu.Unlock()
		return nil
	}
	e := p.enlister
	p.deferred = false
	p.enlister = nil
	p.mu.Unlock()

	if err := e.Enlist(ctx, p); err != nil {
		p.mu.Lock()
		p.deferred = true
		p.enlister = e
		p.mu.Unlock()
		p.logger.Warn("deferred enlistment failed", zap.Error(err))
		return err
	}
	return nil
}

// Deferred reports whether an enlistment is pending.
func (p *Participant) Deferred() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deferred
}

// Dissociate releases the connection from its handle. Only lazy association
// allows it, and only while no transaction is open.
func (p *Participant) Dissociate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.association.dissociable() {
		return xaerr.Protocol("dissociate", "%s association does not release connections", p.association.Name())
	}
	if st := p.state.State(); !st.Quiescent() {
		return xaerr.Protocol("dissociate", "transaction active (state %s)", st)
	}
	p.associated = false
	return nil
}

// Associate reattaches the connection to a handle.
func (p *Participant) Associate() {
	p.mu.Lock()
	p.associated = true
	p.mu.Unlock()
}

// Associated reports whether a handle currently holds the connection. A
// dissociated participant refuses Begin and Start until Associate.
func (p *Participant) Associated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.associated
}
