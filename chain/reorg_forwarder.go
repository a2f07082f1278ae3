package chain

import "sync/atomic"

// ReorgForwarder breaks the construction-order cycle between a pow
// chain and a state chain that wants to subscribe to its reorgs: the
// state chain needs the pow chain to exist first (it holds a reference
// to it as a PowAnchor), but NewPowChain's ReorgHook is fixed at
// construction time, before the state chain exists. Callers pass
// forwarder.Hook() into NewPowChain, then call Set once the state chain
// is built.
type ReorgForwarder struct {
	target atomic.Value // func(Reorg)
}

// Hook returns a ReorgHook that forwards to whatever target was last
// set via Set, or does nothing if Set has never been called.
func (f *ReorgForwarder) Hook() ReorgHook {
	return func(r Reorg) {
		if fn, ok := f.target.Load().(func(Reorg)); ok && fn != nil {
			fn(r)
		}
	}
}

// Set installs the forwarding target.
func (f *ReorgForwarder) Set(fn func(Reorg)) {
	f.target.Store(fn)
}
