package inverter

import "context"

// gate serializes access to one physical link: only one command may be on the wire at a time.
type gate struct {
	slot chan struct{}
}

func newGate() *gate {
	return &gate{slot: make(chan struct{}, 1)}
}

// acquire blocks until the gate is free, or until ctx is done.
func (g *gate) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) release() {
	<-g.slot
}
