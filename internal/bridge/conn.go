package bridge

import (
	"context"
	"sync"
)

// Conn is one side of a page<->relay channel. Delivery is FIFO per Conn.
type Conn interface {
	Read(ctx context.Context) (Message, error)
	Write(ctx context.Context, msg Message) error
	Close() error
}

const pipeBuffer = 64

// Pipe returns two connected in-process ends.
func Pipe() (Conn, Conn) {
	ab := make(chan Message, pipeBuffer)
	ba := make(chan Message, pipeBuffer)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, st: shared}, &pipeEnd{in: ab, out: ba, st: shared}
}

type pipeState struct {
	done chan struct{}
	once sync.Once
}

type pipeEnd struct {
	in  <-chan Message
	out chan<- Message
	st  *pipeState
}

func (p *pipeEnd) Read(ctx context.Context) (Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	default:
	}
	select {
	case m := <-p.in:
		return m, nil
	case <-p.st.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (p *pipeEnd) Write(ctx context.Context, msg Message) error {
	select {
	case <-p.st.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.st.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.st.once.Do(func() { close(p.st.done) })
	return nil
}
