package delivery

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoRoute is returned when no subscriber is attached for the target device.
var ErrNoRoute = errors.New("no route to device")

// ErrInboxFull is returned when the device inbox cannot accept the instruction.
var ErrInboxFull = errors.New("device inbox full")

// Subscriber is a device-side inbox of instructions.
type Subscriber chan Instruction

// Broker is an in-process Transport routing instructions to per-device
// subscriber channels. It backs the single-binary deployment and the tests;
// a networked transport plugs in behind the same interface.
type Broker struct {
	subscribers map[string][]Subscriber
	mu          sync.RWMutex
}

func NewBroker() *Broker {
	return &Broker{subscribers: make(map[string][]Subscriber)}
}

// Subscribe attaches an inbox for the given device.
func (b *Broker) Subscribe(deviceID string) Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.subscribers[deviceID] = append(b.subscribers[deviceID], ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe detaches a previously subscribed inbox.
func (b *Broker) Unsubscribe(deviceID string, ch Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[deviceID]
	for i, sub := range subs {
		if sub == ch {
			b.subscribers[deviceID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Dispatch enqueues the instruction to every inbox of the target device.
// A device with no subscriber, a full inbox, or a cancelled context is a
// delivery error surfaced to the dispatcher.
func (b *Broker) Dispatch(ctx context.Context, ins Instruction) error {
	b.mu.RLock()
	subs := b.subscribers[ins.DeviceID]
	b.mu.RUnlock()

	if len(subs) == 0 {
		return errors.Wrapf(ErrNoRoute, "device %s", ins.DeviceID)
	}
	for _, sub := range subs {
		select {
		case sub <- ins:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "dispatch %s to device %s", ins.InstructionID, ins.DeviceID)
		default:
			return errors.Wrapf(ErrInboxFull, "device %s", ins.DeviceID)
		}
	}
	return nil
}
