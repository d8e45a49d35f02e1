package northbound

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLinePort writes one JSON object per line for every notification it
// receives: useful for local debugging without standing up a real
// northbound integration. Safe for concurrent use.
type JSONLinePort struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer
}

// NewJSONLinePort creates a JSONLinePort writing to w.
func NewJSONLinePort(w io.Writer) *JSONLinePort {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLinePort{enc: enc, w: w}
}

func (p *JSONLinePort) emit(t EventType, data any) {
	env := Envelope{Type: t, Timestamp: time.Now(), Data: data}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Diagnostic output only; an encode failure must never propagate
	// back into the caller's hot path.
	_ = p.enc.Encode(env)
}

func (p *JSONLinePort) StateUpdate(deviceID string, attributes map[string]any) {
	p.emit(EventStateUpdate, StateUpdateData{DeviceID: deviceID, Attributes: attributes})
}

func (p *JSONLinePort) BridgeOnline(endpoint string) {
	p.emit(EventBridgeOnline, BridgeEventData{Endpoint: endpoint})
}

func (p *JSONLinePort) BridgeOffline(endpoint string) {
	p.emit(EventBridgeOffline, BridgeEventData{Endpoint: endpoint})
}

func (p *JSONLinePort) Close() error {
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// AsyncJSONLinePort wraps JSONLinePort with non-blocking emission: calls
// queue onto a buffered channel drained by a background goroutine, so a
// slow or stuck writer never stalls the southbound core. A full buffer
// drops the notification rather than blocking.
type AsyncJSONLinePort struct {
	queue chan func(*JSONLinePort)
	done  chan struct{}
	wg    sync.WaitGroup
	inner *JSONLinePort
}

// NewAsyncJSONLinePort creates an AsyncJSONLinePort writing to w, with a
// 64-entry backlog.
func NewAsyncJSONLinePort(w io.Writer) *AsyncJSONLinePort {
	a := &AsyncJSONLinePort{
		queue: make(chan func(*JSONLinePort), 64),
		done:  make(chan struct{}),
		inner: NewJSONLinePort(w),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *AsyncJSONLinePort) enqueue(fn func(*JSONLinePort)) {
	select {
	case a.queue <- fn:
	default:
		// Backlog full; diagnostic events are expendable.
	}
}

func (a *AsyncJSONLinePort) StateUpdate(deviceID string, attributes map[string]any) {
	a.enqueue(func(p *JSONLinePort) { p.StateUpdate(deviceID, attributes) })
}

func (a *AsyncJSONLinePort) BridgeOnline(endpoint string) {
	a.enqueue(func(p *JSONLinePort) { p.BridgeOnline(endpoint) })
}

func (a *AsyncJSONLinePort) BridgeOffline(endpoint string) {
	a.enqueue(func(p *JSONLinePort) { p.BridgeOffline(endpoint) })
}

func (a *AsyncJSONLinePort) run() {
	defer a.wg.Done()
	for {
		select {
		case fn := <-a.queue:
			fn(a.inner)
		case <-a.done:
			for len(a.queue) > 0 {
				(<-a.queue)(a.inner)
			}
			return
		}
	}
}

// Close drains the backlog, stops the background goroutine, and closes
// the underlying writer.
func (a *AsyncJSONLinePort) Close() error {
	close(a.done)
	a.wg.Wait()
	return a.inner.Close()
}
