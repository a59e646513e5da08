package community

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

// Websocket adapter for a community relay. The relay holds the merged
// graph and fans every accepted write out to all connected peers; this
// adapter keeps a local cache, replays it into subscriptions, and queues
// outbound puts while disconnected so they are delivered once a relay is
// reachable again. Puts are never acked and never time out.

const relaySendBufferSize = 32

type wireFrame struct {
	Type   string                `json:"type"`
	Id     string                `json:"id,omitempty"`
	Soul   string                `json:"soul,omitempty"`
	Fields map[string]FieldValue `json:"fields,omitempty"`
}

type ConnectivityFunction func(connected bool)

type RelayStoreSettings struct {
	WsHandshakeTimeout  time.Duration
	ReconnectTimeout    time.Duration
	PendingFlushTimeout time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
}

func DefaultRelayStoreSettings() *RelayStoreSettings {
	return &RelayStoreSettings{
		WsHandshakeTimeout:  2 * time.Second,
		ReconnectTimeout:    5 * time.Second,
		PendingFlushTimeout: 1 * time.Second,
		PingTimeout:         15 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         60 * time.Second,
	}
}

type RelayStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl string
	settings *RelayStoreSettings

	clock stateClock

	stateLock sync.Mutex
	// merged local cache, soul -> field -> value
	nodes map[string]map[string]FieldValue
	// parent soul -> subscriptions
	subscriptions map[string]map[int]SubscribeFunction
	nextSubId     int
	// puts not yet handed to a live connection
	pendingPuts []*wireFrame
	// get request id -> waiter
	getWaiters map[string]chan Attrs
	connected  bool
	// send channel for the active connection, nil while disconnected
	send chan *wireFrame

	connectivityCallbacks CallbackList[*ConnectivityFunction]
}

func NewRelayStoreWithDefaults(ctx context.Context, relayUrl string) *RelayStore {
	return NewRelayStore(ctx, relayUrl, DefaultRelayStoreSettings())
}

func NewRelayStore(ctx context.Context, relayUrl string, settings *RelayStoreSettings) *RelayStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &RelayStore{
		ctx:           cancelCtx,
		cancel:        cancel,
		relayUrl:      relayUrl,
		settings:      settings,
		nodes:         map[string]map[string]FieldValue{},
		subscriptions: map[string]map[int]SubscribeFunction{},
		pendingPuts:   []*wireFrame{},
		getWaiters:    map[string]chan Attrs{},
	}
	go store.run()
	return store
}

func (self *RelayStore) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.relayUrl, nil)
		if err != nil {
			glog.Infof("[rs]dial %s = %s\n", self.relayUrl, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *RelayStore) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan *wireFrame, relaySendBufferSize)

	// re-issue subscriptions, flush queued puts, mark connected
	self.stateLock.Lock()
	self.send = send
	self.connected = true
	resync := []*wireFrame{}
	for parentSoul, subs := range self.subscriptions {
		if 0 < len(subs) {
			resync = append(resync, &wireFrame{
				Type: "map",
				Soul: parentSoul,
			})
		}
	}
	resync = append(resync, self.pendingPuts...)
	self.pendingPuts = []*wireFrame{}
	self.stateLock.Unlock()

	self.connectivityChanged(true)
	defer func() {
		self.stateLock.Lock()
		self.send = nil
		self.connected = false
		self.stateLock.Unlock()
		// puts still buffered for the dead connection are not lost
	drain:
		for {
			select {
			case frame := <-send:
				self.requeuePuts([]*wireFrame{frame})
			default:
				break drain
			}
		}
		self.connectivityChanged(false)
	}()

	go func() {
		defer handleCancel()

		for i, frame := range resync {
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteJSON(frame); err != nil {
				self.requeuePuts(resync[i:])
				return
			}
		}

		pingTicker := time.NewTicker(self.settings.PingTimeout)
		defer pingTicker.Stop()
		// puts parked during send backpressure are retried on this
		// connection instead of waiting for the next reconnect
		flushTicker := time.NewTicker(self.settings.PendingFlushTimeout)
		defer flushTicker.Stop()
		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(frame); err != nil {
					self.requeuePuts([]*wireFrame{frame})
					return
				}
			case <-flushTicker.C:
				pending := self.takePendingPuts()
				for i, frame := range pending {
					ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
					if err := ws.WriteJSON(frame); err != nil {
						self.requeuePuts(pending[i:])
						return
					}
				}
			case <-pingTicker.C:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		var frame wireFrame
		if err := ws.ReadJSON(&frame); err != nil {
			glog.V(1).Infof("[rs]read = %s\n", err)
			return
		}
		switch frame.Type {
		case "node":
			self.receiveNode(&frame)
		}
		select {
		case <-handleCtx.Done():
			return
		default:
		}
	}
}

// put frames that failed to write go back on the pending queue.
// Non-put frames are re-derived at the next resync instead.
func (self *RelayStore) requeuePuts(frames []*wireFrame) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, frame := range frames {
		if frame.Type == "put" {
			self.pendingPuts = append(self.pendingPuts, frame)
		}
	}
}

func (self *RelayStore) takePendingPuts() []*wireFrame {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	pending := self.pendingPuts
	self.pendingPuts = []*wireFrame{}
	return pending
}

func (self *RelayStore) receiveNode(frame *wireFrame) {
	self.stateLock.Lock()
	node, ok := self.nodes[frame.Soul]
	if !ok {
		node = map[string]FieldValue{}
		self.nodes[frame.Soul] = node
	}
	var changed Attrs
	for field, value := range frame.Fields {
		fieldChanged := MergeFields(node, Attrs{field: value.Value}, value.State)
		if fieldChanged != nil {
			if changed == nil {
				changed = Attrs{}
			}
			changed[field] = value.Value
		}
	}
	snapshot := AttrsOf(node)

	// answer a pending one-shot get
	if frame.Id != "" {
		if waiter, ok := self.getWaiters[frame.Id]; ok {
			delete(self.getWaiters, frame.Id)
			waiter <- snapshot
		}
	}

	var callbacks []SubscribeFunction
	var childId string
	if changed != nil {
		if parentSoul, child, ok := splitSoul(frame.Soul); ok {
			childId = child
			callbacks = maps.Values(self.subscriptions[parentSoul])
		}
	}
	self.stateLock.Unlock()

	for _, callback := range callbacks {
		func() {
			defer recover()
			callback(childId, snapshot)
		}()
	}
}

func (self *RelayStore) Put(path Path, attrs Attrs) {
	state := self.clock.next()
	soul := path.Soul()
	fields := make(map[string]FieldValue, len(attrs))
	for field, value := range attrs {
		fields[field] = FieldValue{
			State: state,
			Value: value,
		}
	}
	frame := &wireFrame{
		Type:   "put",
		Soul:   soul,
		Fields: fields,
	}

	// merge locally first so the writer's own cache reflects the write
	self.stateLock.Lock()
	node, ok := self.nodes[soul]
	if !ok {
		node = map[string]FieldValue{}
		self.nodes[soul] = node
	}
	changed := MergeFields(node, attrs, state)
	var snapshot Attrs
	var callbacks []SubscribeFunction
	var childId string
	if changed != nil {
		if parentSoul, child, ok := splitSoul(soul); ok {
			childId = child
			callbacks = maps.Values(self.subscriptions[parentSoul])
			snapshot = AttrsOf(node)
		}
	}
	send := self.send
	if send == nil {
		self.pendingPuts = append(self.pendingPuts, frame)
	}
	self.stateLock.Unlock()

	// the writer's own subscriptions see the write by the same echo path
	// as everyone else; the hub does not reflect a put to its origin
	for _, callback := range callbacks {
		func() {
			defer recover()
			callback(childId, snapshot)
		}()
	}

	if send != nil {
		select {
		case send <- frame:
		default:
			// connection backed up, flushed on the next tick
			self.requeuePuts([]*wireFrame{frame})
		}
	}
}

func (self *RelayStore) Get(ctx context.Context, path Path) (Attrs, bool, error) {
	requestId := NewId().String()
	waiter := make(chan Attrs, 1)

	// the most recently known value may already be cached locally,
	// from our own puts or from earlier relay traffic
	self.stateLock.Lock()
	if node, ok := self.nodes[path.Soul()]; ok && 0 < len(node) {
		attrs := AttrsOf(node)
		self.stateLock.Unlock()
		return attrs, true, nil
	}
	self.getWaiters[requestId] = waiter
	send := self.send
	self.stateLock.Unlock()

	frame := &wireFrame{
		Type: "get",
		Id:   requestId,
		Soul: path.Soul(),
	}
	if send != nil {
		select {
		case send <- frame:
		default:
		}
	}
	// no reachable relay: the get stays pending until ctx is done,
	// matching the substrate's no-timeout contract

	select {
	case attrs := <-waiter:
		if len(attrs) == 0 {
			return nil, false, nil
		}
		return attrs, true, nil
	case <-ctx.Done():
		self.stateLock.Lock()
		delete(self.getWaiters, requestId)
		self.stateLock.Unlock()
		return nil, false, ctx.Err()
	case <-self.ctx.Done():
		return nil, false, self.ctx.Err()
	}
}

func (self *RelayStore) Subscribe(path Path, callback SubscribeFunction) UnsubscribeFunction {
	parentSoul := path.Soul()
	prefix := parentSoul + "/"

	self.stateLock.Lock()
	subId := self.nextSubId
	self.nextSubId += 1
	first := len(self.subscriptions[parentSoul]) == 0
	if self.subscriptions[parentSoul] == nil {
		self.subscriptions[parentSoul] = map[int]SubscribeFunction{}
	}
	self.subscriptions[parentSoul][subId] = callback
	type replayItem struct {
		childId string
		attrs   Attrs
	}
	replay := []replayItem{}
	for soul, node := range self.nodes {
		if childId, ok := childOf(soul, prefix); ok {
			replay = append(replay, replayItem{
				childId: childId,
				attrs:   AttrsOf(node),
			})
		}
	}
	send := self.send
	self.stateLock.Unlock()

	// replay the local cache, then ask the relay for the full child set
	for _, item := range replay {
		func() {
			defer recover()
			callback(item.childId, item.attrs)
		}()
	}
	if first && send != nil {
		select {
		case send <- &wireFrame{Type: "map", Soul: parentSoul}:
		default:
		}
	}

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.subscriptions[parentSoul], subId)
	}
}

func (self *RelayStore) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

// Tests assert reconnect behavior at this level.
func (self *RelayStore) PendingPutCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pendingPuts)
}

func (self *RelayStore) AddConnectivityCallback(callback *ConnectivityFunction) {
	self.connectivityCallbacks.Add(callback)
}

func (self *RelayStore) RemoveConnectivityCallback(callback *ConnectivityFunction) {
	self.connectivityCallbacks.Remove(callback)
}

func (self *RelayStore) connectivityChanged(connected bool) {
	for _, callback := range self.connectivityCallbacks.Get() {
		func() {
			defer recover()
			(*callback)(connected)
		}()
	}
}

func (self *RelayStore) Close() {
	self.cancel()
}

func splitSoul(soul string) (parentSoul string, childId string, ok bool) {
	for i := len(soul) - 1; 0 <= i; i -= 1 {
		if soul[i] == '/' {
			return soul[:i], soul[i+1:], true
		}
	}
	return "", "", false
}
