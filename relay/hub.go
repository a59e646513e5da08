package relay

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"snowedin.community/community"
)

// One connected peer and the hub that fans accepted writes out to all of
// them. The relay does no validation of content: any peer may write any
// field under any key, by design of the substrate.

const peerSendBufferSize = 64

type frame struct {
	Type   string                          `json:"type"`
	Id     string                          `json:"id,omitempty"`
	Soul   string                          `json:"soul,omitempty"`
	Fields map[string]community.FieldValue `json:"fields,omitempty"`
}

type Peer struct {
	id   community.Id
	conn *websocket.Conn
	send chan *frame

	ctx    context.Context
	cancel context.CancelFunc
}

type Hub struct {
	graph *Graph

	settings *ServerSettings

	stateLock sync.Mutex
	peers     map[community.Id]*Peer
}

func NewHub(graph *Graph, settings *ServerSettings) *Hub {
	return &Hub{
		graph:    graph,
		settings: settings,
		peers:    map[community.Id]*Peer{},
	}
}

func (self *Hub) PeerCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.peers)
}

// serve one websocket until it closes
func (self *Hub) Handle(ctx context.Context, conn *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(ctx)
	peer := &Peer{
		id:     community.NewId(),
		conn:   conn,
		send:   make(chan *frame, peerSendBufferSize),
		ctx:    handleCtx,
		cancel: handleCancel,
	}

	self.stateLock.Lock()
	self.peers[peer.id] = peer
	self.stateLock.Unlock()
	glog.V(1).Infof("[hub]peer %s connected\n", peer.id)

	defer func() {
		peer.cancel()
		self.stateLock.Lock()
		delete(self.peers, peer.id)
		self.stateLock.Unlock()
		conn.Close()
		glog.V(1).Infof("[hub]peer %s disconnected\n", peer.id)
	}()

	go peer.writeLoop(self.settings)

	conn.SetReadLimit(self.settings.MaxFrameBytes)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	for {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case "put":
			self.receivePut(peer, &f)
		case "get":
			self.receiveGet(peer, &f)
		case "map":
			self.receiveMap(peer, &f)
		}
		select {
		case <-handleCtx.Done():
			return
		default:
		}
	}
}

func (self *Hub) receivePut(from *Peer, f *frame) {
	accepted := self.graph.Merge(f.Soul, f.Fields)
	if accepted == nil {
		return
	}
	out := &frame{
		Type:   "node",
		Soul:   f.Soul,
		Fields: accepted,
	}

	self.stateLock.Lock()
	peers := make([]*Peer, 0, len(self.peers))
	for _, peer := range self.peers {
		if peer.id != from.id {
			peers = append(peers, peer)
		}
	}
	self.stateLock.Unlock()

	for _, peer := range peers {
		peer.offer(out)
	}
}

func (self *Hub) receiveGet(peer *Peer, f *frame) {
	node, _ := self.graph.Node(f.Soul)
	// an absent node answers with no fields so the get resolves
	peer.offer(&frame{
		Type:   "node",
		Id:     f.Id,
		Soul:   f.Soul,
		Fields: node,
	})
}

func (self *Hub) receiveMap(peer *Peer, f *frame) {
	for _, soul := range self.graph.Children(f.Soul) {
		node, ok := self.graph.Node(soul)
		if !ok {
			continue
		}
		peer.offer(&frame{
			Type:   "node",
			Soul:   soul,
			Fields: node,
		})
	}
}

func (self *Peer) offer(f *frame) {
	select {
	case self.send <- f:
	default:
		// peer backed up, drop. The next map replay reconverges it.
		glog.V(1).Infof("[hub]peer %s backpressure drop\n", self.id)
	}
}

func (self *Peer) writeLoop(settings *ServerSettings) {
	pingTicker := time.NewTicker(settings.PingTimeout)
	defer pingTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case f := <-self.send:
			self.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.conn.WriteJSON(f); err != nil {
				self.cancel()
				return
			}
		case <-pingTicker.C:
			self.conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				self.cancel()
				return
			}
		}
	}
}
