package community

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// Redis-backed adapter. Each node is a hash keyed by soul; hash fields
// hold the field value together with its write state, and accepted writes
// fan out over a single pub/sub channel per namespace. The merge is
// read-compare-write with no transaction, which keeps the same racy
// last-writer-wins contract as the other substrates.

const redisChangeChannel = AppNamespace + ":changes"

type redisChange struct {
	Soul   string                `json:"soul"`
	Fields map[string]FieldValue `json:"fields"`
}

type RedisStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	client *redis.Client

	clock stateClock

	stateLock sync.Mutex
	// parent soul -> subscriptions
	subscriptions map[string]map[int]SubscribeFunction
	nextSubId     int
}

func NewRedisStore(ctx context.Context, addr string, password string, db int) *RedisStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &RedisStore{
		ctx:    cancelCtx,
		cancel: cancel,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		subscriptions: map[string]map[int]SubscribeFunction{},
	}
	go store.run()
	return store
}

func (self *RedisStore) run() {
	defer self.cancel()

	pubsub := self.client.Subscribe(self.ctx, redisChangeChannel)
	defer pubsub.Close()

	for {
		message, err := pubsub.ReceiveMessage(self.ctx)
		if err != nil {
			if self.ctx.Err() != nil {
				return
			}
			glog.Infof("[rds]receive = %s\n", err)
			continue
		}
		var change redisChange
		if err := json.Unmarshal([]byte(message.Payload), &change); err != nil {
			glog.V(1).Infof("[rds]bad change payload = %s\n", err)
			continue
		}
		self.dispatch(&change)
	}
}

func (self *RedisStore) dispatch(change *redisChange) {
	parentSoul, childId, ok := splitSoul(change.Soul)
	if !ok {
		return
	}

	self.stateLock.Lock()
	callbacks := maps.Values(self.subscriptions[parentSoul])
	self.stateLock.Unlock()
	if len(callbacks) == 0 {
		return
	}

	attrs, ok, err := self.readNode(self.ctx, change.Soul)
	if err != nil || !ok {
		return
	}
	for _, callback := range callbacks {
		func() {
			defer recover()
			callback(childId, attrs)
		}()
	}
}

func (self *RedisStore) Put(path Path, attrs Attrs) {
	state := self.clock.next()
	soul := path.Soul()

	// fire and forget, matching the store contract
	go func() {
		accepted := map[string]FieldValue{}
		for field, value := range attrs {
			existingRaw, err := self.client.HGet(self.ctx, soul, field).Result()
			if err == nil {
				var existing FieldValue
				if json.Unmarshal([]byte(existingRaw), &existing) == nil {
					if state < existing.State {
						continue
					}
					if state == existing.State && !jsonGreater(value, existing.Value) {
						continue
					}
				}
			}
			accepted[field] = FieldValue{
				State: state,
				Value: value,
			}
		}
		if len(accepted) == 0 {
			return
		}

		encoded := map[string]any{}
		for field, value := range accepted {
			valueBytes, err := json.Marshal(value)
			if err != nil {
				continue
			}
			encoded[field] = string(valueBytes)
		}
		if err := self.client.HSet(self.ctx, soul, encoded).Err(); err != nil {
			glog.Infof("[rds]put %s = %s\n", soul, err)
			return
		}
		parentSoul, _, ok := splitSoul(soul)
		if ok {
			// track children for subscription replay
			self.client.SAdd(self.ctx, parentSoul+":children", soul)
		}

		change := &redisChange{
			Soul:   soul,
			Fields: accepted,
		}
		changeBytes, _ := json.Marshal(change)
		self.client.Publish(self.ctx, redisChangeChannel, string(changeBytes))
	}()
}

func (self *RedisStore) Get(ctx context.Context, path Path) (Attrs, bool, error) {
	return self.readNode(ctx, path.Soul())
}

func (self *RedisStore) readNode(ctx context.Context, soul string) (Attrs, bool, error) {
	raw, err := self.client.HGetAll(ctx, soul).Result()
	if err != nil {
		return nil, false, err
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	attrs := make(Attrs, len(raw))
	for field, encoded := range raw {
		var value FieldValue
		if json.Unmarshal([]byte(encoded), &value) == nil {
			attrs[field] = value.Value
		}
	}
	return attrs, true, nil
}

func (self *RedisStore) Subscribe(path Path, callback SubscribeFunction) UnsubscribeFunction {
	parentSoul := path.Soul()

	self.stateLock.Lock()
	subId := self.nextSubId
	self.nextSubId += 1
	if self.subscriptions[parentSoul] == nil {
		self.subscriptions[parentSoul] = map[int]SubscribeFunction{}
	}
	self.subscriptions[parentSoul][subId] = callback
	self.stateLock.Unlock()

	// replay existing children
	go func() {
		souls, err := self.client.SMembers(self.ctx, parentSoul+":children").Result()
		if err != nil {
			return
		}
		for _, soul := range souls {
			childId, ok := childOf(soul, parentSoul+"/")
			if !ok {
				continue
			}
			attrs, ok, err := self.readNode(self.ctx, soul)
			if err != nil || !ok {
				continue
			}
			func() {
				defer recover()
				callback(childId, attrs)
			}()
		}
	}()

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.subscriptions[parentSoul], subId)
	}
}

func (self *RedisStore) Close() {
	self.cancel()
	self.client.Close()
}
