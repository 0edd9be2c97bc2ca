package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"dinecache/internal/model"
)

const subscriberBuffer = 8

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Hub consumes the status topic and fans updates out to per-restaurant subscribers.
type Hub struct {
	reader messageReader
	log    logrus.FieldLogger

	mu   sync.Mutex
	subs map[string]map[int]chan model.StatusUpdate
	next int
}

// NewHub reads topic as consumer group groupID.
func NewHub(bootstrap, topic, groupID string, log logrus.FieldLogger) *Hub {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     SplitBrokers(bootstrap),
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	return NewHubWith(r, log)
}

// NewHubWith injects a reader. r may be nil for an in-process hub fed only by Dispatch.
func NewHubWith(r messageReader, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{reader: r, log: log, subs: map[string]map[int]chan model.StatusUpdate{}}
}

// Run consumes until ctx is done. Undecodable messages are skipped.
func (h *Hub) Run(ctx context.Context) error {
	if h.reader == nil {
		<-ctx.Done()
		return nil
	}
	for {
		msg, err := h.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			h.log.WithError(err).Warn("changefeed read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		var u model.StatusUpdate
		if err := json.Unmarshal(msg.Value, &u); err != nil {
			h.log.WithError(err).WithField("offset", msg.Offset).Warn("skip malformed status event")
			continue
		}
		if u.RestaurantID == "" {
			u.RestaurantID = string(msg.Key)
		}
		h.Dispatch(u)
	}
}

// Dispatch delivers u to every subscriber of its restaurant. A full subscriber loses its
// oldest pending update.
func (h *Hub) Dispatch(u model.StatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[u.RestaurantID] {
		for {
			select {
			case ch <- u:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Publish makes the hub usable as an in-process Publisher.
func (h *Hub) Publish(_ context.Context, u model.StatusUpdate) error {
	h.Dispatch(u)
	return nil
}

// Subscribe returns updates for id until ctx is done, then closes the channel.
func (h *Hub) Subscribe(ctx context.Context, id string) (<-chan model.StatusUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan model.StatusUpdate, subscriberBuffer)
	h.mu.Lock()
	n := h.next
	h.next++
	if h.subs[id] == nil {
		h.subs[id] = map[int]chan model.StatusUpdate{}
	}
	h.subs[id][n] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[id], n)
		if len(h.subs[id]) == 0 {
			delete(h.subs, id)
		}
		close(ch)
		h.mu.Unlock()
	}()
	return ch, nil
}

func (h *Hub) Close() error {
	if h.reader == nil {
		return nil
	}
	return h.reader.Close()
}
