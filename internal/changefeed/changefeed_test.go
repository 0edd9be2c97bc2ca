package changefeed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/segmentio/kafka-go"

	"dinecache/internal/logging"
	"dinecache/internal/metrics"
	"dinecache/internal/model"
)

var at = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func update(id string) model.StatusUpdate {
	return model.StatusUpdate{RestaurantID: id, Status: model.RestaurantStatus{Status: model.StatusOperational, LastChecked: at}}
}

func TestFilePublisher_AppendsLines(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFilePublisher(dir, "status.jsonl")
	if err != nil {
		t.Fatalf("NewFilePublisher: %v", err)
	}
	for _, id := range []string{"r1", "r2"} {
		if err := w.Publish(context.Background(), update(id)); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	f, err := os.Open(filepath.Join(dir, "status.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var got []model.StatusUpdate
	s := bufio.NewScanner(f)
	for s.Scan() {
		var u model.StatusUpdate
		if err := json.Unmarshal(s.Bytes(), &u); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, u)
	}
	if len(got) != 2 || got[0].RestaurantID != "r1" || got[1].RestaurantID != "r2" {
		t.Fatalf("unexpected lines: %+v", got)
	}
	if !got[0].Status.LastChecked.Equal(at) {
		t.Fatalf("lastChecked lost: %v", got[0].Status.LastChecked)
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaPublisher_KeysByRestaurant(t *testing.T) {
	fk := &fakeKafkaWriter{}
	reg := metrics.NewRegistry()
	p := Counted(NewKafkaPublisherWith(fk), reg)
	if err := p.Publish(context.Background(), update("r9")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fk.msgs) != 1 || string(fk.msgs[0].Key) != "r9" {
		t.Fatalf("bad messages: %+v", fk.msgs)
	}
}

func TestKafkaPublisher_Fail(t *testing.T) {
	p := NewKafkaPublisherWith(&fakeKafkaWriter{fail: true})
	if err := p.Publish(context.Background(), update("r1")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMultiPublisher_StopsAtFirstError(t *testing.T) {
	ok := &fakeKafkaWriter{}
	m := NewMultiPublisher(NewKafkaPublisherWith(&fakeKafkaWriter{fail: true}), NewKafkaPublisherWith(ok))
	if err := m.Publish(context.Background(), update("r1")); err == nil {
		t.Fatalf("expected error")
	}
	if len(ok.msgs) != 0 {
		t.Fatalf("second publisher should not run")
	}
}

type fakeProducer struct {
	deliveryErr error
	produced    []*ck.Message
	closed      bool
}

func (f *fakeProducer) Produce(msg *ck.Message, delivery chan ck.Event) error {
	f.produced = append(f.produced, msg)
	report := *msg
	report.TopicPartition.Error = f.deliveryErr
	delivery <- &report
	return nil
}

func (f *fakeProducer) Flush(int) int { return 0 }
func (f *fakeProducer) Close()        { f.closed = true }

func TestConfluentPublisher_WaitsForDelivery(t *testing.T) {
	fp := &fakeProducer{}
	p := NewConfluentPublisherWith(fp, "restaurant.status")
	if err := p.Publish(context.Background(), update("r1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if *fp.produced[0].TopicPartition.Topic != "restaurant.status" || string(fp.produced[0].Key) != "r1" {
		t.Fatalf("bad message: %+v", fp.produced[0])
	}

	fp.deliveryErr = errors.New("broker down")
	if err := p.Publish(context.Background(), update("r1")); err == nil {
		t.Fatalf("expected delivery error")
	}
	_ = p.Close()
	if !fp.closed {
		t.Fatalf("producer not closed")
	}
}

type fakeReader struct {
	msgs chan kafka.Message
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-f.msgs:
		return m, nil
	}
}

func (f *fakeReader) Close() error { return nil }

func TestHub_FansOutByRestaurant(t *testing.T) {
	fr := &fakeReader{msgs: make(chan kafka.Message, 4)}
	h := NewHubWith(fr, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r1, err := h.Subscribe(ctx, "r1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	r2, _ := h.Subscribe(ctx, "r2")
	go h.Run(ctx)

	b, _ := json.Marshal(update("r1"))
	fr.msgs <- kafka.Message{Key: []byte("r1"), Value: []byte("{broken")}
	fr.msgs <- kafka.Message{Key: []byte("r1"), Value: b}

	select {
	case u := <-r1:
		if u.RestaurantID != "r1" {
			t.Fatalf("wrong update: %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no update delivered")
	}
	select {
	case u := <-r2:
		t.Fatalf("r2 got foreign update: %+v", u)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_SubscriptionClosesOnCancel(t *testing.T) {
	h := NewHubWith(nil, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := h.Subscribe(ctx, "r1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.Publish(context.Background(), update("r1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if u := <-ch; u.RestaurantID != "r1" {
		t.Fatalf("wrong update: %+v", u)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed")
	}
}
