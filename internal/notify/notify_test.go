package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memorySink struct {
	mu      sync.Mutex
	batches [][]Notification
	err     error
}

func (s *memorySink) InsertNotifications(_ context.Context, items []Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, items)
	return nil
}

func (s *memorySink) members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, batch := range s.batches {
		for _, item := range batch {
			out = append(out, item.MemberID)
		}
	}
	sort.Strings(out)
	return out
}

type recordingChannel struct {
	mu        sync.Mutex
	delivered int
	err       error
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) Deliver(_ context.Context, _ Payload, memberIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered += len(memberIDs)
	return c.err
}

func TestBuildPerCategory(t *testing.T) {
	payload, err := Build(CategoryElection, Event{Kind: "elected", OrgID: "org-1", Subject: "Leader", Detail: "Alice"})
	require.NoError(t, err)
	require.Equal(t, "Election for Leader elected", payload.Title)
	require.Equal(t, "Alice was elected.", payload.Body)
	require.Equal(t, "org-1", payload.OrgID)

	payload, err = Build(CategoryTopic, Event{Kind: "phase_changed", Subject: "Budget", Actor: "Bob"})
	require.NoError(t, err)
	require.Equal(t, `Topic "Budget" phase changed`, payload.Title)

	payload, err = Build(CategoryLottery, Event{Kind: "drawn", Subject: "Rotation", Detail: "m-1, m-2"})
	require.NoError(t, err)
	require.Equal(t, "Winners: m-1, m-2.", payload.Body)

	_, err = Build("carrier-pigeon", Event{})
	require.ErrorIs(t, err, ErrUnknownCategory)
}

func TestRecipientsAndBatches(t *testing.T) {
	got := Recipients([]string{"c", "a", "actor", "b", "a", " ", "muted"}, "actor", []string{"muted"})
	require.Equal(t, []string{"a", "b", "c"}, got)

	members := make([]string, 250)
	for i := range members {
		members[i] = fmt.Sprintf("m-%03d", i)
	}
	batches := Batches(members, 0)
	require.Len(t, batches, 3)
	require.Len(t, batches[0], 100)
	require.Len(t, batches[2], 50)
	require.Empty(t, Batches(nil, 10))
}

func TestFanoutPersistsEveryRecipient(t *testing.T) {
	sink := &memorySink{}
	channel := &recordingChannel{err: errors.New("socket gone")}
	fanout := NewFanout(sink, Options{BatchSize: 2, Workers: 2}, channel)

	payload, err := Build(CategoryVoting, Event{Kind: "created", OrgID: "org-1", Subject: "Lunch", Data: map[string]any{"messageId": "msg-1"}})
	require.NoError(t, err)

	sent, err := fanout.Send(context.Background(), payload, []string{"m-1", "m-2", "m-3", "m-4", "m-5"})
	require.NoError(t, err)
	require.Equal(t, 5, sent)
	require.Equal(t, []string{"m-1", "m-2", "m-3", "m-4", "m-5"}, sink.members())
	require.Len(t, sink.batches, 3)
	fanout.Wait()
	require.Equal(t, 5, channel.delivered)
	require.JSONEq(t, `{"messageId":"msg-1"}`, string(sink.batches[0][0].Data))
}

type stalledChannel struct {
	release chan struct{}
	ctxErr  chan error
}

func (c *stalledChannel) Name() string { return "stalled" }

func (c *stalledChannel) Deliver(ctx context.Context, _ Payload, _ []string) error {
	<-c.release
	c.ctxErr <- ctx.Err()
	return nil
}

func TestFanoutPersistsBeforeSlowChannelDelivers(t *testing.T) {
	sink := &memorySink{}
	stalled := &stalledChannel{release: make(chan struct{}), ctxErr: make(chan error, 3)}
	live := &recordingChannel{}
	fanout := NewFanout(sink, Options{BatchSize: 1, Workers: 1}, stalled, live)

	ctx, cancel := context.WithCancel(context.Background())
	sent, err := fanout.Send(ctx, Payload{Category: CategoryMessage, OrgID: "org-1"}, []string{"m-1", "m-2", "m-3"})
	require.NoError(t, err)
	require.Equal(t, 3, sent)
	require.Equal(t, []string{"m-1", "m-2", "m-3"}, sink.members())

	// Other channels are not held up by the stalled one.
	require.Eventually(t, func() bool {
		live.mu.Lock()
		defer live.mu.Unlock()
		return live.delivered == 3
	}, time.Second, 5*time.Millisecond)

	// The request ending must not cancel delivery of stored notifications.
	cancel()
	close(stalled.release)
	fanout.Wait()
	for range 3 {
		require.NoError(t, <-stalled.ctxErr)
	}
}

func TestFanoutReturnsSinkError(t *testing.T) {
	sink := &memorySink{err: errors.New("db down")}
	fanout := NewFanout(sink, Options{})
	_, err := fanout.Send(context.Background(), Payload{Category: CategoryRole}, []string{"m-1"})
	require.ErrorContains(t, err, "db down")

	sent, err := fanout.Send(context.Background(), Payload{}, nil)
	require.NoError(t, err)
	require.Zero(t, sent)
}

func TestRedisPublisherDeliversToMemberChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	publisher := NewRedisPublisher(client)
	ctx := context.Background()
	sub := publisher.Subscribe(ctx, "m-1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	payload := Payload{Category: CategoryPolicy, Title: "Policy updated", OrgID: "org-1"}
	require.NoError(t, publisher.Deliver(ctx, payload, []string{"m-1", "m-2"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, "notify:m-1", msg.Channel)

	var got Payload
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	require.Equal(t, payload.Title, got.Title)
}

type flakyMailer struct {
	mu       sync.Mutex
	failures int
	sent     []string
}

func (m *flakyMailer) IsConfigured() bool { return true }

func (m *flakyMailer) SendNotificationEmail(to, _, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("smtp busy")
	}
	m.sent = append(m.sent, to)
	return nil
}

func TestEmailChannelRetries(t *testing.T) {
	mailer := &flakyMailer{failures: 2}
	book := func(_ context.Context, ids []string) (map[string]string, error) {
		return map[string]string{"m-1": "one@example.com"}, nil
	}
	channel := NewEmailChannel(mailer, book)
	channel.interval = time.Millisecond

	require.NoError(t, channel.Deliver(context.Background(), Payload{Title: "Hi"}, []string{"m-1", "m-2"}))
	require.Equal(t, []string{"one@example.com"}, mailer.sent)

	mailer.failures = 10
	require.Error(t, channel.Deliver(context.Background(), Payload{Title: "Hi"}, []string{"m-1"}))
}
