package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/xilidan/meetings/services/workflow/entity"
	"github.com/xilidan/meetings/topics"
)

// HeaderRunID carries the run id of a published event.
const HeaderRunID = "Workflow-Run-Id"

type JetStreamConfig struct {
	URL         string
	Stream      string
	Consumer    string
	Workers     int
	QueueSize   int
	MaxAttempts int
	AckWait     time.Duration
}

// JetStreamBus is the durable bus: a file-backed stream over every
// workflow subject and one durable consumer with explicit acks.
type JetStreamBus struct {
	cfg  JetStreamConfig
	nc   *nats.Conn
	js   jetstream.JetStream
	pool *Pool
	log  *slog.Logger

	mu sync.Mutex
	cc jetstream.ConsumeContext
}

func NewJetStream(ctx context.Context, cfg JetStreamConfig, log *slog.Logger) (*JetStreamBus, error) {
	log.Debug("connecting to nats", slog.String("url", cfg.URL), slog.String("stream", cfg.Stream))

	nc, err := nats.Connect(cfg.URL, nats.Name(cfg.Consumer), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{topics.SubjectRoot + ".>"},
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
	}

	log.Info("jetstream bus ready", slog.String("stream", cfg.Stream), slog.String("consumer", cfg.Consumer))
	return &JetStreamBus{
		cfg:  cfg,
		nc:   nc,
		js:   js,
		pool: NewPool(cfg.Workers, cfg.QueueSize, log),
		log:  log,
	}, nil
}

func (b *JetStreamBus) Publish(ctx context.Context, ev entity.Event, opts ...PublishOption) error {
	topic, ok := topics.Parse(ev.Name)
	if !ok {
		return fmt.Errorf("%q: %w", ev.Name, entity.ErrUnknownEvent)
	}

	msg := nats.NewMsg(topic.Subject())
	msg.Data = ev.Data
	msg.Header.Set(HeaderRunID, ev.RunID)

	var pubOpts []jetstream.PublishOpt
	if o := applyPublishOptions(opts); o.dedupID != "" {
		pubOpts = append(pubOpts, jetstream.WithMsgID(o.dedupID))
	}

	ack, err := b.js.PublishMsg(ctx, msg, pubOpts...)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Name, err)
	}
	b.log.Debug("event published",
		slog.String("run_id", ev.RunID),
		slog.String("subject", msg.Subject),
		slog.Uint64("seq", ack.Sequence),
		slog.Bool("duplicate", ack.Duplicate))
	return nil
}

func (b *JetStreamBus) Start(ctx context.Context, dispatch DispatchFunc) error {
	// One delivery past MaxAttempts lets the engine record a run whose last
	// attempt never settled as failed instead of JetStream dropping it.
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       b.cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxAttempts + 1,
		FilterSubject: topics.SubjectRoot + ".>",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", b.cfg.Consumer, err)
	}

	b.pool.Run(ctx)

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		job := &jetStreamJob{msg: msg, dispatch: dispatch, stream: b.cfg.Stream, ackWait: b.cfg.AckWait, log: b.log}
		if err := b.pool.Submit(ctx, job); err != nil {
			b.log.Warn("delivery not queued, leaving it for redelivery", slog.String("error", err.Error()))
			msg.Nak()
		}
	}, jetstream.PullMaxMessages(max(b.cfg.QueueSize, 1)))
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	b.mu.Lock()
	b.cc = cc
	b.mu.Unlock()
	b.log.Info("consuming workflow events", slog.String("consumer", b.cfg.Consumer))
	return nil
}

func (b *JetStreamBus) Close() error {
	b.mu.Lock()
	if b.cc != nil {
		b.cc.Stop()
	}
	b.mu.Unlock()

	b.pool.Stop()
	return b.nc.Drain()
}

type jetStreamJob struct {
	msg      jetstream.Msg
	dispatch DispatchFunc
	stream   string
	ackWait  time.Duration
	log      *slog.Logger
}

func (j *jetStreamJob) ID() string {
	return j.msg.Headers().Get(HeaderRunID)
}

func (j *jetStreamJob) Execute(ctx context.Context) {
	ev, err := eventFromMsg(j.msg, j.stream)
	if err != nil {
		j.log.Error("undeliverable message", slog.String("subject", j.msg.Subject()), slog.String("error", err.Error()))
		j.msg.Term()
		return
	}

	stop := j.keepAlive()
	v := j.dispatch(ctx, ev)
	stop()

	switch v.Action {
	case Ack:
		err = j.msg.Ack()
	case Retry:
		err = j.msg.NakWithDelay(v.Delay)
	case Term:
		err = j.msg.Term()
	}
	if err != nil {
		j.log.Error("failed to settle message",
			slog.String("run_id", ev.RunID),
			slog.String("action", v.Action.String()),
			slog.String("error", err.Error()))
	}
}

// keepAlive extends the ack deadline while a long run is in flight.
func (j *jetStreamJob) keepAlive() func() {
	if j.ackWait <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(j.ackWait / 2)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				j.msg.InProgress()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func eventFromMsg(msg jetstream.Msg, stream string) (entity.Event, error) {
	topic, ok := topics.FromSubject(msg.Subject())
	if !ok {
		return entity.Event{}, fmt.Errorf("subject %q is not a workflow event", msg.Subject())
	}
	md, err := msg.Metadata()
	if err != nil {
		return entity.Event{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	runID := msg.Headers().Get(HeaderRunID)
	if runID == "" {
		runID = fmt.Sprintf("%s-%d", stream, md.Sequence.Stream)
	}
	return entity.Event{
		RunID:   runID,
		Name:    topic.Name(),
		Data:    msg.Data(),
		Attempt: int(md.NumDelivered),
	}, nil
}
