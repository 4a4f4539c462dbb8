package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IliaW/enrollment-scrape-worker/config"
	"github.com/IliaW/enrollment-scrape-worker/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

type ReportProducerClient struct {
	reportChan <-chan *model.RunReport
	cfg        *config.ProducerConfig
	log        *slog.Logger
	wg         *sync.WaitGroup
}

func NewReportProducer(reportChan <-chan *model.RunReport, cfg *config.ProducerConfig, log *slog.Logger,
	wg *sync.WaitGroup) *ReportProducerClient {
	return &ReportProducerClient{
		reportChan: reportChan,
		cfg:        cfg,
		log:        log,
		wg:         wg,
	}
}

// Run takes run reports from reportChan and sends them to kafka. After shutdown it keeps
// going until reportChan is closed and drained.
func (p *ReportProducerClient) Run() {
	defer p.wg.Done()
	p.log.Info("starting kafka producer...", slog.String("topic", p.cfg.WriteTopicName))

	w := kafka.Writer{
		Addr:         kafka.TCP(strings.Split(p.cfg.Addr, ",")...),
		Topic:        p.cfg.WriteTopicName,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  p.cfg.MaxAttempts,
		BatchSize:    1,                // the parameter is controlled by 'batchTicker' variable
		BatchTimeout: time.Millisecond, // the parameter is controlled by 'batch' variable
		ReadTimeout:  p.cfg.ReadTimeout,
		WriteTimeout: p.cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.cfg.RequiredAsks),
		Async:        p.cfg.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.log.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	defer func() {
		err := w.Close()
		if err != nil {
			p.log.Error("failed to close kafka writer.", slog.String("err", err.Error()))
		}
	}()

	batchTicker := time.NewTicker(p.cfg.BatchTimeout)
	defer batchTicker.Stop()
	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	writeMessage := func(batch []kafka.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		err := w.WriteMessages(ctx, batch...)
		if err != nil {
			p.log.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
			return
		}
		p.log.Debug("successfully sent messages to kafka.", slog.Int("batch length", len(batch)))
	}

	for report := range p.reportChan {
		msg, err := EncodeReport(report)
		if err != nil {
			p.log.Error("marshaling error.", slog.String("err", err.Error()), slog.String("site", report.Site))
			continue
		}
		batch = append(batch, msg)
		select {
		case <-batchTicker.C:
			writeMessage(batch)
			batch = batch[:0]
		default:
			if len(batch) >= p.cfg.BatchSize {
				writeMessage(batch)
				batch = batch[:0]
			}
		}
	}
	// Some messages may remain in the batch after reportChan is closed
	if len(batch) > 0 {
		p.log.Debug("messages in batch.", slog.Int("count", len(batch)))
		writeMessage(batch)
	}
	p.log.Info("stopping kafka writer.")
}

type TaskConsumerClient struct {
	taskChan chan<- *model.RunTask
	cfg      *config.ConsumerConfig
	log      *slog.Logger
	wg       *sync.WaitGroup
}

func NewTaskConsumer(taskChan chan<- *model.RunTask, cfg *config.ConsumerConfig, log *slog.Logger,
	wg *sync.WaitGroup) *TaskConsumerClient {
	return &TaskConsumerClient{
		taskChan: taskChan,
		cfg:      cfg,
		log:      log,
		wg:       wg,
	}
}

// Run reads run tasks from kafka and sends them to taskChan. It closes taskChan and the
// reader when ctx is done.
func (c *TaskConsumerClient) Run(ctx context.Context) {
	c.log.Info("starting kafka consumer.", slog.String("topic", c.cfg.ReadTopicName))
	defer c.wg.Done()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:          strings.Split(c.cfg.Brokers, ","),
		Topic:            c.cfg.ReadTopicName,
		GroupID:          c.cfg.GroupID,
		MaxWait:          c.cfg.MaxWait,
		ReadBatchTimeout: c.cfg.ReadBatchTimeout,
	})
	defer func() {
		c.log.Info("stopping kafka reader.")
		err := r.Close()
		if err != nil {
			c.log.Error("failed to close kafka reader.", slog.String("err", err.Error()))
		}
		close(c.taskChan)
		c.log.Info("close taskChan.")
	}()

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("failed to read message from kafka.", slog.String("err", err.Error()))
			continue
		}
		c.log.Debug("successfully read messages from kafka.")

		task, err := DecodeTask(m)
		if err != nil {
			c.log.Error("failed to unmarshal message.", slog.String("err", err.Error()))
			continue
		}
		select {
		case c.taskChan <- task:
		case <-ctx.Done():
			return
		}
	}
}

// EncodeReport keys the message by site so reports of one site stay ordered.
func EncodeReport(report *model.RunReport) (kafka.Message, error) {
	body, err := jsoniter.Marshal(report)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(report.Site), Value: body}, nil
}

func DecodeTask(m kafka.Message) (*model.RunTask, error) {
	var task model.RunTask
	if err := jsoniter.Unmarshal(m.Value, &task); err != nil {
		return nil, err
	}
	if task.Site == "" {
		if len(m.Key) == 0 {
			return nil, errors.New("task has no site")
		}
		task.Site = string(m.Key)
	}
	if strings.TrimSpace(task.Site) == "" {
		return nil, fmt.Errorf("task has blank site %q", task.Site)
	}
	return &task, nil
}
