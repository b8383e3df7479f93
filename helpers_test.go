package sms_test

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/interactive-solutions/go-sms"
	"github.com/interactive-solutions/go-sms/storage/filesystem"
	"github.com/interactive-solutions/go-sms/storage/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return logger
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newDeliveryRepository(t *testing.T) sms.DeliveryRepository {
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return sqlite.NewDeliveryRepository(db)
}

func newTemplateRepository(t *testing.T, templates map[string]string) sms.TemplateRepository {
	repo, err := filesystem.NewTemplateRepository(filepath.Join(t.TempDir(), "templates"))
	require.NoError(t, err)

	for name, content := range templates {
		require.NoError(t, repo.Save(context.Background(), &sms.Template{Name: name, Content: content}))
	}

	return repo
}

// stubTransport accepts every message except those addressed to a number
// in reject.
type stubTransport struct {
	mu     sync.Mutex
	sent   []sms.Message
	reject map[string]string

	// afterSend runs after every accepted message.
	afterSend func(msg sms.Message)
}

func (t *stubTransport) Name() string {
	return sms.ProviderTwilio
}

func (t *stubTransport) Send(ctx context.Context, msg sms.Message) (sms.Receipt, error) {
	t.mu.Lock()
	reason, rejected := t.reject[msg.To]
	if !rejected {
		t.sent = append(t.sent, msg)
	}
	t.mu.Unlock()

	if rejected {
		return sms.Receipt{}, &sms.ProviderError{Code: "21211", Message: reason}
	}

	if t.afterSend != nil {
		t.afterSend(msg)
	}

	segments, _ := sms.CountSegments(msg.Body)
	cost := 0.0079 * float64(segments)

	return sms.Receipt{
		MessageId: "SM" + msg.To,
		Status:    "queued",
		From:      "+15550000",
		Segments:  &segments,
		Cost:      &cost,
		Currency:  "USD",
	}, nil
}

func (t *stubTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.sent)
}
