// Package notify pushes operator-facing event messages to a Telegram chat.
// The service is optional: with no token configured, New returns nil and a
// nil *Service is safe to use everywhere.
package notify

import (
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"mcman/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64
}

// Service delivers messages asynchronously so callers on the scheduler or
// supervisor path never block on the Telegram API.
type Service struct {
	bot  *tele.Bot
	chat *tele.Chat
	log  logx.Logger

	queue chan string

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds the notifier, or returns nil when it is not configured.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: false,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		bot:   bot,
		chat:  &tele.Chat{ID: cfg.ChatID},
		log:   log,
		queue: make(chan string, 32),
	}, nil
}

// Start launches the delivery worker. Safe on a nil service.
func (s *Service) Start() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.worker(s.stop, s.done)
	s.log.Info("notifier started", logx.String("chat", strconv.FormatInt(s.chat.ID, 10)))
}

// Stop drains nothing; queued messages not yet sent are dropped. Safe on a
// nil service.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stop)
	<-s.done
	s.running = false
	s.log.Info("notifier stopped")
}

// Notify enqueues a message without blocking. When the queue is full or the
// worker is not running, the message is dropped with a log entry.
func (s *Service) Notify(msg string) {
	if s == nil {
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.log.Warn("notification dropped, queue full")
	}
}

func (s *Service) worker(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case msg := <-s.queue:
			if _, err := s.bot.Send(s.chat, msg); err != nil {
				s.log.Warn("notification send failed", logx.Err(err))
				// Back off briefly so a broken network does not spin.
				select {
				case <-stop:
					return
				case <-time.After(5 * time.Second):
				}
			}
		}
	}
}
