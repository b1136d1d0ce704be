package platform

import (
	"CustomDetServe/logger"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AliveMessage struct {
	ID        string `json:"id"`
	IP        string `json:"ip"`
	TaskID    int    `json:"taskId"`
	HTTPPort  int    `json:"httpPort"`
	RPCPort   int    `json:"rpcPort"`
	ModelName string `json:"modelName"`
	TimeStamp int64  `json:"timestamp"`
}

type AliveResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

type Announcer struct {
	URL      string
	Interval time.Duration
	Message  AliveMessage
	client   *resty.Client
}

func NewAnnouncer(registryURL string, interval time.Duration, msg AliveMessage) *Announcer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return &Announcer{
		URL:      registryURL,
		Interval: interval,
		Message:  msg,
		client:   resty.New().SetTimeout(interval),
	}
}

// Send posts one alive message. Errors are returned, not logged.
func (a *Announcer) Send(ctx context.Context) error {
	msg := a.Message
	msg.TimeStamp = time.Now().Unix()
	var respBody AliveResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(msg).
		SetResult(&respBody).
		Post(a.URL)
	if err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("announce: registry returned %s, body: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("announce: registry rejected %s", msg.ID)
	}
	return nil
}

// Run announces immediately and then on every tick until ctx is done.
func (a *Announcer) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()
	safeSend := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("announce panic recovered", zap.Any("panic", r))
			}
		}()
		if err := a.Send(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Warn("announce failed", zap.Error(err))
		}
	}
	safeSend()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("announce loop stopped", zap.String("id", a.Message.ID))
			return
		case <-ticker.C:
			safeSend()
		}
	}
}
