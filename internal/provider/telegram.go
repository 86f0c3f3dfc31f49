package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Telegram sends through a single bot token. Recipients are numeric chat
// ids; the sessionRef names the bot but a process carries one token, so
// it is informational here.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(token string) (*Telegram, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionFatal, err)
	}
	return &Telegram{bot: bot}, nil
}

// Bot exposes the underlying bot so the caller can attach inbound
// handlers (auto-reply) and start/stop polling.
func (t *Telegram) Bot() *tele.Bot { return t.bot }

func (t *Telegram) Send(ctx context.Context, sessionRef, recipient string, p Payload) (string, error) {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad chat id %q: %v", recipient, err)
	}

	var what interface{} = p.Body
	if p.MediaURL != "" {
		what = &tele.Photo{File: tele.FromURL(p.MediaURL), Caption: p.Body}
	}

	msg, err := t.bot.Send(tele.ChatID(chatID), what)
	if err != nil {
		if errors.Is(err, tele.ErrUnauthorized) {
			return "", fmt.Errorf("%w: %v", ErrSessionFatal, err)
		}
		return "", err
	}
	return strconv.Itoa(msg.ID), nil
}
