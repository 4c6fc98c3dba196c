// Package notify pushes detected spikes to a telegram channel, optionally
// gated by a govaluate expression over the coin's numbers.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Knetic/govaluate"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"github.com/rs/zerolog/log"
	"github.com/terminaldweller/spikescan/coingecko"
)

const defaultCooldown = time.Hour

var errFailedTypeAssertion = errors.New("alert expression did not evaluate to a boolean")

type Sender interface {
	Send(text string) error
}

type TelegramSender struct {
	bot       *tgbotapi.BotAPI
	channelID int64
}

func NewTelegramSender(token string, channelID int64) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("[NewTelegramSender] : %w", err)
	}

	return &TelegramSender{bot: bot, channelID: channelID}, nil
}

func (ts *TelegramSender) Send(text string) error {
	msg := tgbotapi.NewMessage(ts.channelID, text)

	if _, err := ts.bot.Send(msg); err != nil {
		return fmt.Errorf("[TelegramSender.Send] : %w", err)
	}

	return nil
}

// Notifier sends one message per render cycle listing the spikes that pass
// the expression and were not already announced within the cooldown.
type Notifier struct {
	sender   Sender
	expr     *govaluate.EvaluableExpression
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// New compiles expr, e.g. "change_1h > 50 && rank > 0". An empty expr passes every coin.
func New(sender Sender, expr string, cooldown time.Duration) (*Notifier, error) {
	notifier := &Notifier{
		sender:   sender,
		cooldown: cooldown,
		now:      time.Now,
		sent:     make(map[string]time.Time),
	}

	if notifier.cooldown <= 0 {
		notifier.cooldown = defaultCooldown
	}

	if expr != "" {
		expression, err := govaluate.NewEvaluableExpression(expr)
		if err != nil {
			return nil, fmt.Errorf("[notify.New] : %w", err)
		}

		notifier.expr = expression
	}

	return notifier, nil
}

func parameters(coin coingecko.Coin) map[string]interface{} {
	price, _ := coin.Price.Decimal.Float64()
	change, _ := coin.Change1h.Decimal.Float64()

	rank := 0.
	if coin.Rank != nil {
		rank = float64(*coin.Rank)
	}

	return map[string]interface{}{
		"price":     price,
		"change_1h": change,
		"rank":      rank,
		"symbol":    strings.ToUpper(coin.Symbol),
		"id":        coin.ID,
	}
}

func (n *Notifier) matches(coin coingecko.Coin) (bool, error) {
	if n.expr == nil {
		return true, nil
	}

	result, err := n.expr.Evaluate(parameters(coin))
	if err != nil {
		return false, fmt.Errorf("[matches] : %w", err)
	}

	resultBool, ok := result.(bool)
	if !ok {
		return false, errFailedTypeAssertion
	}

	return resultBool, nil
}

// Notify returns how many coins were announced.
func (n *Notifier) Notify(coins []coingecko.Coin) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()

	var (
		lines []string
		ids   []string
	)

	for _, coin := range coins {
		if last, ok := n.sent[coin.ID]; ok && now.Sub(last) < n.cooldown {
			continue
		}

		ok, err := n.matches(coin)
		if err != nil {
			log.Error().Err(err).Str("id", coin.ID).Msg("alert expression failed")

			continue
		}

		if !ok {
			continue
		}

		lines = append(lines, fmt.Sprintf("%s (%s) $%s %+.2f%% 1h",
			coin.Name,
			strings.ToUpper(coin.Symbol),
			coin.Price.Decimal.StringFixed(8),
			coin.Change1h.Decimal.InexactFloat64(),
		))
		ids = append(ids, coin.ID)
	}

	if len(lines) == 0 {
		return 0, nil
	}

	text := "penny spikes:\n" + strings.Join(lines, "\n")

	if err := n.sender.Send(text); err != nil {
		return 0, fmt.Errorf("[Notify] : %w", err)
	}

	for _, id := range ids {
		n.sent[id] = now
	}

	log.Info().Int("coins", len(ids)).Msg("spike notification sent")

	return len(ids), nil
}
