package main

import (
	"fmt"
	"io/ioutil"
	"log"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const chatIDFile = "chat_id.txt"

// Notifier pushes engine lifecycle events to Telegram. Grounded on
// notification_service.go's NotificationService, stripped of its
// manual-approval callback flow (the engine decides and acts on its
// own, spec §4.7) and generalized into one method per event the
// orchestrator/executor/position monitor actually raise.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewNotifier returns nil (not an error) when no bot token is
// configured; every method tolerates a nil receiver so callers never
// need to branch on whether notifications are enabled.
func NewNotifier(token, chatIDEnv string) *Notifier {
	if token == "" {
		log.Println("notifier: no token configured, notifications disabled")
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Printf("notifier: failed to init telegram bot: %v", err)
		return nil
	}
	log.Printf("notifier: authorized as %s", bot.Self.UserName)

	n := &Notifier{bot: bot}
	if chatIDEnv != "" {
		if id, err := strconv.ParseInt(chatIDEnv, 10, 64); err == nil {
			n.chatID = id
		}
	}
	if n.chatID == 0 {
		n.chatID = loadChatID()
	}
	return n
}

func loadChatID() int64 {
	data, err := ioutil.ReadFile(chatIDFile)
	if err != nil {
		return 0
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (n *Notifier) send(msg string) {
	if n == nil || n.bot == nil || n.chatID == 0 {
		return
	}
	go func() {
		cfg := tgbotapi.NewMessage(n.chatID, msg)
		cfg.ParseMode = "Markdown"
		if _, err := n.bot.Send(cfg); err != nil {
			log.Printf("notifier: send failed: %v", err)
		}
	}()
}

func (n *Notifier) NotifyTradeOpened(pos Position) {
	n.send(fmt.Sprintf("*opened* %s %s qty=%.4f entry=%.4f lev=%dx stop=%.4f strategy=%s",
		pos.Symbol, pos.Direction, pos.Quantity, pos.EntryPrice, pos.Leverage, pos.StopLoss, pos.StrategyTag))
}

func (n *Notifier) NotifyTradeClosed(pos Position, reason ExitReason) {
	n.send(fmt.Sprintf("*closed* %s %s reason=%s entry=%.4f qty=%.4f",
		pos.Symbol, pos.Direction, reason, pos.EntryPrice, pos.Quantity))
}

func (n *Notifier) NotifyBreakevenArmed(pos Position) {
	n.send(fmt.Sprintf("*breakeven armed* %s stop=%.4f", pos.Symbol, pos.StopLoss))
}

func (n *Notifier) NotifyCircuitBreakerTripped(reason string) {
	n.send(fmt.Sprintf("*circuit breaker tripped* reason=%s — engine paused", reason))
}

func (n *Notifier) NotifyEmergencyCloseFailed(symbol string, err error) {
	n.send(fmt.Sprintf("*emergency close failed* %s: %v — manual intervention required", symbol, err))
}

func (n *Notifier) NotifySupervisorRestart(task string) {
	n.send(fmt.Sprintf("*supervisor* restarted stalled task %s", task))
}

func (n *Notifier) NotifySupervisorBudgetExhausted(task string) {
	n.send(fmt.Sprintf("*supervisor* %s restart budget exhausted — engine paused, manual intervention required", task))
}
