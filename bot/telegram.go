package bot

import (
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"optionpilot/engine"
	"optionpilot/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
//   📡 Feed connection alerts
//   💰 Entry / exit notifications with net P&L
//   📜 /trades, /pnl, /status queries against the ledger
//   🔄 /reload to apply new settings without a restart
//
// ═══════════════════════════════════════════════════════════════════════════════

// Ledger is the storage surface the bot reads.
type Ledger interface {
	RecentTrades(limit int) ([]storage.ClosedTrade, error)
	TotalNetPnL() (decimal.Decimal, error)
}

// TelegramBot bridges engine events and operator commands.
type TelegramBot struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	eng    *engine.Engine
	ledger Ledger

	onReload func()
}

// NewTelegramBot creates the bot. Returns nil with no error when token
// is empty, notifications are simply off.
func NewTelegramBot(token string, chatID int64, eng *engine.Engine, ledger Ledger) (*TelegramBot, error) {
	if token == "" || chatID == 0 {
		log.Info().Msg("Telegram disabled, no token/chat id")
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		eng:    eng,
		ledger: ledger,
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

// SetReloadHandler wires the /reload command.
func (b *TelegramBot) SetReloadHandler(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReload = fn
}

// Start begins the command loop and the event forwarder.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	go b.eventLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) eventLoop() {
	for {
		select {
		case <-b.stopCh:
			return
		case ev := <-b.eng.Events():
			b.notify(ev)
		}
	}
}

func (b *TelegramBot) notify(ev engine.Event) {
	switch ev.Kind {
	case engine.EventConn:
		b.sendMarkdown(fmt.Sprintf("📡 Feed: *%s*", ev.ConnState))

	case engine.EventEntryPending:
		b.sendMarkdown(fmt.Sprintf(`🎯 *ENTRY SUBMITTED*

📊 %s %s
📦 Qty: *%d*
💵 Limit: *₹%.2f*`,
			ev.Symbol, ev.Side, ev.Qty, ev.Price))

	case engine.EventEntryConfirmed:
		b.sendMarkdown(fmt.Sprintf(`✅ *TRADE CONFIRMED*

📊 %s %s
📦 Qty: *%d*
💵 Entry: *₹%.2f*`,
			ev.Symbol, ev.Side, ev.Qty, ev.Price))

	case engine.EventEntryCancelled:
		b.sendMarkdown(fmt.Sprintf(`🚮 *ENTRY CANCELLED*

📊 %s %s
📝 %s`,
			ev.Symbol, ev.Side, ev.Reason))

	case engine.EventExit:
		emoji := "📈"
		sign := "+"
		if ev.NetPnL.IsNegative() {
			emoji = "📉"
			sign = ""
		}
		b.sendMarkdown(fmt.Sprintf(`%s *TRADE CLOSED*

📊 %s %s
💵 Entry: ₹%.2f → Exit: ₹%.2f
💰 Net P&L: *%s₹%s*
📝 %s`,
			emoji, ev.Symbol, ev.Side,
			ev.Price, ev.ExitPrice,
			sign, ev.NetPnL.StringFixed(2), ev.Reason))

	case engine.EventAuthExpired:
		b.sendMarkdown("🛑 *ACCESS TOKEN EXPIRED*\n\nTrading halted. Generate a fresh token and restart.")

	case engine.EventBlocked:
		b.sendMarkdown(fmt.Sprintf("🚫 Entry blocked: _%s_", ev.Reason))
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "trades":
		b.cmdTrades()
	case "pnl":
		b.cmdPnL()
	case "reload":
		b.cmdReload()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.sendMarkdown(`🤖 *OPTIONPILOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine and position status
📜 /trades — Last 10 closed trades
💵 /pnl — Total net P&L
🔄 /reload — Reload settings from env
🏓 /ping — Test connection`)
}

func (b *TelegramBot) cmdStatus() {
	st := b.eng.State()
	st.Lock()
	side := st.Side
	symbol := st.TradingSymbol
	qty := st.Qty
	entry := st.EntryPrice
	current := st.CurrentPrice
	stop := st.StopLoss
	target := st.Target
	spot := st.SpotPrice
	callSym, callLTP := st.CallSymbol, st.CallPrice
	putSym, putLTP := st.PutSymbol, st.PutPrice
	pending := st.OrderPending
	confirmed := st.TradeConfirmed
	st.Unlock()

	status := "🟢 RUNNING"
	if b.eng.Halted() {
		status = "🛑 HALTED (token expired)"
	}

	if side == engine.PosNone && !pending {
		legs := "watching for a spot print"
		if callSym != "" {
			legs = fmt.Sprintf("%s ₹%.2f | %s ₹%.2f", callSym, callLTP, putSym, putLTP)
		}
		b.sendMarkdown(fmt.Sprintf(`📊 *STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📍 Spot: *%.2f*
👀 %s
💼 No open position`, status, spot, legs))
		return
	}

	stage := "pending confirmation"
	if confirmed {
		stage = "confirmed"
	}
	b.sendMarkdown(fmt.Sprintf(`📊 *STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📍 Spot: *%.2f*
💼 %s %s (%s)
📦 Qty: *%d*
💵 Entry: ₹%.2f | Now: ₹%.2f
🎯 Target: ₹%.2f | 🛑 Stop: ₹%.2f`,
		status, spot, symbol, side, stage,
		qty, entry, current, target, stop))
}

func (b *TelegramBot) cmdTrades() {
	trades, err := b.ledger.RecentTrades(10)
	if err != nil {
		b.send("❌ Failed to fetch trades")
		return
	}
	if len(trades) == 0 {
		b.send("📭 No trade history yet")
		return
	}

	msg := "📜 *LAST TRADES*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, t := range trades {
		emoji := "📈"
		sign := "+"
		if t.NetPnL.IsNegative() {
			emoji = "📉"
			sign = ""
		}
		msg += fmt.Sprintf("%s %s %s x%d @ %s → %s | %s₹%s\n   _%s, %s_\n\n",
			emoji, t.Symbol, t.Side, t.Qty,
			t.EntryPrice.StringFixed(2), t.ExitPrice.StringFixed(2),
			sign, t.NetPnL.StringFixed(2),
			t.Reason, t.ClosedAt.Format("Jan 2 15:04"))
	}
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPnL() {
	total, err := b.ledger.TotalNetPnL()
	if err != nil {
		b.send("❌ Failed to fetch P&L")
		return
	}
	sign := "+"
	if total.IsNegative() {
		sign = ""
	}
	b.sendMarkdown(fmt.Sprintf("💵 Total net P&L: *%s₹%s*", sign, total.StringFixed(2)))
}

func (b *TelegramBot) cmdReload() {
	b.mu.Lock()
	cb := b.onReload
	b.mu.Unlock()

	if cb == nil {
		b.send("❌ Reload not wired")
		return
	}
	cb()
	b.send("🔄 Settings reloaded")
	log.Info().Msg("Settings reloaded via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
