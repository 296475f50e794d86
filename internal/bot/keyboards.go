package bot

import (
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"steamwatch/internal/storage"
)

// Callback data format is "group:action:payload"; see Router.routeCallback.
const cbGroup = "upd"

// cbData builds raw callback data (no telebot unique-id encoding).
func cbData(action, payload string) string {
	action = strings.TrimSpace(action)
	if payload == "" {
		return cbGroup + ":" + action
	}
	return cbGroup + ":" + action + ":" + payload
}

// btn creates a callback button with raw callback_data.
func btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

func inline(rows ...tele.Row) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rows...)
	return rm
}

func gamesKeyboard(games []storage.Game) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(games))
	for _, g := range games {
		label := g.Name
		if hours := g.LastPlayed / 60; hours > 0 {
			label = fmt.Sprintf("%s (%dh)", g.Name, hours)
		}
		rows = append(rows, rm.Row(btn(label, cbData("toggle", fmt.Sprintf("%d", g.GameID)))))
	}
	rm.Inline(rows...)
	return rm
}

func settingsKeyboard() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	return inline(
		rm.Row(btn("🕒 Change check interval", cbData("menu", "interval"))),
		rm.Row(btn("🔇 Toggle silent mode", cbData("silent", ""))),
		rm.Row(btn("🌐 Change language", cbData("menu", "lang"))),
	)
}

func intervalKeyboard() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	return inline(
		rm.Row(btn("1 hour", cbData("interval", "1"))),
		rm.Row(btn("3 hours", cbData("interval", "3"))),
		rm.Row(btn("6 hours", cbData("interval", "6"))),
		rm.Row(btn("12 hours", cbData("interval", "12"))),
		rm.Row(btn("24 hours", cbData("interval", "24"))),
	)
}

func languageKeyboard() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	return inline(
		rm.Row(btn("English", cbData("lang", "en"))),
		rm.Row(btn("Português", cbData("lang", "pt"))),
		rm.Row(btn("Español", cbData("lang", "es"))),
	)
}
