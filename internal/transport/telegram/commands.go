package telegram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"bdaybot/internal/dispatch"
	"bdaybot/internal/model"
	"bdaybot/internal/recurrence"
	"bdaybot/internal/storage"
	"bdaybot/internal/timezone"
	logx "bdaybot/pkg/logx"
)

const helpText = `Commands:

Birthdays
  /add_birthday <name> <MM-DD>
  /list_birthdays
  /remove_birthday <name>

Endpoints (notification URLs: telegram://, discord://, smtp://, generic://, ...)
  /add_endpoint <url>
  /list_endpoints
  /remove_endpoint <number>

Reminders
  /add_reminder <name> <daysBefore> <HH:MM>
  /list_reminders
  /remove_reminder <number>

Settings
  /set_timezone <IANA name, e.g. Europe/Berlin>
  /test    send a test notification to all endpoints
  /status  recent reminder dispatches and failures`

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", func(c tele.Context) error {
		return c.Send("🎉 Birthday reminder bot. Use /help to see all commands.")
	})
	b.bot.Handle("/help", func(c tele.Context) error {
		return c.Send(helpText)
	})

	b.bot.Handle("/add_birthday", b.addBirthday)
	b.bot.Handle("/list_birthdays", b.listBirthdays)
	b.bot.Handle("/remove_birthday", b.removeBirthday)

	b.bot.Handle("/add_endpoint", b.addEndpoint)
	b.bot.Handle("/list_endpoints", b.listEndpoints)
	b.bot.Handle("/remove_endpoint", b.removeEndpoint)

	b.bot.Handle("/add_reminder", b.addReminder)
	b.bot.Handle("/list_reminders", b.listReminders)
	b.bot.Handle("/remove_reminder", b.removeReminder)

	b.bot.Handle("/set_timezone", b.setTimezone)
	b.bot.Handle("/test", b.testNotifications)
	b.bot.Handle("/status", b.status)
}

// ---- birthdays ----

func (b *Bot) addBirthday(c tele.Context) error {
	args := c.Args()
	if len(args) < 2 {
		return c.Send("Usage: /add_birthday <name> <MM-DD>\nExample: /add_birthday alice 03-15")
	}
	userID := c.Sender().ID
	label := args[0]
	month, day, err := parseMonthDay(args[1])
	if err != nil {
		return c.Send("❌ " + err.Error())
	}

	ctx, cancel := b.handlerCtx()
	defer cancel()

	if _, exists, err := b.store.FindBirthday(ctx, userID, label); err != nil {
		return b.fail(c, err)
	} else if exists {
		return c.Send(fmt.Sprintf("❌ A birthday named %q already exists.", label))
	}

	bd := model.Birthday{ID: model.NewID(), UserID: userID, Month: month, Day: day, Label: label}
	if err := b.store.AddBirthday(ctx, bd); err != nil {
		b.audit(ctx, userID, "add_birthday", label, err)
		return b.fail(c, err)
	}

	// Materialize the user's default offsets as rules.
	settings, err := b.store.GetSettings(ctx, userID)
	if err != nil {
		return b.fail(c, err)
	}
	for _, off := range settings.DefaultOffsets {
		if off < 0 {
			continue
		}
		rule := model.ReminderRule{
			ID: model.NewID(), BirthdayID: bd.ID,
			OffsetDays: off, Hour: settings.DefaultHour,
		}
		if err := b.store.AddRule(ctx, rule); err != nil {
			return b.fail(c, err)
		}
	}
	b.audit(ctx, userID, "add_birthday", label, nil)
	return c.Send(fmt.Sprintf("✅ Birthday added: %s on %02d-%02d (%d reminder(s) attached)",
		label, month, day, len(settings.DefaultOffsets)))
}

func (b *Bot) listBirthdays(c tele.Context) error {
	userID := c.Sender().ID
	ctx, cancel := b.handlerCtx()
	defer cancel()

	birthdays, err := b.store.ListBirthdays(ctx, userID)
	if err != nil {
		return b.fail(c, err)
	}
	if len(birthdays) == 0 {
		return c.Send("📅 No birthdays stored yet.")
	}
	settings, err := b.store.GetSettings(ctx, userID)
	if err != nil {
		return b.fail(c, err)
	}
	today := recurrence.DateOf(b.localNow(settings.Timezone))

	var sb strings.Builder
	sb.WriteString("📅 Your birthdays:\n\n")
	for _, bd := range birthdays {
		line := fmt.Sprintf("• %s: %02d-%02d", bd.Label, bd.Month, bd.Day)
		if days, ok := daysUntilNext(bd, today); ok {
			if days == 0 {
				line += " (today! 🎉)"
			} else {
				line += fmt.Sprintf(" (in %d days)", days)
			}
		}
		sb.WriteString(line + "\n")
	}
	return c.Send(sb.String())
}

func (b *Bot) removeBirthday(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Send("Usage: /remove_birthday <name>")
	}
	userID := c.Sender().ID
	label := args[0]
	ctx, cancel := b.handlerCtx()
	defer cancel()

	bd, ok, err := b.store.FindBirthday(ctx, userID, label)
	if err != nil {
		return b.fail(c, err)
	}
	if !ok {
		return c.Send(fmt.Sprintf("❌ No birthday found for %q", label))
	}
	if err := b.store.RemoveBirthday(ctx, userID, bd.ID); err != nil {
		b.audit(ctx, userID, "remove_birthday", label, err)
		return b.fail(c, err)
	}
	b.audit(ctx, userID, "remove_birthday", label, nil)
	return c.Send(fmt.Sprintf("✅ Removed birthday for %s (and its reminders)", label))
}

// ---- endpoints ----

func (b *Bot) addEndpoint(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Send("Usage: /add_endpoint <url>\nExample: /add_endpoint discord://token@webhookid")
	}
	userID := c.Sender().ID
	url := strings.Join(args, " ")

	if err := b.snk.Validate(url); err != nil {
		return c.Send("❌ Invalid endpoint URL: " + err.Error())
	}

	ctx, cancel := b.handlerCtx()
	defer cancel()

	// Prove the endpoint works before persisting it.
	if err := b.snk.Send(ctx, url, "🧪 Birthday bot test",
		"This is a test notification to verify your endpoint works."); err != nil {
		b.audit(ctx, userID, "add_endpoint", maskURL(url), err)
		return c.Send("❌ Test notification failed: " + err.Error())
	}

	ep := model.Endpoint{ID: model.NewID(), UserID: userID, URL: url}
	err := b.store.AddEndpoint(ctx, ep)
	if errors.Is(err, storage.ErrDuplicateEndpoint) {
		return c.Send("❌ That endpoint is already configured.")
	}
	if err != nil {
		b.audit(ctx, userID, "add_endpoint", maskURL(url), err)
		return b.fail(c, err)
	}
	b.audit(ctx, userID, "add_endpoint", maskURL(url), nil)
	return c.Send("✅ Test delivered, endpoint added:\n" + maskURL(url))
}

func (b *Bot) listEndpoints(c tele.Context) error {
	ctx, cancel := b.handlerCtx()
	defer cancel()

	endpoints, err := b.store.ListEndpoints(ctx, c.Sender().ID)
	if err != nil {
		return b.fail(c, err)
	}
	if len(endpoints) == 0 {
		return c.Send("📡 No notification endpoints configured.")
	}
	var sb strings.Builder
	sb.WriteString("📡 Notification endpoints:\n\n")
	for i, ep := range endpoints {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, maskURL(ep.URL))
	}
	return c.Send(sb.String())
}

func (b *Bot) removeEndpoint(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Send("Usage: /remove_endpoint <number> (see /list_endpoints)")
	}
	userID := c.Sender().ID
	ctx, cancel := b.handlerCtx()
	defer cancel()

	endpoints, err := b.store.ListEndpoints(ctx, userID)
	if err != nil {
		return b.fail(c, err)
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil || idx < 1 || idx > len(endpoints) {
		return c.Send("❌ Invalid endpoint number.")
	}
	ep := endpoints[idx-1]
	if err := b.store.RemoveEndpoint(ctx, userID, ep.ID); err != nil {
		b.audit(ctx, userID, "remove_endpoint", maskURL(ep.URL), err)
		return b.fail(c, err)
	}
	b.audit(ctx, userID, "remove_endpoint", maskURL(ep.URL), nil)
	return c.Send("✅ Removed endpoint: " + maskURL(ep.URL))
}

// ---- reminders ----

func (b *Bot) addReminder(c tele.Context) error {
	args := c.Args()
	if len(args) < 3 {
		return c.Send("Usage: /add_reminder <name> <daysBefore> <HH:MM>\nExample: /add_reminder alice 7 09:00")
	}
	userID := c.Sender().ID
	label := args[0]

	offset, err := strconv.Atoi(args[1])
	if err != nil || offset < 0 {
		return c.Send("❌ daysBefore must be a non-negative integer.")
	}
	hour, minute, err := parseHHMM(args[2])
	if err != nil {
		return c.Send("❌ " + err.Error())
	}

	ctx, cancel := b.handlerCtx()
	defer cancel()

	bd, ok, err := b.store.FindBirthday(ctx, userID, label)
	if err != nil {
		return b.fail(c, err)
	}
	if !ok {
		return c.Send(fmt.Sprintf("❌ No birthday found for %q", label))
	}
	rule := model.ReminderRule{
		ID: model.NewID(), BirthdayID: bd.ID,
		OffsetDays: offset, Hour: hour, Minute: minute,
	}
	if err := b.store.AddRule(ctx, rule); err != nil {
		b.audit(ctx, userID, "add_reminder", label, err)
		return b.fail(c, err)
	}
	b.audit(ctx, userID, "add_reminder", label, nil)
	return c.Send(fmt.Sprintf("✅ Reminder added: %s, %d day(s) before at %02d:%02d",
		label, offset, hour, minute))
}

func (b *Bot) listReminders(c tele.Context) error {
	userID := c.Sender().ID
	ctx, cancel := b.handlerCtx()
	defer cancel()

	rules, err := b.store.ListRulesByUser(ctx, userID)
	if err != nil {
		return b.fail(c, err)
	}
	if len(rules) == 0 {
		return c.Send("⏰ No reminders configured.")
	}
	labels := map[string]string{}
	birthdays, err := b.store.ListBirthdays(ctx, userID)
	if err != nil {
		return b.fail(c, err)
	}
	for _, bd := range birthdays {
		labels[bd.ID] = bd.Label
	}

	var sb strings.Builder
	sb.WriteString("⏰ Your reminders:\n\n")
	for i, r := range rules {
		fmt.Fprintf(&sb, "%d. %s: %d day(s) before at %02d:%02d\n",
			i+1, labels[r.BirthdayID], r.OffsetDays, r.Hour, r.Minute)
	}
	return c.Send(sb.String())
}

func (b *Bot) removeReminder(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Send("Usage: /remove_reminder <number> (see /list_reminders)")
	}
	userID := c.Sender().ID
	ctx, cancel := b.handlerCtx()
	defer cancel()

	rules, err := b.store.ListRulesByUser(ctx, userID)
	if err != nil {
		return b.fail(c, err)
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil || idx < 1 || idx > len(rules) {
		return c.Send("❌ Invalid reminder number.")
	}
	r := rules[idx-1]
	if err := b.store.RemoveRule(ctx, userID, r.ID); err != nil {
		b.audit(ctx, userID, "remove_reminder", r.ID, err)
		return b.fail(c, err)
	}
	b.audit(ctx, userID, "remove_reminder", r.ID, nil)
	return c.Send(fmt.Sprintf("✅ Removed reminder: %d day(s) before at %02d:%02d",
		r.OffsetDays, r.Hour, r.Minute))
}

// ---- settings / operational ----

func (b *Bot) setTimezone(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Send("Usage: /set_timezone <IANA name>\nExample: /set_timezone America/New_York")
	}
	userID := c.Sender().ID
	name := args[0]

	if err := b.resolver.Validate(name); err != nil {
		if errors.Is(err, timezone.ErrUnknownTimezone) {
			return c.Send("❌ Unknown timezone. Use an IANA name like Europe/Berlin.")
		}
		return b.fail(c, err)
	}

	ctx, cancel := b.handlerCtx()
	defer cancel()

	settings, err := b.store.GetSettings(ctx, userID)
	if err != nil {
		return b.fail(c, err)
	}
	settings.UserID = userID
	settings.Timezone = name
	if err := b.store.PutSettings(ctx, settings); err != nil {
		b.audit(ctx, userID, "set_timezone", name, err)
		return b.fail(c, err)
	}
	b.audit(ctx, userID, "set_timezone", name, nil)
	return c.Send("✅ Timezone set to " + name)
}

// testNotifications dispatches directly, bypassing the tracker: test sends
// are never recorded as real dispatches.
func (b *Bot) testNotifications(c tele.Context) error {
	userID := c.Sender().ID
	ctx, cancel := b.handlerCtx()
	defer cancel()

	endpoints, err := b.store.ListEndpoints(ctx, userID)
	if err != nil {
		return b.fail(c, err)
	}
	if len(endpoints) == 0 {
		return c.Send("❌ No notification endpoints configured.")
	}
	outcomes := b.dispatcher.Dispatch(ctx, userID, dispatch.Message{
		Title: "🧪 Test notification",
		Body:  "This is a test message from your birthday bot.",
	}, endpoints)

	okCount := 0
	var failed []string
	for i, o := range outcomes {
		if o.Success {
			okCount++
		} else {
			failed = append(failed, fmt.Sprintf("%s: %s", maskURL(endpoints[i].URL), o.Error))
		}
	}
	reply := fmt.Sprintf("📡 Test complete: %d/%d endpoints successful", okCount, len(outcomes))
	if len(failed) > 0 {
		reply += "\n\nFailures:\n" + strings.Join(failed, "\n")
	}
	return c.Send(reply)
}

func (b *Bot) status(c tele.Context) error {
	userID := c.Sender().ID
	ctx, cancel := b.handlerCtx()
	defer cancel()

	recs, err := b.store.ListRecentDispatches(ctx, userID, 10)
	if err != nil {
		return b.fail(c, err)
	}
	if len(recs) == 0 {
		return c.Send("📋 No reminders have been dispatched yet.")
	}

	labels := map[string]string{}
	if birthdays, err := b.store.ListBirthdays(ctx, userID); err == nil {
		for _, bd := range birthdays {
			labels[bd.ID] = bd.Label
		}
	}

	var sb strings.Builder
	sb.WriteString("📋 Recent reminder dispatches:\n\n")
	for _, r := range recs {
		label := labels[r.Key.BirthdayID]
		if label == "" {
			label = "(removed)"
		}
		state := "✅ sent"
		if !r.Sent {
			state = fmt.Sprintf("❌ failed (%d attempt(s))", r.Attempts)
		}
		fmt.Fprintf(&sb, "• %s %d — %s, %s\n", label, r.Key.OccurrenceYear, state,
			r.SentAt.Format("2006-01-02 15:04 UTC"))
		for _, o := range r.Outcomes {
			if !o.Success {
				fmt.Fprintf(&sb, "    endpoint %s: %s\n", o.EndpointID, o.Error)
			}
		}
	}
	return c.Send(sb.String())
}

// ---- helpers ----

func (b *Bot) fail(c tele.Context, err error) error {
	b.log.Warn("command failed", logx.Int64("user_id", c.Sender().ID), logx.Err(err))
	return c.Send("❌ Something went wrong, please try again later.")
}

func (b *Bot) localNow(tz string) time.Time {
	now := b.clk.Now()
	local, err := b.resolver.LocalTime(now, tz)
	if err != nil {
		return now
	}
	return local
}

// daysUntilNext counts local calendar days until the next occurrence.
func daysUntilNext(bd model.Birthday, today recurrence.Date) (int, bool) {
	for _, year := range [2]int{today.Year, today.Year + 1} {
		occ, err := recurrence.Occurrence(bd.Month, bd.Day, year, recurrence.PolicyFeb28)
		if err != nil {
			return 0, false
		}
		t := time.Date(occ.Year, occ.Month, occ.Day, 0, 0, 0, 0, time.UTC)
		n := time.Date(today.Year, today.Month, today.Day, 0, 0, 0, 0, time.UTC)
		if d := int(t.Sub(n).Hours() / 24); d >= 0 {
			return d, true
		}
	}
	return 0, false
}

func parseMonthDay(s string) (month, day int, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid date %q, use MM-DD (e.g. 03-15)", s)
	}
	month, err1 := strconv.Atoi(parts[0])
	day, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || !recurrence.ValidBirthday(month, day) {
		return 0, 0, fmt.Errorf("invalid date %q, use MM-DD (e.g. 03-15)", s)
	}
	return month, day, nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, use HH:MM (e.g. 09:00)", s)
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time %q, use HH:MM (e.g. 09:00)", s)
	}
	return hour, minute, nil
}

// maskURL hides credentials embedded in endpoint URLs for display.
func maskURL(s string) string {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		if len(s) > 24 {
			return s[:24] + "..."
		}
		return s
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	if len(rest) > 24 {
		rest = rest[:24] + "..."
	}
	return scheme + "://" + rest
}
