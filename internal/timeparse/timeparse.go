// Package timeparse resolves the time window a natural-language question
// refers to.
//
// Resolution order: relative durations ("过去30分钟", "last 2 hours"), then
// day words with an optional part of day ("昨天下午", "this morning"), then
// the earliest past moment among loose date and time phrases ("3月10日下午"
// narrows to that afternoon), then a bare part of day meaning today, then a
// fixed lookback. The result always satisfies Start <= End.
package timeparse

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultLookback applies when nothing in the text resolves.
const DefaultLookback = 1440 * time.Minute

// Kind records which rule produced a window.
type Kind string

const (
	KindRelative Kind = "relative"
	KindDay      Kind = "day"
	KindFuzzy    Kind = "fuzzy"
	KindDefault  Kind = "default"
)

// Window is a resolved time range.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Kind  Kind      `json:"kind"`
}

// Parser resolves windows. The zero value uses DefaultLookback.
type Parser struct {
	DefaultLookback time.Duration
}

// Parse resolves query against now with the default lookback.
func Parse(query string, now time.Time) (start, end time.Time) {
	w := Parser{}.Resolve(query, now)
	return w.Start, w.End
}

// Resolve maps query to a window ending no later than now for past phrases.
func (p Parser) Resolve(query string, now time.Time) Window {
	q := strings.ToLower(strings.TrimSpace(query))

	w, ok := relative(q, now)
	if !ok {
		w, ok = dayWord(q, now)
	}
	if !ok {
		w, ok = fuzzy(q, now)
	}
	if !ok {
		// A bare part of day refers to today.
		if part := partOf(q); part != nil {
			w, ok = partWindow(midnight(now), part, now), true
		}
	}
	if !ok {
		lookback := p.DefaultLookback
		if lookback <= 0 {
			lookback = DefaultLookback
		}
		w = Window{Start: now.Add(-lookback), End: now, Kind: KindDefault}
	}
	if w.Start.After(w.End) {
		w.Start = w.End.Add(-time.Second)
	}
	return w
}

// ─── Relative durations ──────────────────────────────────────────────────────

const cnNum = `[零〇一二两三四五六七八九十]+`

var (
	relativeCN = regexp.MustCompile(`(?:最近|过去|近)的?\s*(\d+(?:\.\d+)?|` + cnNum + `|半)?\s*个?\s*(半)?\s*(分钟|分|小时|钟头|天|日|周|星期|礼拜|月)`)
	relativeEN = regexp.MustCompile(`\b(?:last|past|previous)\s+(\d+(?:\.\d+)?|an?|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|half(?:\s+an?)?)?\s*(minutes?|mins?|hours?|hrs?|days?|weeks?|months?)\b`)
)

func relative(q string, now time.Time) (Window, bool) {
	if m := relativeCN.FindStringSubmatch(q); m != nil {
		n := 1.0
		if m[1] != "" {
			v, ok := parseNumber(m[1])
			if !ok {
				return Window{}, false
			}
			n = v
		}
		if m[2] != "" {
			n += 0.5
		}
		return Window{Start: subtract(now, n, unitCN(m[3])), End: now, Kind: KindRelative}, true
	}
	if m := relativeEN.FindStringSubmatch(q); m != nil {
		n := 1.0
		if m[1] != "" {
			v, ok := parseNumber(m[1])
			if !ok {
				return Window{}, false
			}
			n = v
		}
		return Window{Start: subtract(now, n, unitEN(m[2])), End: now, Kind: KindRelative}, true
	}
	return Window{}, false
}

type unit int

const (
	unitMinute unit = iota
	unitHour
	unitDay
	unitWeek
	unitMonth
)

func unitCN(s string) unit {
	switch s {
	case "分钟", "分":
		return unitMinute
	case "小时", "钟头":
		return unitHour
	case "天", "日":
		return unitDay
	case "周", "星期", "礼拜":
		return unitWeek
	default:
		return unitMonth
	}
}

func unitEN(s string) unit {
	switch {
	case strings.HasPrefix(s, "min"):
		return unitMinute
	case strings.HasPrefix(s, "h"):
		return unitHour
	case strings.HasPrefix(s, "d"):
		return unitDay
	case strings.HasPrefix(s, "w"):
		return unitWeek
	default:
		return unitMonth
	}
}

func subtract(now time.Time, n float64, u unit) time.Time {
	switch u {
	case unitMinute:
		return now.Add(-time.Duration(n * float64(time.Minute)))
	case unitHour:
		return now.Add(-time.Duration(n * float64(time.Hour)))
	case unitDay:
		return now.Add(-time.Duration(n * 24 * float64(time.Hour)))
	case unitWeek:
		return now.Add(-time.Duration(n * 7 * 24 * float64(time.Hour)))
	}
	whole := math.Floor(n)
	t := now.AddDate(0, -int(whole), 0)
	if frac := n - whole; frac > 0 {
		t = t.Add(-time.Duration(frac * 30 * 24 * float64(time.Hour)))
	}
	return t
}

var enNumbers = map[string]float64{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
}

var cnDigits = map[rune]int{
	'零': 0, '〇': 0, '一': 1, '二': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

// parseNumber understands digits, English words up to twelve, "half" and
// Chinese numerals below one hundred.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}
	if v, ok := enNumbers[s]; ok {
		return v, true
	}
	if s == "半" || strings.HasPrefix(s, "half") {
		return 0.5, true
	}
	v, ok := parseChinese(s)
	return float64(v), ok
}

func parseChinese(s string) (int, bool) {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0, false
	}
	idx := -1
	for i, r := range runes {
		if r == '十' {
			idx = i
			break
		}
	}
	if idx < 0 {
		if len(runes) != 1 {
			return 0, false
		}
		d, ok := cnDigits[runes[0]]
		return d, ok
	}
	tens, ones := 1, 0
	if idx > 0 {
		if idx != 1 {
			return 0, false
		}
		d, ok := cnDigits[runes[0]]
		if !ok {
			return 0, false
		}
		tens = d
	}
	switch rest := runes[idx+1:]; len(rest) {
	case 0:
	case 1:
		d, ok := cnDigits[rest[0]]
		if !ok {
			return 0, false
		}
		ones = d
	default:
		return 0, false
	}
	return tens*10 + ones, true
}

// ─── Day words ───────────────────────────────────────────────────────────────

type dayRule struct {
	words  []string
	offset int // days before today
	part   *partOfDay
}

type partOfDay struct{ from, to int }

var (
	morning   = &partOfDay{6, 12}
	afternoon = &partOfDay{12, 18}
	evening   = &partOfDay{18, 24}
)

// Longer phrases first so "day before yesterday" wins over "yesterday".
var dayRules = []dayRule{
	{words: []string{"前天", "day before yesterday"}, offset: 2},
	{words: []string{"昨晚", "昨夜", "last night"}, offset: 1, part: evening},
	{words: []string{"昨天", "昨日", "yesterday"}, offset: 1},
	{words: []string{"今早", "今晨", "this morning"}, offset: 0, part: morning},
	{words: []string{"this afternoon"}, offset: 0, part: afternoon},
	{words: []string{"今晚", "今夜", "tonight", "this evening"}, offset: 0, part: evening},
	{words: []string{"今天", "今日", "today"}, offset: 0},
}

var partWords = []struct {
	words []string
	part  *partOfDay
}{
	{[]string{"上午", "早上", "早晨", "清晨", "morning"}, morning},
	{[]string{"下午", "afternoon"}, afternoon},
	{[]string{"晚上", "夜里", "傍晚", "evening", "night"}, evening},
}

func dayWord(q string, now time.Time) (Window, bool) {
	for _, r := range dayRules {
		if !containsAny(q, r.words) {
			continue
		}
		part := r.part
		if part == nil {
			part = partOf(q)
		}
		return partWindow(midnight(now).AddDate(0, 0, -r.offset), part, now), true
	}
	return Window{}, false
}

func partOf(q string) *partOfDay {
	for _, pw := range partWords {
		if containsAny(q, pw.words) {
			return pw.part
		}
	}
	return nil
}

// partWindow spans part of day, or all of it when part is nil. The end
// never passes now.
func partWindow(day time.Time, part *partOfDay, now time.Time) Window {
	start, end := day, day.AddDate(0, 0, 1)
	if part != nil {
		start = day.Add(time.Duration(part.from) * time.Hour)
		end = day.Add(time.Duration(part.to) * time.Hour)
	}
	if end.After(now) {
		end = now
	}
	return Window{Start: start, End: end, Kind: KindDay}
}

// ─── Fuzzy phrases ───────────────────────────────────────────────────────────

var (
	isoDate    = regexp.MustCompile(`(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})`)
	cnFullDate = regexp.MustCompile(`(\d{4})年(\d{1,2})月(\d{1,2})[日号]`)
	cnDate     = regexp.MustCompile(`(\d{1,2})月(\d{1,2})[日号]`)
	cnClock    = regexp.MustCompile(`(\d{1,2})\s*[点时](?:\s*(\d{1,2})\s*分?|(半))?`)
	colonClock = regexp.MustCompile(`\b(\d{1,2})[:：](\d{2})\s*(am|pm)?`)
	amPmClock  = regexp.MustCompile(`\b(\d{1,2})\s*(am|pm)\b`)
	agoCN      = regexp.MustCompile(`(\d+|` + cnNum + `|半)\s*个?\s*(分钟|小时|钟头|天|周|星期|月)(?:之|以)?前`)
	agoEN      = regexp.MustCompile(`\b(\d+|an?|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve)\s+(minutes?|mins?|hours?|hrs?|days?|weeks?|months?)\s+ago\b`)
	weekdayCN  = regexp.MustCompile(`(上个?|本|这个?)?(?:周|星期|礼拜)([一二三四五六日天])`)
	weekdayEN  = regexp.MustCompile(`\b(last|this)?\s*(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
)

var cnWeekday = map[string]time.Weekday{
	"一": time.Monday, "二": time.Tuesday, "三": time.Wednesday, "四": time.Thursday,
	"五": time.Friday, "六": time.Saturday, "日": time.Sunday, "天": time.Sunday,
}

var enWeekday = map[string]time.Weekday{
	"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday, "sunday": time.Sunday,
}

// fuzzy starts the window at the earliest past time the query names. A
// part of day next to a calendar date narrows the window to that part of
// the earliest such date instead.
func fuzzy(q string, now time.Time) (Window, bool) {
	loc := now.Location()
	var hits, days []time.Time
	add := func(t time.Time) {
		if !t.After(now) {
			hits = append(hits, t)
		}
	}
	addDay := func(t time.Time) {
		if !t.After(now) {
			hits = append(hits, t)
			days = append(days, t)
		}
	}

	for _, m := range cnFullDate.FindAllStringSubmatch(q, -1) {
		if t, ok := date(atoi(m[1]), atoi(m[2]), atoi(m[3]), loc); ok {
			addDay(t)
		}
	}
	for _, m := range isoDate.FindAllStringSubmatch(q, -1) {
		if t, ok := date(atoi(m[1]), atoi(m[2]), atoi(m[3]), loc); ok {
			addDay(t)
		}
	}
	if !cnFullDate.MatchString(q) {
		for _, m := range cnDate.FindAllStringSubmatch(q, -1) {
			t, ok := date(now.Year(), atoi(m[1]), atoi(m[2]), loc)
			if ok && t.After(now) {
				t, ok = date(now.Year()-1, atoi(m[1]), atoi(m[2]), loc)
			}
			if ok {
				addDay(t)
			}
		}
	}

	today := midnight(now)
	for _, m := range cnClock.FindAllStringSubmatch(q, -1) {
		min := atoi(m[2])
		if m[3] != "" {
			min = 30
		}
		if t, ok := clock(today, atoi(m[1]), min); ok {
			add(t)
		}
	}
	for _, m := range colonClock.FindAllStringSubmatch(q, -1) {
		if t, ok := clock(today, hour12(atoi(m[1]), m[3]), atoi(m[2])); ok {
			add(t)
		}
	}
	for _, m := range amPmClock.FindAllStringSubmatch(q, -1) {
		if t, ok := clock(today, hour12(atoi(m[1]), m[2]), 0); ok {
			add(t)
		}
	}

	for _, m := range agoCN.FindAllStringSubmatch(q, -1) {
		if n, ok := parseNumber(m[1]); ok {
			add(subtract(now, n, unitCN(m[2])))
		}
	}
	for _, m := range agoEN.FindAllStringSubmatch(q, -1) {
		if n, ok := parseNumber(m[1]); ok {
			add(subtract(now, n, unitEN(m[2])))
		}
	}

	for _, m := range weekdayCN.FindAllStringSubmatch(q, -1) {
		addDay(weekday(today, cnWeekday[m[2]], strings.HasPrefix(m[1], "上")))
	}
	for _, m := range weekdayEN.FindAllStringSubmatch(q, -1) {
		addDay(weekday(today, enWeekday[m[2]], m[1] == "last"))
	}

	monday := startOfWeek(today)
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	for _, p := range []struct {
		words []string
		t     time.Time
	}{
		{[]string{"上周", "上星期", "上个星期", "上礼拜", "上个礼拜", "last week"}, monday.AddDate(0, 0, -7)},
		{[]string{"本周", "这周", "这个星期", "这星期", "this week"}, monday},
		{[]string{"上个月", "上月", "last month"}, firstOfMonth.AddDate(0, -1, 0)},
		{[]string{"本月", "这个月", "this month"}, firstOfMonth},
		{[]string{"今年", "this year"}, time.Date(now.Year(), 1, 1, 0, 0, 0, 0, loc)},
	} {
		if containsAny(q, p.words) {
			add(p.t)
		}
	}

	if len(hits) == 0 {
		return Window{}, false
	}
	if part := partOf(q); part != nil && len(days) > 0 {
		return partWindow(earliest(days), part, now), true
	}
	return Window{Start: earliest(hits), End: now, Kind: KindFuzzy}, true
}

func earliest(ts []time.Time) time.Time {
	e := ts[0]
	for _, t := range ts[1:] {
		if t.Before(e) {
			e = t
		}
	}
	return e
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfWeek(day time.Time) time.Time {
	back := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -back)
}

// weekday returns the latest wd on or before today, or the one in the
// previous week when lastWeek is set.
func weekday(today time.Time, wd time.Weekday, lastWeek bool) time.Time {
	if lastWeek {
		return startOfWeek(today).AddDate(0, 0, -7+(int(wd)+6)%7)
	}
	back := (int(today.Weekday()) - int(wd) + 7) % 7
	return today.AddDate(0, 0, -back)
}

func date(y, m, d int, loc *time.Location) (time.Time, bool) {
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, loc)
	if t.Month() != time.Month(m) {
		return time.Time{}, false
	}
	return t, true
}

func clock(day time.Time, h, m int) (time.Time, bool) {
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return time.Time{}, false
	}
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute), true
}

func hour12(h int, suffix string) int {
	switch suffix {
	case "pm":
		if h < 12 {
			return h + 12
		}
	case "am":
		if h == 12 {
			return 0
		}
	}
	return h
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
