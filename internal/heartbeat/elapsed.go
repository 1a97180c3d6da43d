package heartbeat

import (
	"fmt"
	"time"
)

const usecPerSec = 1_000_000

// Stamp is a wall clock reading split into whole seconds and microseconds.
type Stamp struct {
	Sec  int64
	Usec int64
}

// StampOf converts t to a Stamp, truncating to microseconds.
func StampOf(t time.Time) Stamp {
	return Stamp{Sec: t.Unix(), Usec: int64(t.Nanosecond() / 1000)}
}

// normalize folds out-of-range microseconds into the seconds field.
func (s Stamp) normalize() Stamp {
	if s.Usec >= usecPerSec || s.Usec <= -usecPerSec {
		s.Sec += s.Usec / usecPerSec
		s.Usec %= usecPerSec
	}
	if s.Usec < 0 {
		s.Sec--
		s.Usec += usecPerSec
	}
	return s
}

// Elapsed is a non-negative span of time with microsecond resolution.
// Usec is always in [0, 1e6).
type Elapsed struct {
	Sec  int64
	Usec int64
}

// Between returns ack - send. A negative result, which only happens when the
// wall clock stepped backwards, is clamped to zero.
func Between(send, ack Stamp) Elapsed {
	send, ack = send.normalize(), ack.normalize()

	sec := ack.Sec - send.Sec
	usec := ack.Usec - send.Usec
	if usec < 0 {
		// borrow one second
		sec--
		usec += usecPerSec
	} else if usec >= usecPerSec {
		sec++
		usec -= usecPerSec
	}

	if sec < 0 {
		return Elapsed{}
	}
	return Elapsed{Sec: sec, Usec: usec}
}

// ElapsedOf converts d to an Elapsed, truncating to microseconds.
// Negative durations become zero.
func ElapsedOf(d time.Duration) Elapsed {
	if d <= 0 {
		return Elapsed{}
	}
	us := d.Microseconds()
	return Elapsed{Sec: us / usecPerSec, Usec: us % usecPerSec}
}

// Compare orders e and o by seconds, then microseconds.
// It returns -1, 0 or +1.
func (e Elapsed) Compare(o Elapsed) int {
	switch {
	case e.Sec < o.Sec:
		return -1
	case e.Sec > o.Sec:
		return 1
	case e.Usec < o.Usec:
		return -1
	case e.Usec > o.Usec:
		return 1
	}
	return 0
}

// Exceeds reports whether e is strictly longer than limit.
func (e Elapsed) Exceeds(limit Elapsed) bool {
	return e.Compare(limit) > 0
}

// Duration returns e as a time.Duration.
func (e Elapsed) Duration() time.Duration {
	return time.Duration(e.Sec)*time.Second + time.Duration(e.Usec)*time.Microsecond
}

// String formats e as seconds with six fractional digits, e.g. "1.200000s".
func (e Elapsed) String() string {
	return fmt.Sprintf("%d.%06ds", e.Sec, e.Usec)
}

// Uptime is a number of seconds broken down for display.
type Uptime struct {
	Days    int64
	Hours   int64
	Minutes int64
	Seconds int64
}

// Decompose splits total seconds into days, hours, minutes and seconds.
// Negative totals are treated as zero.
func Decompose(total int64) Uptime {
	if total < 0 {
		total = 0
	}
	return Uptime{
		Days:    total / 86400,
		Hours:   total % 86400 / 3600,
		Minutes: total % 3600 / 60,
		Seconds: total % 60,
	}
}

// Total returns the number of seconds u represents.
func (u Uptime) Total() int64 {
	return u.Days*86400 + u.Hours*3600 + u.Minutes*60 + u.Seconds
}

// String formats u as "HH:MM:SS", prefixed with "<days>d:" when at least a
// day has passed.
func (u Uptime) String() string {
	if u.Days > 0 {
		return fmt.Sprintf("%dd:%02d:%02d:%02d", u.Days, u.Hours, u.Minutes, u.Seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", u.Hours, u.Minutes, u.Seconds)
}
