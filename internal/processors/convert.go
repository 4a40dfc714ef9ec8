package processors

import (
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
)

func strp(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func i64p(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func timep(ts *github.Timestamp) *time.Time {
	if ts == nil || ts.Time.IsZero() {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

func hoursBetween(from, to time.Time) *float64 {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil
	}
	h := to.Sub(from).Hours()
	return &h
}

func isBot(u *github.User) bool {
	if u == nil {
		return false
	}
	return u.GetType() == "Bot" || strings.HasSuffix(u.GetLogin(), "[bot]")
}
